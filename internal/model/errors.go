package model

import (
	"errors"
)

var (
	// ErrInvalidWindow rejects sessions whose end does not come strictly
	// after their start, or whose target capture count is below one.
	ErrInvalidWindow = errors.New("invalid session window")

	ErrNotFound = errors.New("record not found")
)
