package model

import (
	"strings"
	"time"
)

// DetectedObject is one (label, count) tally reported by the worker.
type DetectedObject struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DetectionResult is one completed capture: what the worker saw, when, and
// where the captured image ended up.
type DetectionResult struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	LabID     string    `gorm:"index;not null" json:"lab_id"`
	SessionID string    `gorm:"index;not null" json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Objects   []DetectedObject `gorm:"serializer:json" json:"objects"`
	ImagePath string           `json:"image_path"`

	CreatedAt time.Time `json:"created_at"`
}

// PeopleCount returns the tally of the "person" label, or zero when absent.
func (d DetectionResult) PeopleCount() int {
	for _, obj := range d.Objects {
		if strings.EqualFold(obj.Label, "person") {
			return obj.Count
		}
	}
	return 0
}
