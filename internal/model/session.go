package model

import (
	"time"
)

// Recurrence keeps the original timetable row values so a later re-sync can
// regenerate the next occurrence of this session.
type Recurrence struct {
	DayOfWeek  string `json:"day_of_week"`
	StartClock string `json:"start_clock"`
	EndClock   string `json:"end_clock"`
}

// Session is one scheduled monitoring window for one lab.
//
// Interactive sessions are created on request; timetable-derived sessions are
// created by the timetable sync and tagged FromTimetable so a re-sync can
// replace the whole generation at once.
type Session struct {
	ID    string `gorm:"primaryKey" json:"id"`
	LabID string `gorm:"index;not null" json:"lab_id"`

	StartTime time.Time `gorm:"not null" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`

	TargetCaptures     int  `gorm:"not null" json:"target_captures"`
	SecondaryDetection bool `json:"secondary_detection"`

	FromTimetable bool       `gorm:"index" json:"from_timetable"`
	Recurrence    Recurrence `gorm:"embedded;embeddedPrefix:recurrence_" json:"recurrence,omitzero"`

	DetectionsCount int        `json:"detections_count"`
	LastDetectionAt *time.Time `json:"last_detection_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the window invariant: end strictly after start and at
// least one capture requested.
func (s Session) Validate() error {
	if !s.EndTime.After(s.StartTime) {
		return ErrInvalidWindow
	}
	if s.TargetCaptures < 1 {
		return ErrInvalidWindow
	}
	return nil
}

// Interval is the spacing between capture ticks: (end-start)/targetCaptures.
func (s Session) Interval() time.Duration {
	return s.EndTime.Sub(s.StartTime) / time.Duration(s.TargetCaptures)
}
