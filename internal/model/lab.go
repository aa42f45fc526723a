package model

import "time"

// Lab is one monitored room with a camera attached.
type Lab struct {
	ID                 string  `gorm:"primaryKey" json:"id"`
	Name               string  `gorm:"uniqueIndex;not null" json:"name"`
	Capacity           int     `json:"capacity"`
	CameraSource       string  `json:"camera_source"`
	CurrentUtilization float64 `json:"current_utilization"`

	CreatedAt time.Time `json:"created_at"`
}

// OccupancyPercent maps a head count onto the lab capacity, capped at 100.
// Labs without a known capacity report zero.
func (l Lab) OccupancyPercent(peopleCount int) float64 {
	if l.Capacity <= 0 {
		return 0
	}
	percent := float64(peopleCount) / float64(l.Capacity) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

// OccupancyUpdate is broadcast to live dashboards after every capture.
type OccupancyUpdate struct {
	LabID            string  `json:"labId"`
	LabName          string  `json:"labName"`
	PeopleCount      int     `json:"peopleCount"`
	OccupancyPercent float64 `json:"occupancyPercent"`
}
