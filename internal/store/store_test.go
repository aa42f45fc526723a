package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/labwatch/labwatch/internal/model"
	"github.com/labwatch/labwatch/internal/store"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data", "labwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestEnsureLab(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	lab, err := s.EnsureLab(ctx, "Physics Lab")
	require.NoError(t, err)
	require.NotEmpty(t, lab.ID)
	require.Equal(t, "Physics Lab", lab.Name)
	require.Equal(t, "0", lab.CameraSource)

	again, err := s.EnsureLab(ctx, "Physics Lab")
	require.NoError(t, err)
	require.Equal(t, lab.ID, again.ID)

	got, err := s.Lab(ctx, lab.ID)
	require.NoError(t, err)
	require.Equal(t, lab.Name, got.Name)

	_, err = s.Lab(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetLabUtilization(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	lab, err := s.EnsureLab(ctx, "Chemistry Lab")
	require.NoError(t, err)

	require.NoError(t, s.SetLabUtilization(ctx, lab.ID, 42.5))

	got, err := s.Lab(ctx, lab.ID)
	require.NoError(t, err)
	require.InDelta(t, 42.5, got.CurrentUtilization, 0.001)
}

func TestSessionCRUD(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	lab, err := s.EnsureLab(ctx, "Physics Lab")
	require.NoError(t, err)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	session := model.Session{
		LabID:          lab.ID,
		StartTime:      start,
		EndTime:        start.Add(2 * time.Hour),
		TargetCaptures: 4,
	}
	require.NoError(t, s.CreateSession(ctx, &session))
	require.NotEmpty(t, session.ID, "id is assigned on create")

	got, err := s.Session(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, lab.ID, got.LabID)
	require.Equal(t, 4, got.TargetCaptures)
	require.WithinDuration(t, start, got.StartTime, time.Second)

	require.NoError(t, s.DeleteSession(ctx, session.ID))
	_, err = s.Session(ctx, session.ID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreateSessionValidates(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	err := s.CreateSession(ctx, &model.Session{
		LabID:          "lab-1",
		StartTime:      start,
		EndTime:        start.Add(-time.Hour),
		TargetCaptures: 1,
	})
	require.ErrorIs(t, err, model.ErrInvalidWindow)
}

func TestTimetableGeneration(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	lab, err := s.EnsureLab(ctx, "Physics Lab")
	require.NoError(t, err)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	interactive := model.Session{LabID: lab.ID, StartTime: start, EndTime: start.Add(time.Hour), TargetCaptures: 1}
	require.NoError(t, s.CreateSession(ctx, &interactive))

	for range 2 {
		timetabled := model.Session{
			LabID: lab.ID, StartTime: start, EndTime: start.Add(time.Hour),
			TargetCaptures: 2, FromTimetable: true,
			Recurrence: model.Recurrence{DayOfWeek: "Monday", StartClock: "9:00", EndClock: "10:00"},
		}
		require.NoError(t, s.CreateSession(ctx, &timetabled))
	}

	sessions, err := s.TimetableSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "Monday", sessions[0].Recurrence.DayOfWeek)

	require.NoError(t, s.DeleteTimetableSessions(ctx))

	sessions, err = s.TimetableSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)

	// interactive sessions survive the generation swap
	_, err = s.Session(ctx, interactive.ID)
	require.NoError(t, err)
}

func TestAppendDetection(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	lab, err := s.EnsureLab(ctx, "Physics Lab")
	require.NoError(t, err)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	session := model.Session{LabID: lab.ID, StartTime: start, EndTime: start.Add(time.Hour), TargetCaptures: 3}
	require.NoError(t, s.CreateSession(ctx, &session))

	for i := range 3 {
		d := model.DetectionResult{
			LabID:     lab.ID,
			SessionID: session.ID,
			Timestamp: start.Add(time.Duration(i) * 20 * time.Minute),
			Objects:   []model.DetectedObject{{Label: "person", Count: i + 1}},
			ImagePath: "shot.jpg",
		}
		require.NoError(t, s.AppendDetection(ctx, d))
	}

	got, err := s.Session(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.DetectionsCount)
	require.NotNil(t, got.LastDetectionAt)

	detections, err := s.DetectionsBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, detections, 3)
	require.Equal(t, 1, detections[0].PeopleCount())
	require.Equal(t, 3, detections[2].PeopleCount())
}
