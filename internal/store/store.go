package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/labwatch/labwatch/internal/model"
)

// Store persists labs, sessions and detection results in a local sqlite
// database.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at path, creating the parent
// directory and migrating the schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	err = db.AutoMigrate(
		&model.Lab{},
		&model.Session{},
		&model.DetectionResult{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureLab returns the lab with the given name, creating it with defaults
// when it does not exist yet.
func (s *Store) EnsureLab(ctx context.Context, name string) (model.Lab, error) {
	var lab model.Lab
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&lab).Error
	if err == nil {
		return lab, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Lab{}, err
	}

	lab = model.Lab{
		ID:           uuid.NewString(),
		Name:         name,
		CameraSource: "0",
	}
	if err := s.db.WithContext(ctx).Create(&lab).Error; err != nil {
		return model.Lab{}, err
	}
	return lab, nil
}

func (s *Store) Lab(ctx context.Context, id string) (model.Lab, error) {
	var lab model.Lab
	err := s.db.WithContext(ctx).First(&lab, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Lab{}, fmt.Errorf("lab %s: %w", id, model.ErrNotFound)
	}
	return lab, err
}

// SetLabUtilization updates the dashboard reference value after a capture.
func (s *Store) SetLabUtilization(ctx context.Context, id string, percent float64) error {
	return s.db.WithContext(ctx).
		Model(&model.Lab{}).
		Where("id = ?", id).
		Update("current_utilization", percent).Error
}

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if err := session.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *Store) Session(ctx context.Context, id string) (model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, fmt.Errorf("session %s: %w", id, model.ErrNotFound)
	}
	return session, err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&model.Session{}, "id = ?", id).Error
}

// TimetableSessions lists the live generation of timetable-derived sessions.
func (s *Store) TimetableSessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("from_timetable = ?", true).
		Find(&sessions).Error
	return sessions, err
}

// DeleteTimetableSessions removes the whole timetable-derived generation.
func (s *Store) DeleteTimetableSessions(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("from_timetable = ?", true).
		Delete(&model.Session{}).Error
}

// AppendDetection stores one capture result and bumps the owning session's
// progress counters.
func (s *Store) AppendDetection(ctx context.Context, d model.DetectionResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&d).Error; err != nil {
			return err
		}
		return tx.Model(&model.Session{}).
			Where("id = ?", d.SessionID).
			Updates(map[string]any{
				"detections_count":  gorm.Expr("detections_count + 1"),
				"last_detection_at": d.Timestamp,
			}).Error
	})
}

// DetectionsBySession returns a session's captures in chronological order.
func (s *Store) DetectionsBySession(ctx context.Context, sessionID string) ([]model.DetectionResult, error) {
	var detections []model.DetectionResult
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp").
		Find(&detections).Error
	return detections, err
}
