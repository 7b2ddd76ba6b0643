package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/superteam-academy/backend/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("catalog: database handle is required")

// ServiceConfig describes the dependencies of the catalog mirror.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maintains the local mirror of on-ledger course metadata.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the catalog service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetCourse returns the mirrored course row.
func (s *Service) GetCourse(ctx context.Context, courseID CourseID) (Course, error) {
	var course Course
	err := s.db.WithContext(ctx).
		Where("course_id = ?", courseID.String()).
		First(&course).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Course{}, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
	}
	if err != nil {
		return Course{}, err
	}
	return course, nil
}

// GetActiveCourse returns the course when it exists and is open; inactive
// courses return ErrCourseInactive.
func (s *Service) GetActiveCourse(ctx context.Context, courseID CourseID) (Course, error) {
	course, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return Course{}, err
	}
	if !course.IsActive {
		return Course{}, fmt.Errorf("%w: %s", ErrCourseInactive, courseID)
	}
	return course, nil
}

// UpsertCourse writes or refreshes a mirrored course row. Lesson counts past
// the enrollment bitmap capacity are rejected here rather than truncated
// later.
func (s *Service) UpsertCourse(ctx context.Context, course Course) error {
	if _, err := NewCourseID(course.CourseID); err != nil {
		return err
	}
	if err := progress.ValidateLessonCount(course.LessonCount); err != nil {
		return err
	}

	now := s.clock().Unix()
	course.UpdatedAtSeconds = now
	if course.CreatedAtSeconds == 0 {
		course.CreatedAtSeconds = now
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "course_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"title", "lesson_count", "xp_per_lesson", "difficulty",
				"track_id", "prerequisite", "is_active", "updated_at_s",
			}),
		}).
		Create(&course).
		Error
	if err != nil {
		return err
	}
	s.logger.Debug("course mirrored",
		zap.String("course_id", course.CourseID),
		zap.Int("lesson_count", course.LessonCount))
	return nil
}

// ListActive returns all open courses ordered by course id.
func (s *Service) ListActive(ctx context.Context) ([]Course, error) {
	var courses []Course
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("course_id asc").
		Find(&courses).
		Error
	if err != nil {
		return nil, err
	}
	return courses, nil
}
