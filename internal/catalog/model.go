package catalog

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCourseID indicates a course identifier is empty or exceeds
	// storage bounds.
	ErrInvalidCourseID = errors.New("catalog: invalid course id")
	// ErrCourseNotFound indicates the catalog mirror holds no such course.
	ErrCourseNotFound = errors.New("catalog: course not found")
	// ErrCourseInactive indicates the course exists but is not open for
	// enrollment or completion.
	ErrCourseInactive = errors.New("catalog: course inactive")
)

// CourseID represents a validated course identifier.
type CourseID string

// NewCourseID validates raw input and returns a CourseID.
func NewCourseID(rawInput string) (CourseID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCourseID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCourseID, maxIdentifierLength)
	}
	return CourseID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CourseID) String() string {
	return string(id)
}

// Course mirrors on-ledger course metadata for fast lookups. The ledger stays
// authoritative; this row is refreshed whenever the catalog is synced.
type Course struct {
	CourseID         string `gorm:"column:course_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:190;not null"`
	LessonCount      int    `gorm:"column:lesson_count;not null"`
	XPPerLesson      int64  `gorm:"column:xp_per_lesson;not null"`
	Difficulty       int    `gorm:"column:difficulty;not null;default:1"`
	TrackID          int    `gorm:"column:track_id;not null;default:0"`
	Prerequisite     string `gorm:"column:prerequisite;size:190;not null;default:''"`
	IsActive         bool   `gorm:"column:is_active;not null;default:true"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Course) TableName() string {
	return "courses"
}
