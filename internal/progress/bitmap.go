package progress

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	// WordWidth is the number of lesson slots carried by one flag word.
	WordWidth = 64
	// FlagWords is the fixed number of flag words in an enrollment account.
	FlagWords = 4
	// MaxLessons is the bitmap capacity enforced at course-creation time.
	MaxLessons = FlagWords * WordWidth
)

// ErrLessonCountTooLarge indicates a course declares more lessons than the
// enrollment bitmap can represent.
var ErrLessonCountTooLarge = errors.New("progress: lesson count exceeds bitmap capacity")

// LessonFlags is the per-enrollment completion bitmap. Bit i set means lesson
// i is complete. Bits are monotonic: the ledger sets them and never clears.
type LessonFlags [FlagWords]uint64

// IsComplete reports whether the lesson at the given zero-based index is
// complete. Indices past the bitmap capacity are false, never an error, so
// callers tolerate lesson-count growth.
func (f LessonFlags) IsComplete(index int) bool {
	if index < 0 || index >= MaxLessons {
		return false
	}
	return f[index/WordWidth]&(1<<(index%WordWidth)) != 0
}

// CountCompleted returns the number of completed lessons across all words.
func (f LessonFlags) CountCompleted() int {
	total := 0
	for _, word := range f {
		total += bits.OnesCount64(word)
	}
	return total
}

// ListCompleted returns the ascending indices below totalLessons whose bit is
// set.
func (f LessonFlags) ListCompleted(totalLessons int) []int {
	if totalLessons > MaxLessons {
		totalLessons = MaxLessons
	}
	completed := make([]int, 0, f.CountCompleted())
	for index := 0; index < totalLessons; index++ {
		if f.IsComplete(index) {
			completed = append(completed, index)
		}
	}
	return completed
}

// WithLesson returns a copy of the flags with the given lesson bit set.
// Out-of-range indices return the flags unchanged.
func (f LessonFlags) WithLesson(index int) LessonFlags {
	if index < 0 || index >= MaxLessons {
		return f
	}
	f[index/WordWidth] |= 1 << (index % WordWidth)
	return f
}

// ValidateLessonCount rejects course definitions that exceed the bitmap
// capacity. Truncating silently would lose completion state, so the limit is
// enforced when the course enters the catalog.
func ValidateLessonCount(lessonCount int) error {
	if lessonCount < 1 {
		return fmt.Errorf("progress: lesson count must be positive, got %d", lessonCount)
	}
	if lessonCount > MaxLessons {
		return fmt.Errorf("%w: %d > %d", ErrLessonCountTooLarge, lessonCount, MaxLessons)
	}
	return nil
}
