package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/superteam-academy/backend/internal/ledger"
)

// fakeLedger simulates the on-chain program: it applies instruction
// semantics, rejects duplicates the way the real program does, and serves
// scripted failures so tests can drive each classification deterministically.
type fakeLedger struct {
	mu          sync.Mutex
	programID   string
	enrollments map[ledger.Address]ledger.Enrollment
	profiles    map[ledger.Wallet]ledger.LearnerProfile
	lessonCount map[string]int
	failures    map[ledger.Action][]error
	submissions []ledger.Instruction
	now         func() time.Time
}

func newFakeLedger(programID string, now func() time.Time) *fakeLedger {
	return &fakeLedger{
		programID:   programID,
		enrollments: make(map[ledger.Address]ledger.Enrollment),
		profiles:    make(map[ledger.Wallet]ledger.LearnerProfile),
		lessonCount: make(map[string]int),
		failures:    make(map[ledger.Action][]error),
		now:         now,
	}
}

func (f *fakeLedger) registerCourse(courseID string, lessons int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lessonCount[courseID] = lessons
}

// failNext queues an error returned by the next submission of the action.
func (f *fakeLedger) failNext(action ledger.Action, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[action] = append(f.failures[action], err)
}

func (f *fakeLedger) submissionCount(action ledger.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, instruction := range f.submissions {
		if instruction.Action == action {
			count++
		}
	}
	return count
}

func (f *fakeLedger) enrollment(courseID string, learner ledger.Wallet) (ledger.Enrollment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	enrollment, ok := f.enrollments[ledger.EnrollmentAddress(f.programID, courseID, learner)]
	return enrollment, ok
}

func (f *fakeLedger) SubmitInstruction(_ context.Context, instruction ledger.Instruction) (ledger.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submissions = append(f.submissions, instruction)

	if queue := f.failures[instruction.Action]; len(queue) > 0 {
		err := queue[0]
		f.failures[instruction.Action] = queue[1:]
		return "", err
	}

	address := ledger.EnrollmentAddress(f.programID, instruction.Course, instruction.Learner)
	switch instruction.Action {
	case ledger.ActionEnroll:
		if _, exists := f.enrollments[address]; exists {
			return "", errors.New("allocate: account already in use")
		}
		f.enrollments[address] = ledger.Enrollment{
			CourseID:   instruction.Course,
			Learner:    instruction.Learner,
			EnrolledAt: f.now(),
		}

	case ledger.ActionCompleteLesson:
		enrollment, exists := f.enrollments[address]
		if !exists {
			return "", &ledger.ProgramError{Code: ledger.CodeInvalidCourseID, Message: "enrollment missing"}
		}
		if enrollment.LessonFlags.IsComplete(instruction.LessonIndex) {
			return "", &ledger.ProgramError{Code: ledger.CodeLessonAlreadyCompleted, Message: "lesson already completed"}
		}
		enrollment.LessonFlags = enrollment.LessonFlags.WithLesson(instruction.LessonIndex)
		f.enrollments[address] = enrollment

		profile := f.profiles[instruction.Learner]
		profile.Authority = instruction.Learner
		profile.XPTotal += instruction.XPAmount
		profile.StreakCurrent++
		profile.LastActivityTs = f.now()
		f.profiles[instruction.Learner] = profile

	case ledger.ActionFinalize:
		enrollment, exists := f.enrollments[address]
		if !exists {
			return "", &ledger.ProgramError{Code: ledger.CodeInvalidCourseID, Message: "enrollment missing"}
		}
		if enrollment.Completed() {
			return "", &ledger.ProgramError{Code: ledger.CodeEnrollmentAlreadyCompleted, Message: "enrollment already completed"}
		}
		if enrollment.LessonFlags.CountCompleted() < f.lessonCount[instruction.Course] {
			return "", &ledger.ProgramError{Code: ledger.CodeCourseNotComplete, Message: "course lessons are not fully complete"}
		}
		completedAt := f.now()
		enrollment.CompletedAt = &completedAt
		f.enrollments[address] = enrollment

	default:
		return "", fmt.Errorf("fake ledger: unknown action %q", instruction.Action)
	}

	return ledger.Signature(fmt.Sprintf("sig-%d", len(f.submissions))), nil
}

func (f *fakeLedger) FetchAccount(_ context.Context, address ledger.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if enrollment, ok := f.enrollments[address]; ok {
		return ledger.EncodeEnrollment(enrollment), nil
	}
	for wallet, profile := range f.profiles {
		if ledger.LearnerAddress(f.programID, wallet) == address {
			return ledger.EncodeLearnerProfile(profile), nil
		}
	}
	return nil, ledger.ErrAccountNotFound
}
