package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/superteam-academy/backend/internal/catalog"
	"github.com/superteam-academy/backend/internal/ledger"
	"github.com/superteam-academy/backend/internal/progress"
	"go.uber.org/zap"
)

var (
	errMissingLedger   = errors.New("relay: ledger client is required")
	errMissingCatalog  = errors.New("relay: catalog service is required")
	errMissingReceipts = errors.New("relay: receipt store is required")
	errMissingProgram  = errors.New("relay: program id is required")

	// ErrNotEnrolled indicates no enrollment account exists for the learner
	// and course.
	ErrNotEnrolled = errors.New("relay: learner not enrolled")
	// ErrLessonOutOfRange indicates the lesson index is outside the course's
	// declared lesson count.
	ErrLessonOutOfRange = errors.New("relay: lesson index out of range")
	// ErrCourseNotComplete indicates finalize was requested before every
	// lesson bit was set.
	ErrCourseNotComplete = errors.New("relay: course lessons not fully complete")
)

// ServiceConfig describes the collaborators of the progress relay.
type ServiceConfig struct {
	Ledger    ledger.Client
	Retry     *ledger.RetryPolicy
	Catalog   *catalog.Service
	Receipts  *ReceiptStore
	ProgramID string
	Clock     func() time.Time
	Logger    *zap.Logger
	Events    EventPublisher
}

// Service orchestrates enroll, complete-lesson and finalize against the
// ledger. The ledger stays the arbiter of state; the relay adds client-side
// idempotency (flag pre-checks, receipt lookups) and bounded retries on top.
type Service struct {
	ledger    ledger.Client
	retry     *ledger.RetryPolicy
	catalog   *catalog.Service
	receipts  *ReceiptStore
	programID string
	clock     func() time.Time
	logger    *zap.Logger
	events    EventPublisher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService constructs the relay.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Receipts == nil {
		return nil, errMissingReceipts
	}
	if cfg.ProgramID == "" {
		return nil, errMissingProgram
	}
	retry := cfg.Retry
	if retry == nil {
		retry = ledger.NewRetryPolicy(ledger.RetryPolicyConfig{Logger: cfg.Logger})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = nopPublisher{}
	}
	return &Service{
		ledger:    cfg.Ledger,
		retry:     retry,
		catalog:   cfg.Catalog,
		receipts:  cfg.Receipts,
		programID: cfg.ProgramID,
		clock:     clock,
		logger:    logger,
		events:    events,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// EnrollResult reports the outcome of an enroll call.
type EnrollResult struct {
	AlreadyEnrolled bool
	Enrollment      ledger.Enrollment
	Receipt         *TxReceipt
}

// CompleteLessonResult reports the outcome of a complete-lesson call.
type CompleteLessonResult struct {
	AlreadyCompleted bool
	XPAwarded        int64
	TotalXP          int64
	Level            int
	Streak           int
	Enrollment       ledger.Enrollment
	Finalized        bool
	Receipt          *TxReceipt
}

// FinalizeResult reports the outcome of a finalize call.
type FinalizeResult struct {
	AlreadyFinalized bool
	Enrollment       ledger.Enrollment
	Receipt          *TxReceipt
}

// Enroll creates the learner's enrollment account for a course. An idempotent
// rejection (already enrolled) returns the pre-existing enrollment.
func (s *Service) Enroll(ctx context.Context, learner ledger.Wallet, courseID catalog.CourseID) (EnrollResult, error) {
	course, err := s.catalog.GetActiveCourse(ctx, courseID)
	if err != nil {
		return EnrollResult{}, err
	}

	unlock := s.lock(learner, courseID)
	defer unlock()

	if receipt, found, err := s.receipts.Find(ctx, ledger.ActionEnroll, learner, course.CourseID, noLessonIndex); err != nil {
		return EnrollResult{}, err
	} else if found {
		enrollment, fetchErr := s.fetchEnrollment(ctx, course.CourseID, learner)
		if fetchErr != nil {
			s.logger.Warn("receipt exists but enrollment fetch failed",
				zap.String("course_id", course.CourseID), zap.Error(fetchErr))
		}
		return EnrollResult{AlreadyEnrolled: true, Enrollment: enrollment, Receipt: &receipt}, nil
	}

	instruction := ledger.Instruction{
		Action:  ledger.ActionEnroll,
		Course:  course.CourseID,
		Learner: learner,
		Accounts: []ledger.Address{
			ledger.CourseAddress(s.programID, course.CourseID),
			ledger.EnrollmentAddress(s.programID, course.CourseID, learner),
		},
	}

	var signature ledger.Signature
	result, err := s.retry.Run(ctx, func(ctx context.Context) error {
		var submitErr error
		signature, submitErr = s.ledger.SubmitInstruction(ctx, instruction)
		return submitErr
	})
	if err != nil {
		return EnrollResult{}, fmt.Errorf("relay: enroll: %w", err)
	}

	if result.AlreadyExists {
		enrollment, fetchErr := s.fetchEnrollment(ctx, course.CourseID, learner)
		if fetchErr != nil {
			return EnrollResult{}, fmt.Errorf("relay: enroll: fetching existing enrollment: %w", fetchErr)
		}
		return EnrollResult{AlreadyEnrolled: true, Enrollment: enrollment}, nil
	}

	receipt, err := s.receipts.Record(ctx, signature, ledger.ActionEnroll, learner, course.CourseID, noLessonIndex, s.clock())
	if err != nil {
		return EnrollResult{}, err
	}

	enrollment, err := s.fetchEnrollment(ctx, course.CourseID, learner)
	if err != nil {
		s.logger.Warn("enrollment fetch after enroll failed",
			zap.String("course_id", course.CourseID), zap.Error(err))
	}

	s.events.Publish(ProgressEvent{
		Wallet:      learner.String(),
		EventType:   EventEnrolled,
		CourseID:    course.CourseID,
		LessonIndex: noLessonIndex,
		Timestamp:   s.clock(),
	})
	return EnrollResult{Enrollment: enrollment, Receipt: &receipt}, nil
}

// CompleteLesson marks a lesson complete. The current flags are read first so
// a duplicate request short-circuits without any ledger write; the ledger's
// own idempotent rejection covers the remaining race. After a successful
// completion the relay auto-attempts finalize when every lesson is done; a
// fatal outcome there is swallowed, never masking the lesson success.
func (s *Service) CompleteLesson(ctx context.Context, learner ledger.Wallet, courseID catalog.CourseID, lessonIndex int, xpAward int64) (CompleteLessonResult, error) {
	course, err := s.catalog.GetActiveCourse(ctx, courseID)
	if err != nil {
		return CompleteLessonResult{}, err
	}
	if lessonIndex < 0 || lessonIndex >= course.LessonCount {
		return CompleteLessonResult{}, fmt.Errorf("%w: %d of %d", ErrLessonOutOfRange, lessonIndex, course.LessonCount)
	}
	if xpAward <= 0 {
		xpAward = course.XPPerLesson
	}

	unlock := s.lock(learner, courseID)
	defer unlock()

	if _, found, err := s.receipts.Find(ctx, ledger.ActionCompleteLesson, learner, course.CourseID, lessonIndex); err != nil {
		return CompleteLessonResult{}, err
	} else if found {
		return s.alreadyCompletedResult(ctx, learner, course.CourseID)
	}

	enrollment, err := s.fetchEnrollment(ctx, course.CourseID, learner)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return CompleteLessonResult{}, fmt.Errorf("%w: %s", ErrNotEnrolled, course.CourseID)
		}
		return CompleteLessonResult{}, err
	}
	if enrollment.LessonFlags.IsComplete(lessonIndex) {
		return s.alreadyCompletedResult(ctx, learner, course.CourseID)
	}

	instruction := ledger.Instruction{
		Action:      ledger.ActionCompleteLesson,
		Course:      course.CourseID,
		Learner:     learner,
		LessonIndex: lessonIndex,
		XPAmount:    xpAward,
		Accounts: []ledger.Address{
			ledger.CourseAddress(s.programID, course.CourseID),
			ledger.EnrollmentAddress(s.programID, course.CourseID, learner),
			ledger.LearnerAddress(s.programID, learner),
		},
	}

	var signature ledger.Signature
	result, err := s.retry.Run(ctx, func(ctx context.Context) error {
		var submitErr error
		signature, submitErr = s.ledger.SubmitInstruction(ctx, instruction)
		return submitErr
	})
	if err != nil {
		return CompleteLessonResult{}, fmt.Errorf("relay: complete lesson: %w", err)
	}
	if result.AlreadyExists {
		return s.alreadyCompletedResult(ctx, learner, course.CourseID)
	}

	receipt, err := s.receipts.Record(ctx, signature, ledger.ActionCompleteLesson, learner, course.CourseID, lessonIndex, s.clock())
	if err != nil {
		return CompleteLessonResult{}, err
	}

	outcome := CompleteLessonResult{XPAwarded: xpAward, Receipt: &receipt}
	outcome.Enrollment, err = s.fetchEnrollment(ctx, course.CourseID, learner)
	if err != nil {
		s.logger.Warn("enrollment refresh after completion failed",
			zap.String("course_id", course.CourseID), zap.Error(err))
		outcome.Enrollment.LessonFlags = enrollment.LessonFlags.WithLesson(lessonIndex)
	}
	if profile, profileErr := s.fetchProfile(ctx, learner); profileErr == nil {
		outcome.TotalXP = profile.XPTotal
		outcome.Level = progress.LevelFor(profile.XPTotal)
		outcome.Streak = profile.StreakCurrent
	} else {
		s.logger.Warn("learner profile refresh failed", zap.Error(profileErr))
	}

	s.events.Publish(ProgressEvent{
		Wallet:      learner.String(),
		EventType:   EventLessonCompleted,
		CourseID:    course.CourseID,
		LessonIndex: lessonIndex,
		XPAwarded:   xpAward,
		Timestamp:   s.clock(),
	})

	if outcome.Enrollment.LessonFlags.CountCompleted() >= course.LessonCount && !outcome.Enrollment.Completed() {
		finalize, finalizeErr := s.finalizeLocked(ctx, learner, course)
		if finalizeErr != nil {
			// Finalization is best-effort-eventual: a concurrent call may
			// have won the race, and the lesson completion already holds.
			s.logger.Warn("auto-finalize failed",
				zap.String("course_id", course.CourseID),
				zap.String("class", ledger.Classify(finalizeErr).String()),
				zap.Error(finalizeErr))
		} else {
			outcome.Finalized = true
			outcome.Enrollment = finalize.Enrollment
		}
	} else if outcome.Enrollment.Completed() {
		outcome.Finalized = true
	}

	return outcome, nil
}

// FinalizeCourse marks the course complete once every required lesson bit is
// set, unlocking credential issuance. An idempotent rejection (already
// finalized) is success.
func (s *Service) FinalizeCourse(ctx context.Context, learner ledger.Wallet, courseID catalog.CourseID) (FinalizeResult, error) {
	course, err := s.catalog.GetActiveCourse(ctx, courseID)
	if err != nil {
		return FinalizeResult{}, err
	}

	unlock := s.lock(learner, courseID)
	defer unlock()

	return s.finalizeLocked(ctx, learner, course)
}

func (s *Service) finalizeLocked(ctx context.Context, learner ledger.Wallet, course catalog.Course) (FinalizeResult, error) {
	if receipt, found, err := s.receipts.Find(ctx, ledger.ActionFinalize, learner, course.CourseID, noLessonIndex); err != nil {
		return FinalizeResult{}, err
	} else if found {
		enrollment, fetchErr := s.fetchEnrollment(ctx, course.CourseID, learner)
		if fetchErr != nil {
			s.logger.Warn("receipt exists but enrollment fetch failed",
				zap.String("course_id", course.CourseID), zap.Error(fetchErr))
		}
		return FinalizeResult{AlreadyFinalized: true, Enrollment: enrollment, Receipt: &receipt}, nil
	}

	enrollment, err := s.fetchEnrollment(ctx, course.CourseID, learner)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return FinalizeResult{}, fmt.Errorf("%w: %s", ErrNotEnrolled, course.CourseID)
		}
		return FinalizeResult{}, err
	}
	if enrollment.Completed() {
		return FinalizeResult{AlreadyFinalized: true, Enrollment: enrollment}, nil
	}
	if enrollment.LessonFlags.CountCompleted() < course.LessonCount {
		return FinalizeResult{}, fmt.Errorf("%w: %d of %d lessons",
			ErrCourseNotComplete, enrollment.LessonFlags.CountCompleted(), course.LessonCount)
	}

	instruction := ledger.Instruction{
		Action:  ledger.ActionFinalize,
		Course:  course.CourseID,
		Learner: learner,
		Accounts: []ledger.Address{
			ledger.CourseAddress(s.programID, course.CourseID),
			ledger.EnrollmentAddress(s.programID, course.CourseID, learner),
			ledger.LearnerAddress(s.programID, learner),
		},
	}

	var signature ledger.Signature
	result, err := s.retry.Run(ctx, func(ctx context.Context) error {
		var submitErr error
		signature, submitErr = s.ledger.SubmitInstruction(ctx, instruction)
		return submitErr
	})
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("relay: finalize: %w", err)
	}

	if result.AlreadyExists {
		refreshed, fetchErr := s.fetchEnrollment(ctx, course.CourseID, learner)
		if fetchErr != nil {
			refreshed = enrollment
		}
		return FinalizeResult{AlreadyFinalized: true, Enrollment: refreshed}, nil
	}

	receipt, err := s.receipts.Record(ctx, signature, ledger.ActionFinalize, learner, course.CourseID, noLessonIndex, s.clock())
	if err != nil {
		return FinalizeResult{}, err
	}

	refreshed, err := s.fetchEnrollment(ctx, course.CourseID, learner)
	if err != nil {
		s.logger.Warn("enrollment refresh after finalize failed",
			zap.String("course_id", course.CourseID), zap.Error(err))
		refreshed = enrollment
	}

	s.events.Publish(ProgressEvent{
		Wallet:      learner.String(),
		EventType:   EventCourseFinalized,
		CourseID:    course.CourseID,
		LessonIndex: noLessonIndex,
		Timestamp:   s.clock(),
	})
	return FinalizeResult{Enrollment: refreshed, Receipt: &receipt}, nil
}

// GetEnrollment returns the decoded on-ledger enrollment for display paths.
func (s *Service) GetEnrollment(ctx context.Context, learner ledger.Wallet, courseID catalog.CourseID) (ledger.Enrollment, error) {
	enrollment, err := s.fetchEnrollment(ctx, courseID.String(), learner)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.Enrollment{}, fmt.Errorf("%w: %s", ErrNotEnrolled, courseID)
	}
	return enrollment, err
}

func (s *Service) alreadyCompletedResult(ctx context.Context, learner ledger.Wallet, courseID string) (CompleteLessonResult, error) {
	outcome := CompleteLessonResult{AlreadyCompleted: true}
	enrollment, err := s.fetchEnrollment(ctx, courseID, learner)
	if err == nil {
		outcome.Enrollment = enrollment
		outcome.Finalized = enrollment.Completed()
	}
	if profile, err := s.fetchProfile(ctx, learner); err == nil {
		outcome.TotalXP = profile.XPTotal
		outcome.Level = progress.LevelFor(profile.XPTotal)
		outcome.Streak = profile.StreakCurrent
	}
	return outcome, nil
}

func (s *Service) fetchEnrollment(ctx context.Context, courseID string, learner ledger.Wallet) (ledger.Enrollment, error) {
	data, err := s.ledger.FetchAccount(ctx, ledger.EnrollmentAddress(s.programID, courseID, learner))
	if err != nil {
		return ledger.Enrollment{}, err
	}
	return ledger.DecodeEnrollment(data)
}

func (s *Service) fetchProfile(ctx context.Context, learner ledger.Wallet) (ledger.LearnerProfile, error) {
	data, err := s.ledger.FetchAccount(ctx, ledger.LearnerAddress(s.programID, learner))
	if err != nil {
		return ledger.LearnerProfile{}, err
	}
	return ledger.DecodeLearnerProfile(data)
}

// lock serializes relay calls for one (learner, course) pair. The ledger's
// idempotent rejection already guarantees at-most-one effect; the lock only
// avoids wasted duplicate submissions racing for the same slot.
func (s *Service) lock(learner ledger.Wallet, courseID catalog.CourseID) func() {
	key := learner.String() + "|" + courseID.String()
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
