package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/superteam-academy/backend/internal/catalog"
	"github.com/superteam-academy/backend/internal/ledger"
	"gorm.io/gorm"
)

const testProgramID = "AcadMyPr0gram1111111111111111111111111111111"

type relayFixture struct {
	service  *Service
	fake     *fakeLedger
	receipts *ReceiptStore
	events   *capturingPublisher
	db       *gorm.DB
}

type capturingPublisher struct {
	events []ProgressEvent
}

func (p *capturingPublisher) Publish(event ProgressEvent) {
	p.events = append(p.events, event)
}

func newRelayFixture(t *testing.T, courses ...catalog.Course) *relayFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:relay_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&TxReceipt{}, &catalog.Course{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }

	catalogService, err := catalog.NewService(catalog.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}

	fake := newFakeLedger(testProgramID, clock)
	for _, course := range courses {
		if err := catalogService.UpsertCourse(context.Background(), course); err != nil {
			t.Fatalf("failed to seed course: %v", err)
		}
		fake.registerCourse(course.CourseID, course.LessonCount)
	}

	receipts, err := NewReceiptStore(db, nil)
	if err != nil {
		t.Fatalf("failed to construct receipt store: %v", err)
	}

	events := &capturingPublisher{}
	retry := ledger.NewRetryPolicy(ledger.RetryPolicyConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})

	service, err := NewService(ServiceConfig{
		Ledger:    fake,
		Retry:     retry,
		Catalog:   catalogService,
		Receipts:  receipts,
		ProgramID: testProgramID,
		Clock:     clock,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}

	return &relayFixture{service: service, fake: fake, receipts: receipts, events: events, db: db}
}

func threeLessonCourse() catalog.Course {
	return catalog.Course{
		CourseID:    "solana-fundamentals",
		Title:       "Solana Fundamentals",
		LessonCount: 3,
		XPPerLesson: 100,
		IsActive:    true,
	}
}

func mustCourseID(t *testing.T, value string) catalog.CourseID {
	t.Helper()
	id, err := catalog.NewCourseID(value)
	if err != nil {
		t.Fatalf("unexpected course id error: %v", err)
	}
	return id
}

func (f *relayFixture) receiptCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&TxReceipt{}).Count(&count).Error; err != nil {
		t.Fatalf("counting receipts: %v", err)
	}
	return count
}

func TestEnrollCreatesEnrollmentAndReceipt(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	result, err := fixture.service.Enroll(ctx, learner, courseID)
	if err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	if result.AlreadyEnrolled {
		t.Fatalf("expected fresh enrollment")
	}
	if result.Receipt == nil || result.Receipt.Action != string(ledger.ActionEnroll) {
		t.Fatalf("expected enroll receipt, got %+v", result.Receipt)
	}
	if result.Enrollment.Learner != learner {
		t.Fatalf("unexpected enrollment state: %+v", result.Enrollment)
	}
	if len(fixture.events.events) != 1 || fixture.events.events[0].EventType != EventEnrolled {
		t.Fatalf("expected enrolled event, got %+v", fixture.events.events)
	}
}

func TestEnrollTwiceIsIdempotent(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected first enroll error: %v", err)
	}
	second, err := fixture.service.Enroll(ctx, learner, courseID)
	if err != nil {
		t.Fatalf("unexpected second enroll error: %v", err)
	}
	if !second.AlreadyEnrolled {
		t.Fatalf("expected second enroll to report already enrolled")
	}
	if got := fixture.fake.submissionCount(ledger.ActionEnroll); got != 1 {
		t.Fatalf("expected 1 ledger submission, got %d", got)
	}
	if got := fixture.receiptCount(t); got != 1 {
		t.Fatalf("expected 1 receipt, got %d", got)
	}
}

func TestEnrollInactiveCourseFails(t *testing.T) {
	course := threeLessonCourse()
	course.IsActive = false
	fixture := newRelayFixture(t, course)

	_, err := fixture.service.Enroll(context.Background(), ledger.Wallet("wallet-a"), mustCourseID(t, course.CourseID))
	if !errors.Is(err, catalog.ErrCourseInactive) {
		t.Fatalf("expected ErrCourseInactive, got %v", err)
	}
}

func TestCompleteLessonAwardsXP(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}

	result, err := fixture.service.CompleteLesson(ctx, learner, courseID, 0, 0)
	if err != nil {
		t.Fatalf("unexpected completion error: %v", err)
	}
	if result.AlreadyCompleted {
		t.Fatalf("expected fresh completion")
	}
	if result.XPAwarded != 100 {
		t.Fatalf("expected catalog xp award of 100, got %d", result.XPAwarded)
	}
	if result.TotalXP != 100 || result.Level != 1 {
		t.Fatalf("expected total xp 100 at level 1, got xp=%d level=%d", result.TotalXP, result.Level)
	}
	if result.Streak != 1 {
		t.Fatalf("expected streak 1, got %d", result.Streak)
	}
	if !result.Enrollment.LessonFlags.IsComplete(0) {
		t.Fatalf("expected lesson 0 bit set")
	}
	if result.Finalized {
		t.Fatalf("course must not finalize after one of three lessons")
	}
}

func TestCompleteLessonTwiceHasOneLedgerEffect(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	if _, err := fixture.service.CompleteLesson(ctx, learner, courseID, 1, 0); err != nil {
		t.Fatalf("unexpected first completion error: %v", err)
	}

	second, err := fixture.service.CompleteLesson(ctx, learner, courseID, 1, 0)
	if err != nil {
		t.Fatalf("unexpected second completion error: %v", err)
	}
	if !second.AlreadyCompleted {
		t.Fatalf("expected alreadyCompleted on duplicate call")
	}
	if second.XPAwarded != 0 {
		t.Fatalf("duplicate completion must award no xp, got %d", second.XPAwarded)
	}
	if got := fixture.fake.submissionCount(ledger.ActionCompleteLesson); got != 1 {
		t.Fatalf("expected exactly 1 ledger submission, got %d", got)
	}
	if second.TotalXP != 100 {
		t.Fatalf("expected existing total xp to be reported, got %d", second.TotalXP)
	}
}

func TestCompleteLessonOutOfRange(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	if _, err := fixture.service.CompleteLesson(ctx, learner, courseID, 3, 0); !errors.Is(err, ErrLessonOutOfRange) {
		t.Fatalf("expected ErrLessonOutOfRange, got %v", err)
	}
	if got := fixture.fake.submissionCount(ledger.ActionCompleteLesson); got != 0 {
		t.Fatalf("out-of-range index must not reach the ledger, got %d submissions", got)
	}
}

func TestCompleteLessonWithoutEnrollment(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())

	_, err := fixture.service.CompleteLesson(context.Background(), ledger.Wallet("wallet-a"), mustCourseID(t, "solana-fundamentals"), 0, 0)
	if !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled, got %v", err)
	}
}

func TestCompleteLessonFatalLeavesNoTrace(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}

	fatal := &ledger.ProgramError{Code: ledger.CodeUnauthorized, Message: "unauthorized backend signer"}
	fixture.fake.failNext(ledger.ActionCompleteLesson, fatal)

	_, err := fixture.service.CompleteLesson(ctx, learner, courseID, 0, 0)
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error surfaced unchanged, got %v", err)
	}

	enrollment, ok := fixture.fake.enrollment("solana-fundamentals", learner)
	if !ok {
		t.Fatalf("expected enrollment to exist")
	}
	if enrollment.LessonFlags.CountCompleted() != 0 {
		t.Fatalf("fatal completion must leave flags unchanged")
	}
	if got := fixture.receiptCount(t); got != 1 {
		t.Fatalf("expected only the enroll receipt, got %d", got)
	}
}

func TestCompleteLessonRetriesTransient(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}

	fixture.fake.failNext(ledger.ActionCompleteLesson, errors.New("rpc transport: context deadline exceeded"))

	result, err := fixture.service.CompleteLesson(ctx, learner, courseID, 0, 0)
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if result.AlreadyCompleted || result.XPAwarded != 100 {
		t.Fatalf("unexpected result after retry: %+v", result)
	}
	if got := fixture.fake.submissionCount(ledger.ActionCompleteLesson); got != 2 {
		t.Fatalf("expected 2 submissions (1 transient + 1 success), got %d", got)
	}
}

func TestFullCourseAutoFinalizes(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	for _, lesson := range []int{0, 1} {
		if _, err := fixture.service.CompleteLesson(ctx, learner, courseID, lesson, 0); err != nil {
			t.Fatalf("unexpected completion error for lesson %d: %v", lesson, err)
		}
	}
	enrollment, _ := fixture.fake.enrollment("solana-fundamentals", learner)
	if got := enrollment.LessonFlags.CountCompleted(); got != 2 {
		t.Fatalf("expected 2 completed lessons before the last, got %d", got)
	}

	final, err := fixture.service.CompleteLesson(ctx, learner, courseID, 2, 0)
	if err != nil {
		t.Fatalf("unexpected final completion error: %v", err)
	}
	if !final.Finalized {
		t.Fatalf("expected auto-finalize after last lesson")
	}
	if final.Enrollment.CompletedAt == nil {
		t.Fatalf("expected completedAt to be set")
	}
	if got := fixture.fake.submissionCount(ledger.ActionFinalize); got != 1 {
		t.Fatalf("expected 1 finalize submission, got %d", got)
	}

	var lastEvent ProgressEvent
	if len(fixture.events.events) > 0 {
		lastEvent = fixture.events.events[len(fixture.events.events)-1]
	}
	if lastEvent.EventType != EventCourseFinalized {
		t.Fatalf("expected course-finalized event, got %+v", lastEvent)
	}
}

func TestAutoFinalizeFatalIsSwallowed(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	for _, lesson := range []int{0, 1} {
		if _, err := fixture.service.CompleteLesson(ctx, learner, courseID, lesson, 0); err != nil {
			t.Fatalf("unexpected completion error: %v", err)
		}
	}

	fixture.fake.failNext(ledger.ActionFinalize, &ledger.ProgramError{Code: ledger.CodeSeasonClosed, Message: "season is already closed"})

	result, err := fixture.service.CompleteLesson(ctx, learner, courseID, 2, 0)
	if err != nil {
		t.Fatalf("lesson completion must survive a fatal auto-finalize, got %v", err)
	}
	if result.AlreadyCompleted || result.XPAwarded != 100 {
		t.Fatalf("unexpected completion result: %+v", result)
	}
	if result.Finalized {
		t.Fatalf("finalized must be false when auto-finalize failed")
	}
}

func TestFinalizeBeforeAllLessonsFails(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	if _, err := fixture.service.CompleteLesson(ctx, learner, courseID, 0, 0); err != nil {
		t.Fatalf("unexpected completion error: %v", err)
	}

	_, err := fixture.service.FinalizeCourse(ctx, learner, courseID)
	if !errors.Is(err, ErrCourseNotComplete) {
		t.Fatalf("expected ErrCourseNotComplete, got %v", err)
	}
	if got := fixture.fake.submissionCount(ledger.ActionFinalize); got != 0 {
		t.Fatalf("premature finalize must not reach the ledger, got %d submissions", got)
	}
}

func TestFinalizeTwiceIsIdempotent(t *testing.T) {
	fixture := newRelayFixture(t, threeLessonCourse())
	ctx := context.Background()
	learner := ledger.Wallet("wallet-a")
	courseID := mustCourseID(t, "solana-fundamentals")

	if _, err := fixture.service.Enroll(ctx, learner, courseID); err != nil {
		t.Fatalf("unexpected enroll error: %v", err)
	}
	for lesson := 0; lesson < 3; lesson++ {
		if _, err := fixture.service.CompleteLesson(ctx, learner, courseID, lesson, 0); err != nil {
			t.Fatalf("unexpected completion error: %v", err)
		}
	}

	result, err := fixture.service.FinalizeCourse(ctx, learner, courseID)
	if err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}
	if !result.AlreadyFinalized {
		t.Fatalf("expected finalize after auto-finalize to report already finalized")
	}
	if got := fixture.fake.submissionCount(ledger.ActionFinalize); got != 1 {
		t.Fatalf("expected a single finalize submission, got %d", got)
	}
}
