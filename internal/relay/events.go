package relay

import "time"

// Progress event types mirror the events the on-chain program emits.
const (
	EventEnrolled        = "enrolled"
	EventLessonCompleted = "lesson-completed"
	EventCourseFinalized = "course-finalized"
)

// ProgressEvent notifies subscribers of a ledger-verified progress change.
type ProgressEvent struct {
	Wallet      string
	EventType   string
	CourseID    string
	LessonIndex int
	XPAwarded   int64
	Timestamp   time.Time
}

// EventPublisher fans progress events out to connected clients. Publishing is
// best-effort and must never block the relay.
type EventPublisher interface {
	Publish(event ProgressEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(ProgressEvent) {}
