package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Class bins ledger-call failures into the three outcomes the relay acts on.
type Class int

const (
	// ClassFatal is a business-rule rejection unrelated to duplication.
	// Never retried, surfaced to the caller. Unknown errors land here:
	// retrying an unknown error risks an infinite loop, and swallowing it
	// risks hiding a real failure.
	ClassFatal Class = iota
	// ClassTransient is a transport-layer failure with no indication the
	// ledger state changed. Eligible for retry.
	ClassTransient
	// ClassIdempotent means the ledger rejected the call because the
	// requested effect already exists. Functionally equivalent to success.
	ClassIdempotent
)

// String names the class for logs.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassIdempotent:
		return "idempotent"
	default:
		return "fatal"
	}
}

// Numeric program error codes, Anchor-style (custom errors start at 6000).
// The table is closed: codes the relay does not know are fatal.
const (
	CodeMathOverflow               = 6000
	CodeSeasonClosed               = 6001
	CodeInvalidCourseID            = 6002
	CodeCourseInactive             = 6003
	CodeEnrollmentAlreadyCompleted = 6004
	CodeCourseNotComplete          = 6005
	CodeLessonOutOfBounds          = 6006
	CodeLessonAlreadyCompleted     = 6007
	CodePrerequisiteNotMet         = 6008
	CodeUnauthorized               = 6009
)

// ProgramError is a structured rejection emitted by the on-chain program.
type ProgramError struct {
	Code    uint32
	Message string
}

// Error implements the error interface.
func (e *ProgramError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger: program error %d", e.Code)
	}
	return fmt.Sprintf("ledger: program error %d: %s", e.Code, e.Message)
}

var programErrorClasses = map[uint32]Class{
	CodeMathOverflow:               ClassFatal,
	CodeSeasonClosed:               ClassFatal,
	CodeInvalidCourseID:            ClassFatal,
	CodeCourseInactive:             ClassFatal,
	CodeEnrollmentAlreadyCompleted: ClassIdempotent,
	CodeCourseNotComplete:          ClassFatal,
	CodeLessonOutOfBounds:          ClassFatal,
	CodeLessonAlreadyCompleted:     ClassIdempotent,
	CodePrerequisiteNotMet:         ClassFatal,
	CodeUnauthorized:               ClassFatal,
}

// Substring fallbacks for opaque transport errors where no structured code is
// available. Matching is case-insensitive.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"too many requests",
	"429",
	"blockhash not found",
	"node is behind",
	"rate limit",
	"service unavailable",
}

var idempotentPatterns = []string{
	"already in use",
	"already enrolled",
	"already completed",
	"already finalized",
	"already processed",
}

// Classify maps a raw ledger-call failure to its class. A nil error is not a
// valid input; callers classify failures only.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var programErr *ProgramError
	if errors.As(err, &programErr) {
		if class, known := programErrorClasses[programErr.Code]; known {
			return class
		}
		return ClassFatal
	}

	message := strings.ToLower(err.Error())
	for _, pattern := range idempotentPatterns {
		if strings.Contains(message, pattern) {
			return ClassIdempotent
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(message, pattern) {
			return ClassTransient
		}
	}
	return ClassFatal
}
