package ledger

import (
	"context"
	"errors"
)

// ErrAccountNotFound indicates the ledger holds no account at the requested
// address. Callers treat it as "state does not exist yet", not a failure.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Wallet is a learner's public identity on the ledger.
type Wallet string

// String returns the raw wallet identifier.
func (w Wallet) String() string {
	return string(w)
}

// Signature identifies a confirmed ledger transaction.
type Signature string

// Action names the relay-visible ledger instruction kinds.
type Action string

const (
	ActionEnroll         Action = "enroll"
	ActionCompleteLesson Action = "complete_lesson"
	ActionFinalize       Action = "finalize"
)

// Instruction is a signed program call ready for submission. The relay builds
// instructions; the client only transports them.
type Instruction struct {
	Action      Action
	Course      string
	Learner     Wallet
	LessonIndex int
	XPAmount    int64
	Accounts    []Address
}

// Client is the ledger collaborator: it submits signed instructions and
// fetches raw account bytes by derived address. Implementations must return
// classifiable errors (see Classify) so the relay can distinguish idempotent
// rejections from transient transport failures.
type Client interface {
	SubmitInstruction(ctx context.Context, instruction Instruction) (Signature, error)
	FetchAccount(ctx context.Context, address Address) ([]byte, error)
}
