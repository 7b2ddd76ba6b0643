package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/superteam-academy/backend/internal/ledger"
	"gorm.io/gorm"
)

// noLessonIndex marks receipts for actions that do not target a lesson.
const noLessonIndex = -1

// TxReceipt is the mirror store's idempotency record: one row per successful
// mutating ledger action. The relay consults it before re-submitting and
// never writes one for a failed attempt.
type TxReceipt struct {
	ReceiptID          string `gorm:"column:receipt_id;primaryKey;size:190;not null"`
	Signature          string `gorm:"column:signature;size:190;not null"`
	Action             string `gorm:"column:action;size:32;not null;index:idx_receipts_target,priority:3"`
	Learner            string `gorm:"column:learner;size:190;not null;index:idx_receipts_target,priority:1"`
	CourseID           string `gorm:"column:course_id;size:190;not null;index:idx_receipts_target,priority:2"`
	LessonIndex        int    `gorm:"column:lesson_index;not null;default:-1;index:idx_receipts_target,priority:4"`
	SubmittedAtSeconds int64  `gorm:"column:submitted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TxReceipt) TableName() string {
	return "tx_receipts"
}

// IDProvider issues receipt identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

var errMissingReceiptDatabase = errors.New("relay: receipt store requires a database handle")

// ReceiptStore persists TxReceipts in the mirror store.
type ReceiptStore struct {
	db  *gorm.DB
	ids IDProvider
}

// NewReceiptStore constructs the store.
func NewReceiptStore(db *gorm.DB, ids IDProvider) (*ReceiptStore, error) {
	if db == nil {
		return nil, errMissingReceiptDatabase
	}
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &ReceiptStore{db: db, ids: ids}, nil
}

// Record writes a receipt for a verified ledger effect.
func (s *ReceiptStore) Record(ctx context.Context, signature ledger.Signature, action ledger.Action, learner ledger.Wallet, courseID string, lessonIndex int, submittedAt time.Time) (TxReceipt, error) {
	receiptID, err := s.ids.NewID()
	if err != nil {
		return TxReceipt{}, err
	}
	receipt := TxReceipt{
		ReceiptID:          receiptID,
		Signature:          string(signature),
		Action:             string(action),
		Learner:            learner.String(),
		CourseID:           courseID,
		LessonIndex:        lessonIndex,
		SubmittedAtSeconds: submittedAt.Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&receipt).Error; err != nil {
		return TxReceipt{}, err
	}
	return receipt, nil
}

// Find returns the receipt for a prior successful action, if any.
func (s *ReceiptStore) Find(ctx context.Context, action ledger.Action, learner ledger.Wallet, courseID string, lessonIndex int) (TxReceipt, bool, error) {
	var receipt TxReceipt
	err := s.db.WithContext(ctx).
		Where("action = ? AND learner = ? AND course_id = ? AND lesson_index = ?",
			string(action), learner.String(), courseID, lessonIndex).
		Order("submitted_at_s desc").
		First(&receipt).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TxReceipt{}, false, nil
	}
	if err != nil {
		return TxReceipt{}, false, err
	}
	return receipt, true, nil
}
