package leaderboard

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DisplayProfile holds off-ledger display metadata for a wallet. The ledger
// has no knowledge of these rows; the mirror store owns them.
type DisplayProfile struct {
	Wallet           string `gorm:"column:wallet;primaryKey;size:190;not null"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	AvatarURL        string `gorm:"column:avatar_url;size:512"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing display profiles.
func (DisplayProfile) TableName() string {
	return "display_profiles"
}

var errMissingMetadataDatabase = errors.New("leaderboard: metadata store requires a database handle")

// MetadataStore persists display metadata keyed by wallet.
type MetadataStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewMetadataStore constructs the store.
func NewMetadataStore(db *gorm.DB, clock func() time.Time) (*MetadataStore, error) {
	if db == nil {
		return nil, errMissingMetadataDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &MetadataStore{db: db, clock: clock}, nil
}

// Upsert writes or refreshes a wallet's display metadata. Last writer wins.
func (s *MetadataStore) Upsert(ctx context.Context, wallet, displayName, avatarURL string) error {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return errors.New("leaderboard: wallet is required")
	}
	profile := DisplayProfile{
		Wallet:           wallet,
		DisplayName:      strings.TrimSpace(displayName),
		AvatarURL:        strings.TrimSpace(avatarURL),
		UpdatedAtSeconds: s.clock().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "wallet"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "updated_at_s"}),
		}).
		Create(&profile).
		Error
}

// GetByWallets returns the profiles present for the given wallets, keyed by
// wallet. Missing wallets are simply absent.
func (s *MetadataStore) GetByWallets(ctx context.Context, wallets []string) (map[string]DisplayProfile, error) {
	profiles := make(map[string]DisplayProfile, len(wallets))
	if len(wallets) == 0 {
		return profiles, nil
	}
	var rows []DisplayProfile
	if err := s.db.WithContext(ctx).Where("wallet IN ?", wallets).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		profiles[row.Wallet] = row
	}
	return profiles, nil
}
