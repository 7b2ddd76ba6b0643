package leaderboard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/superteam-academy/backend/internal/progress"
	"go.uber.org/zap"
)

const (
	defaultTTL   = 5 * time.Minute
	defaultLimit = 50
)

var (
	errMissingSource   = errors.New("leaderboard: standings source is required")
	errMissingMetadata = errors.New("leaderboard: metadata store is required")
)

// Standing is one raw ranked-data row from the ledger or an indexing service
// fronting it.
type Standing struct {
	Wallet         string
	XPBalance      int64
	Streak         int
	LastActivityTs time.Time
}

// Source serves raw standings. Implementations read the ledger directly or an
// index acting as a faster read replica of it.
type Source interface {
	FetchStandings(ctx context.Context, limit int) ([]Standing, error)
}

// Entry is a fully reconciled leaderboard row: ledger-ranked data merged with
// off-ledger display metadata. Cache-only, never authoritative.
type Entry struct {
	Rank           int    `json:"rank"`
	Wallet         string `json:"wallet"`
	DisplayName    string `json:"display_name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	XPBalance      int64  `json:"xp_balance"`
	Level          int    `json:"level"`
	Streak         int    `json:"streak"`
	LastActivityTs int64  `json:"last_activity_s,omitempty"`
}

// ServiceConfig describes the reconciler's collaborators.
type ServiceConfig struct {
	Source   Source
	Metadata *MetadataStore
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service builds ranked leaderboard snapshots and memoizes them under a TTL.
// A refresh failure degrades to the last good snapshot, or an empty result
// when none exists: the leaderboard being unavailable must never break page
// rendering.
type Service struct {
	source   Source
	metadata *MetadataStore
	ttl      time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot []Entry
	fetched  time.Time
	hasCache bool
	capacity int
}

// NewService constructs the reconciler.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Metadata == nil {
		return nil, errMissingMetadata
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:   cfg.Source,
		metadata: cfg.Metadata,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
	}, nil
}

// GetLeaderboard returns up to limit reconciled entries. A call within the
// TTL window serves the memoized snapshot without touching the ledger.
func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasCache && limit <= s.capacity && s.clock().Sub(s.fetched) < s.ttl {
		return s.slice(limit), nil
	}

	entries, err := s.rebuild(ctx, limit)
	if err != nil {
		if s.hasCache {
			s.logger.Warn("leaderboard refresh failed, serving last good snapshot", zap.Error(err))
			return s.slice(limit), nil
		}
		s.logger.Warn("leaderboard refresh failed with no prior snapshot", zap.Error(err))
		return []Entry{}, nil
	}

	// Whole-snapshot replacement: concurrent refreshers may compute stale
	// but consistent snapshots, never a partial one.
	s.snapshot = entries
	s.fetched = s.clock()
	s.hasCache = true
	s.capacity = limit
	return s.slice(limit), nil
}

// RankForWallet finds the wallet's dense rank in an already-ranked list.
// Zero means unranked, never an error.
func RankForWallet(entries []Entry, wallet string) int {
	for _, entry := range entries {
		if entry.Wallet == wallet {
			return entry.Rank
		}
	}
	return 0
}

func (s *Service) rebuild(ctx context.Context, limit int) ([]Entry, error) {
	standings, err := s.source.FetchStandings(ctx, limit)
	if err != nil {
		return nil, err
	}

	sort.Slice(standings, func(i, j int) bool {
		if standings[i].XPBalance != standings[j].XPBalance {
			return standings[i].XPBalance > standings[j].XPBalance
		}
		return standings[i].Wallet < standings[j].Wallet
	})
	if len(standings) > limit {
		standings = standings[:limit]
	}

	wallets := make([]string, 0, len(standings))
	for _, standing := range standings {
		wallets = append(wallets, standing.Wallet)
	}
	profiles, err := s.metadata.GetByWallets(ctx, wallets)
	if err != nil {
		// Ranking never blocks on display metadata.
		s.logger.Warn("display metadata lookup failed", zap.Error(err))
		profiles = map[string]DisplayProfile{}
	}

	entries := make([]Entry, 0, len(standings))
	for position, standing := range standings {
		entry := Entry{
			Rank:        position + 1,
			Wallet:      standing.Wallet,
			DisplayName: compactWallet(standing.Wallet),
			XPBalance:   standing.XPBalance,
			Level:       progress.LevelFor(standing.XPBalance),
			Streak:      standing.Streak,
		}
		if !standing.LastActivityTs.IsZero() {
			entry.LastActivityTs = standing.LastActivityTs.Unix()
		}
		if profile, ok := profiles[standing.Wallet]; ok {
			if profile.DisplayName != "" {
				entry.DisplayName = profile.DisplayName
			}
			entry.AvatarURL = profile.AvatarURL
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Service) slice(limit int) []Entry {
	if limit > len(s.snapshot) {
		limit = len(s.snapshot)
	}
	out := make([]Entry, limit)
	copy(out, s.snapshot[:limit])
	return out
}

// compactWallet derives the fallback display name for wallets without
// metadata, e.g. "9xQe...VFin".
func compactWallet(wallet string) string {
	if len(wallet) <= 10 {
		return wallet
	}
	return wallet[:4] + "..." + wallet[len(wallet)-4:]
}
