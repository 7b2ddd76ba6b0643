package leaderboard

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/superteam-academy/backend/internal/ledger"
	"go.uber.org/zap"
)

const defaultSourceTimeout = 15 * time.Second

var errMissingIndexEndpoint = errors.New("leaderboard: index endpoint is required")

// IndexSourceConfig configures the indexing-service standings source.
type IndexSourceConfig struct {
	Endpoint  string
	ProgramID string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// IndexSource reads learner-profile accounts from an indexing service acting
// as a faster read replica of the ledger, and decodes them into standings.
type IndexSource struct {
	http      *resty.Client
	programID string
	logger    *zap.Logger
}

// NewIndexSource constructs the source.
func NewIndexSource(cfg IndexSourceConfig) (*IndexSource, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingIndexEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &IndexSource{http: httpClient, programID: cfg.ProgramID, logger: logger}, nil
}

type programAccountsResponse struct {
	Result []struct {
		Account struct {
			Data []string `json:"data"`
		} `json:"account"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchStandings pulls learner-profile accounts for the program and decodes
// them. Rows that fail to decode are skipped, not fatal: a single corrupt
// account must not take the whole leaderboard down.
func (s *IndexSource) FetchStandings(ctx context.Context, limit int) ([]Standing, error) {
	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "getProgramAccounts",
		"params": []any{s.programID, map[string]any{
			"encoding": "base64",
			"limit":    limit,
		}},
	}

	var response programAccountsResponse
	httpResponse, err := s.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("leaderboard: index transport: %w", err)
	}
	if httpResponse.IsError() {
		return nil, fmt.Errorf("leaderboard: index status %d: %s", httpResponse.StatusCode(), httpResponse.String())
	}
	if response.Error != nil {
		return nil, fmt.Errorf("leaderboard: index error %d: %s", response.Error.Code, response.Error.Message)
	}

	standings := make([]Standing, 0, len(response.Result))
	for _, row := range response.Result {
		if len(row.Account.Data) == 0 {
			continue
		}
		raw, decodeErr := base64.StdEncoding.DecodeString(row.Account.Data[0])
		if decodeErr != nil {
			s.logger.Warn("skipping undecodable account row", zap.Error(decodeErr))
			continue
		}
		profile, decodeErr := ledger.DecodeLearnerProfile(raw)
		if decodeErr != nil {
			s.logger.Warn("skipping non-profile account row", zap.Error(decodeErr))
			continue
		}
		standings = append(standings, Standing{
			Wallet:         profile.Authority.String(),
			XPBalance:      profile.XPTotal,
			Streak:         profile.StreakCurrent,
			LastActivityTs: profile.LastActivityTs,
		})
	}
	return standings, nil
}
