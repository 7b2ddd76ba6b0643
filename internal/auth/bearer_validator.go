package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingBearerSigningKey = errors.New("bearer validator: signing key required")
	ErrMissingBearerIssuer     = errors.New("bearer validator: issuer required")
	ErrMissingBearerToken      = errors.New("bearer validator: token required")
	ErrInvalidBearerToken      = errors.New("bearer validator: invalid token")
	ErrExpiredBearerToken      = errors.New("bearer validator: token expired")
	ErrMissingBearerWallet     = errors.New("bearer validator: wallet required")
)

const bearerPrefix = "Bearer "

// WalletClaims is the JWT payload carried by wallet-bound bearer tokens.
type WalletClaims struct {
	jwt.RegisteredClaims
}

// Wallet returns the wallet address the token is bound to.
func (c WalletClaims) Wallet() string {
	return c.Subject
}

// BearerValidatorConfig describes how to validate wallet bearer tokens.
type BearerValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// BearerValidator validates HS256 wallet tokens presented in the
// Authorization header.
type BearerValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewBearerValidator constructs a validator with the provided configuration.
func NewBearerValidator(cfg BearerValidatorConfig) (*BearerValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingBearerSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingBearerIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &BearerValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *BearerValidator) ValidateToken(tokenString string) (WalletClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return WalletClaims{}, ErrMissingBearerToken
	}

	claims := &WalletClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidBearerToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return WalletClaims{}, ErrExpiredBearerToken
		}
		return WalletClaims{}, fmt.Errorf("%w: %v", ErrInvalidBearerToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return WalletClaims{}, ErrInvalidBearerToken
	}
	if claims.Issuer != v.issuer {
		return WalletClaims{}, ErrInvalidBearerToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return WalletClaims{}, ErrMissingBearerWallet
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and
// validates it.
func (v *BearerValidator) ValidateRequest(r *http.Request) (WalletClaims, error) {
	if r == nil {
		return WalletClaims{}, ErrMissingBearerToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" || !strings.HasPrefix(header, bearerPrefix) {
		return WalletClaims{}, ErrMissingBearerToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
}
