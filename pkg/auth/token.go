package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer     = "sensorsync-api"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultLeeway     = 30 * time.Second

	// TokenTypeAccess and TokenTypeRefresh tag the two token flavors so a
	// refresh token cannot authenticate an API call.
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var errInvalidToken = errors.New("invalid token")

type tokenClaims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 user tokens. Subjects are the
// numeric user IDs that own all synced state.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	leeway     time.Duration
}

// TokenConfig configures token issuance. Zero durations fall back to
// defaults.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// NewTokenIssuer creates an issuer from a shared secret.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		leeway:     leeway,
	}, nil
}

// IssueAccess returns a signed access token for a user.
func (t *TokenIssuer) IssueAccess(userID uint) (string, error) {
	return t.sign(userID, TokenTypeAccess, t.accessTTL)
}

// IssueRefresh returns a signed refresh token for a user.
func (t *TokenIssuer) IssueRefresh(userID uint) (string, error) {
	return t.sign(userID, TokenTypeRefresh, t.refreshTTL)
}

func (t *TokenIssuer) sign(userID uint, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// VerifyAccess validates an access token and returns the subject user ID.
func (t *TokenIssuer) VerifyAccess(token string) (uint, error) {
	return t.verify(token, TokenTypeAccess)
}

// VerifyRefresh validates a refresh token and returns the subject user ID.
func (t *TokenIssuer) VerifyRefresh(token string) (uint, error) {
	return t.verify(token, TokenTypeRefresh)
}

func (t *TokenIssuer) verify(token, wantType string) (uint, error) {
	claims := tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(t.leeway),
	)
	if err != nil || !parsed.Valid {
		return 0, errInvalidToken
	}
	if claims.TokenType != wantType {
		return 0, errInvalidToken
	}
	userID, err := strconv.ParseUint(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token subject: %w", errInvalidToken)
	}
	return uint(userID), nil
}
