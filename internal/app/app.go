package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sensorsync/pkg/auth"
	"sensorsync/pkg/domain"
	"sensorsync/pkg/queue"
	"sensorsync/pkg/store"
)

const defaultMaxPushBatch = 10000

// Enqueuer hands completed pushes to the async analysis worker. It is
// optional; a nil Enqueuer disables analysis without touching sync.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionPK int64, userID uint) (queue.JobStatus, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL  string
	TokenSecret  string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	MaxPushBatch int

	// Test seams: when set, DatabaseURL/TokenSecret are not consulted for
	// the corresponding dependency.
	Store  store.Store
	Tokens *auth.TokenIssuer
	Queue  Enqueuer
}

// App wires storage, tokens, and the analysis queue behind the HTTP layer.
type App struct {
	store        store.Store
	tokens       *auth.TokenIssuer
	queue        Enqueuer
	maxPushBatch int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	tokens := cfg.Tokens
	if tokens == nil {
		var err error
		tokens, err = auth.NewTokenIssuer(auth.TokenConfig{
			Secret:     cfg.TokenSecret,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("init token issuer: %w", err)
		}
	}
	maxPushBatch := cfg.MaxPushBatch
	if maxPushBatch <= 0 {
		maxPushBatch = defaultMaxPushBatch
	}
	return &App{
		store:        dataStore,
		tokens:       tokens,
		queue:        cfg.Queue,
		maxPushBatch: maxPushBatch,
	}, nil
}

// RegisterRequest carries the registration payload.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// Register creates an account and issues an initial token pair.
func (a *App) Register(ctx context.Context, req RegisterRequest) (domain.User, string, string, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	deviceID := strings.TrimSpace(req.DeviceID)
	if username == "" || email == "" || req.Password == "" || deviceID == "" {
		return domain.User{}, "", "", ErrMissingFields
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		return domain.User{}, "", "", fmt.Errorf("%w: %s", ErrMissingFields, err)
	}
	if taken, err := a.store.HasUsername(ctx, username); err != nil {
		return domain.User{}, "", "", fmt.Errorf("check username: %w", err)
	} else if taken {
		return domain.User{}, "", "", ErrUsernameTaken
	}
	if taken, err := a.store.HasEmail(ctx, email); err != nil {
		return domain.User{}, "", "", fmt.Errorf("check email: %w", err)
	} else if taken {
		return domain.User{}, "", "", ErrEmailTaken
	}
	if taken, err := a.store.HasDeviceID(ctx, deviceID); err != nil {
		return domain.User{}, "", "", fmt.Errorf("check device: %w", err)
	} else if taken {
		return domain.User{}, "", "", ErrDeviceTaken
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user, err := a.store.CreateUser(ctx, domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		DeviceID:     deviceID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("create user: %w", err)
	}
	return a.issueTokens(user)
}

// Login validates credentials and issues a token pair.
func (a *App) Login(ctx context.Context, username, password string) (domain.User, string, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, "", "", ErrMissingFields
	}
	user, ok, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", "", ErrInvalidCredentials
	}
	if !user.IsActive {
		return domain.User{}, "", "", ErrUserDisabled
	}
	return a.issueTokens(user)
}

// Refresh exchanges a valid refresh token for a new access token.
func (a *App) Refresh(ctx context.Context, refreshToken string) (string, error) {
	userID, err := a.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	if !user.IsActive {
		return "", ErrUserDisabled
	}
	return a.tokens.IssueAccess(user.ID)
}

// UserFromToken authenticates a bearer access token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	userID, err := a.tokens.VerifyAccess(token)
	if err != nil {
		return domain.User{}, false
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil || !ok || !user.IsActive {
		return domain.User{}, false
	}
	return user, true
}

func (a *App) issueTokens(user domain.User) (domain.User, string, string, error) {
	access, err := a.tokens.IssueAccess(user.ID)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.tokens.IssueRefresh(user.ID)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("issue refresh token: %w", err)
	}
	return user, access, refresh, nil
}

// StatusResult summarizes sync health for one user.
type StatusResult struct {
	domain.SessionStats
	RecentSyncs []domain.SyncLog `json:"recent_syncs"`
}

// Status reports session counters plus the ten most recent sync attempts.
func (a *App) Status(ctx context.Context, userID uint) (StatusResult, error) {
	stats, err := a.store.SessionStats(ctx, userID)
	if err != nil {
		return StatusResult{}, fmt.Errorf("session stats: %w", err)
	}
	recent, err := a.store.ListRecentSyncLogs(ctx, userID, 10)
	if err != nil {
		return StatusResult{}, fmt.Errorf("recent syncs: %w", err)
	}
	return StatusResult{SessionStats: stats, RecentSyncs: recent}, nil
}
