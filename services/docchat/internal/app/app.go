package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"docchat/pkg/ai"
	"docchat/pkg/auth"
	"docchat/pkg/domain"
	"docchat/pkg/pdftext"
	"docchat/pkg/session"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

const defaultCompletionTimeout = 60 * time.Second

// TextExtractor turns raw upload bytes into normalized text.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Config holds runtime dependencies for the core application.
type Config struct {
	// DatabaseURL selects the store variant when Store is nil.
	DatabaseURL string
	Store       store.Store

	Blobs             storage.BlobStore
	Generator         ai.TextGenerator
	Extractor         TextExtractor
	Sessions          *session.Manager
	CompletionTimeout time.Duration
	Logger            *slog.Logger
}

// App wires the entity store, blob storage, text extraction, and the
// language model behind the document chat operations.
type App struct {
	store             store.Store
	backend           store.Backend
	blobs             storage.BlobStore
	generator         ai.TextGenerator
	extractor         TextExtractor
	sessions          *session.Manager
	completionTimeout time.Duration
	logger            *slog.Logger

	texts singleflight.Group
	now   func() time.Time
}

// New constructs the application. The store is opened once here and
// shared by every request until Close.
func New(cfg Config) (*App, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("blob store required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("text generator required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dataStore := cfg.Store
	backend := store.BackendMemory
	if dataStore == nil {
		var err error
		dataStore, backend, err = store.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = pdftext.NewExtractor(0)
	}
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	return &App{
		store:             dataStore,
		backend:           backend,
		blobs:             cfg.Blobs,
		generator:         cfg.Generator,
		extractor:         extractor,
		sessions:          cfg.Sessions,
		completionTimeout: timeout,
		logger:            logger,
		now:               time.Now,
	}, nil
}

// Backend reports which store variant is serving requests.
func (a *App) Backend() store.Backend {
	return a.backend
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// SignUp registers a user and opens a session.
func (a *App) SignUp(ctx context.Context, email, password string) (domain.User, string, error) {
	email = domain.NormalizeEmail(email)
	if err := auth.ValidateEmail(email); err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", err
	}
	user, err := a.store.CreateUser(ctx, email, hash)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("create user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", err
	}
	return user, token, nil
}

// Logout revokes the session token.
func (a *App) Logout(ctx context.Context, token string) error {
	if err := a.sessions.Revoke(ctx, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// UserFromToken resolves the user behind a session token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	userID, err := a.sessions.UserID(ctx, token)
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			return domain.User{}, ErrUnauthorized
		}
		return domain.User{}, err
	}
	user, ok, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

func requireID(name, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: %s required", ErrBadRequest, name)
	}
	return id, nil
}
