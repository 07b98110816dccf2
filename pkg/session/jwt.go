package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer = "docchat"
	defaultTTL    = 24 * time.Hour
	defaultLeeway = 30 * time.Second
)

var (
	// ErrInvalidToken covers malformed, expired, mis-signed, and revoked tokens.
	ErrInvalidToken = errors.New("invalid session token")
)

// Manager issues and validates HS256 session tokens.
type Manager struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	leeway  time.Duration
	revoker TokenRevoker
	now     func() time.Time
}

// NewManager builds a session manager. The secret must be at least 32 bytes.
// A nil revoker disables logout.
func NewManager(secret string, ttl time.Duration, revoker TokenRevoker) (*Manager, error) {
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		secret:  []byte(secret),
		ttl:     ttl,
		issuer:  defaultIssuer,
		leeway:  defaultLeeway,
		revoker: revoker,
		now:     time.Now,
	}, nil
}

// NewSession creates a signed token for the user ID.
func (m *Manager) NewSession(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// UserID validates a token and returns its subject.
func (m *Manager) UserID(ctx context.Context, token string) (string, error) {
	claims, err := m.parse(token)
	if err != nil {
		return "", err
	}
	if m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return "", fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return "", fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
	}
	return claims.Subject, nil
}

// Revoke invalidates a token until it expires. Invalid tokens are ignored.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if m.revoker == nil {
		return nil
	}
	claims, err := m.parse(token)
	if err != nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	return m.revoker.Revoke(ctx, claims.ID, ttl)
}

func (m *Manager) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return claims, fmt.Errorf("%w: missing subject or id", ErrInvalidToken)
	}
	return claims, nil
}
