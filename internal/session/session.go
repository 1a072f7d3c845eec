// Package session verifies the identity provider's session tokens and carries
// the resulting Session through request contexts.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
)

var (
	ErrMissing = errors.New("session missing")
	ErrInvalid = errors.New("session invalid")
)

// Session is an authenticated caller. It is issued at login and stops being
// accepted at ExpiresAt.
type Session struct {
	UserID    string
	Name      string
	Role      model.UserType
	ExpiresAt time.Time
}

// IsOrganizer reports whether the caller may publish events and redeem passes.
func (s *Session) IsOrganizer() bool {
	return s.Role == model.Organizer
}

type claims struct {
	Name string         `json:"name"`
	Role model.UserType `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens with a shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer returns an Issuer for secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Sign issues a token for s. Login flows and tests use it; the service
// itself only verifies.
func (i *Issuer) Sign(s Session) (string, error) {
	c := &claims{
		Name: s.Name,
		Role: s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(i.now()),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// Parse verifies token and returns the session it carries.
func (i *Issuer) Parse(token string) (*Session, error) {
	if token == "" {
		return nil, ErrMissing
	}
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Subject == "" || !c.Role.Valid() {
		return nil, ErrInvalid
	}
	return &Session{
		UserID:    c.Subject,
		Name:      c.Name,
		Role:      c.Role,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

type ctxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}
