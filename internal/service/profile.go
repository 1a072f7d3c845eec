package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"github.com/schrodinger12345/campus-event-glow/internal/validate"
)

// ProfileService manages the profile attached to each session identity.
type ProfileService struct {
	base
	profiles ProfileStore
}

func NewProfileService(profiles ProfileStore, o Options) *ProfileService {
	return &ProfileService{base: newBase("profile-service", o), profiles: profiles}
}

// GetProfile returns the profile of userID.
func (s *ProfileService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	ctx, span, cancel := s.start(ctx, "profile.get")
	defer span.End()
	defer cancel()

	u, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, fail(span, "get profile", err)
	}
	return u, nil
}

// UpsertProfile creates or updates the caller's profile. The requested type
// must be the role the identity provider assigned to the session.
func (s *ProfileService) UpsertProfile(ctx context.Context, by *session.Session, req model.ProfileRequest) (*model.User, error) {
	ctx, span, cancel := s.start(ctx, "profile.upsert")
	defer span.End()
	defer cancel()

	if by == nil {
		return nil, fail(span, "upsert profile", ErrForbidden)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fail(span, "upsert profile", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}
	if req.Type != by.Role {
		return nil, fail(span, "upsert profile", ErrForbidden)
	}

	u := &model.User{
		ID:        by.UserID,
		Name:      req.Name,
		Type:      req.Type,
		CreatedAt: s.now().UTC(),
	}
	if err := s.profiles.Upsert(ctx, u); err != nil {
		return nil, fail(span, "upsert profile", err)
	}
	s.log.Debug("profile saved", slog.String("user_id", u.ID))
	return u, nil
}
