package service

import (
	"context"
	"testing"

	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertProfile(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	by := &session.Session{UserID: "u-new", Role: model.Student}

	_, err := env.profileSvc.GetProfile(ctx, by.UserID)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)

	created, err := env.profileSvc.UpsertProfile(ctx, by, model.ProfileRequest{Name: "Grace", Type: model.Student})
	require.NoError(t, err)

	updated, err := env.profileSvc.UpsertProfile(ctx, by, model.ProfileRequest{Name: "Grace H.", Type: model.Student})
	require.NoError(t, err)
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))

	got, err := env.profileSvc.GetProfile(ctx, by.UserID)
	require.NoError(t, err)
	assert.Equal(t, "Grace H.", got.Name)
	assert.Equal(t, model.Student, got.Type)
}

func TestUpsertProfileRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	by := &session.Session{UserID: "u1", Role: model.Student}

	_, err := env.profileSvc.UpsertProfile(ctx, by, model.ProfileRequest{Name: "Mallory", Type: model.Organizer})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.profileSvc.UpsertProfile(ctx, by, model.ProfileRequest{Name: "", Type: model.Student})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.profileSvc.UpsertProfile(ctx, nil, model.ProfileRequest{Name: "x", Type: model.Student})
	assert.ErrorIs(t, err, ErrForbidden)
}
