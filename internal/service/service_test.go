package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schrodinger12345/campus-event-glow/internal/broker"
	"github.com/schrodinger12345/campus-event-glow/internal/credential"
	"github.com/schrodinger12345/campus-event-glow/internal/metrics"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository/bunstore"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const signingKey = "test-signing-key"

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(_ context.Context, topic string, msg any) error {
	return m.Called(topic, msg).Error(0)
}

func (m *mockPublisher) Close() error { return nil }

type testEnv struct {
	events   *bunstore.EventRepository
	profiles *bunstore.ProfileRepository
	passes   *bunstore.PassRepository
	creds    *credential.Generator
	metrics  *metrics.Metrics

	eventSvc   *EventService
	profileSvc *ProfileService
	passSvc    *PassService
}

func newTestEnv(t *testing.T, pub broker.Publisher) *testEnv {
	t.Helper()

	db, err := bunstore.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, bunstore.CreateSchema(context.Background(), db))

	env := &testEnv{
		events:   bunstore.NewEventRepository(db),
		profiles: bunstore.NewProfileRepository(db),
		passes:   bunstore.NewPassRepository(db),
		creds:    credential.NewGenerator(signingKey, 128),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	opts := Options{Publisher: pub, Metrics: env.metrics, OpTimeout: 10 * time.Second}
	env.eventSvc = NewEventService(env.events, env.profiles, opts)
	env.profileSvc = NewProfileService(env.profiles, opts)
	env.passSvc = NewPassService(env.passes, env.events, env.profiles, env.creds, opts)
	return env
}

func (e *testEnv) addUser(t require.TestingT, role model.UserType) *model.User {
	u := &model.User{
		ID:        uuid.NewString(),
		Name:      "user-" + uuid.NewString()[:8],
		Type:      role,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.profiles.Upsert(context.Background(), u))
	return u
}

func (e *testEnv) addEvent(t require.TestingT, organizer *model.User, maxAttendees *int) *model.Event {
	ev := &model.Event{
		ID:            uuid.NewString(),
		Title:         "Robotics Night " + uuid.NewString()[:4],
		Description:   "Demos and pizza",
		Category:      "tech",
		Date:          "2025-04-12",
		Time:          "18:30",
		Location:      "Hall B",
		MaxAttendees:  maxAttendees,
		OrganizerID:   organizer.ID,
		OrganizerName: organizer.Name,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, e.events.Create(context.Background(), ev))
	return ev
}

func (e *testEnv) attendees(t require.TestingT, eventID string) int {
	ev, err := e.events.GetByID(context.Background(), eventID)
	require.NoError(t, err)
	return ev.Attendees
}

func sessionFor(u *model.User) *session.Session {
	return &session.Session{
		UserID:    u.ID,
		Name:      u.Name,
		Role:      u.Type,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func intPtr(n int) *int { return &n }
