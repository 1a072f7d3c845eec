// Package repotest holds the behaviour every storage backend must share. Each
// backend's tests call Run with freshly opened stores.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/schrodinger12345/campus-event-glow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Stores struct {
	Events   service.EventStore
	Profiles service.ProfileStore
	Passes   service.PassStore
}

// Run exercises s. Every record it writes uses fresh ids, so a shared
// database does not need cleaning between runs.
func Run(t *testing.T, s Stores) {
	t.Run("profiles", func(t *testing.T) { testProfiles(t, s) })
	t.Run("events", func(t *testing.T) { testEvents(t, s) })
	t.Run("create pass", func(t *testing.T) { testCreatePass(t, s) })
	t.Run("create pass concurrently", func(t *testing.T) { testCreatePassConcurrent(t, s) })
	t.Run("create same pair at ceiling", func(t *testing.T) { testCreateSamePairAtCeiling(t, s) })
	t.Run("redeem", func(t *testing.T) { testRedeem(t, s) })
	t.Run("redeem concurrently", func(t *testing.T) { testRedeemConcurrent(t, s) })
	t.Run("list by user", func(t *testing.T) { testListByUser(t, s) })
}

var base = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func newEvent(t *testing.T, s Stores, maxAttendees *int, createdAt time.Time) *model.Event {
	t.Helper()
	e := &model.Event{
		ID:            uuid.NewString(),
		Title:         "Film Club",
		Description:   "Screening",
		Category:      "arts",
		Date:          "2025-02-20",
		Time:          "19:00",
		Location:      "Auditorium",
		MaxAttendees:  maxAttendees,
		OrganizerID:   uuid.NewString(),
		OrganizerName: "Film Society",
		CreatedAt:     createdAt,
	}
	require.NoError(t, s.Events.Create(context.Background(), e))
	return e
}

func newPass(e *model.Event, userID string, issuedAt time.Time) *model.EPass {
	return &model.EPass{
		ID:         uuid.NewString(),
		EventID:    e.ID,
		EventTitle: e.Title,
		EventDate:  e.Date,
		UserID:     userID,
		UserName:   "holder",
		QRCode:     "data:image/png;base64,AAAA",
		IssuedAt:   issuedAt,
	}
}

func attendees(t *testing.T, s Stores, eventID string) int {
	t.Helper()
	e, err := s.Events.GetByID(context.Background(), eventID)
	require.NoError(t, err)
	return e.Attendees
}

func testProfiles(t *testing.T, s Stores) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := s.Profiles.GetByID(ctx, id)
	require.ErrorIs(t, err, repository.ErrUserNotFound)

	u := &model.User{ID: id, Name: "Kim", Type: model.Student, CreatedAt: base}
	require.NoError(t, s.Profiles.Upsert(ctx, u))

	renamed := &model.User{ID: id, Name: "Kim L.", Type: model.Student, CreatedAt: base.Add(time.Hour)}
	require.NoError(t, s.Profiles.Upsert(ctx, renamed))
	assert.True(t, base.Equal(renamed.CreatedAt), "creation time is kept")

	got, err := s.Profiles.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Kim L.", got.Name)
	assert.Equal(t, model.Student, got.Type)
}

func testEvents(t *testing.T, s Stores) {
	ctx := context.Background()

	_, err := s.Events.GetByID(ctx, uuid.NewString())
	require.ErrorIs(t, err, repository.ErrEventNotFound)
	require.ErrorIs(t, err, repository.ErrNotFound)

	limit := 40
	older := newEvent(t, s, nil, base)
	newer := newEvent(t, s, &limit, base.Add(time.Minute))

	got, err := s.Events.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MaxAttendees)
	assert.Equal(t, 40, *got.MaxAttendees)
	assert.Equal(t, 0, got.Attendees)
	assert.Equal(t, newer.OrganizerName, got.OrganizerName)

	got, err = s.Events.GetByID(ctx, older.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MaxAttendees)

	list, err := s.Events.List(ctx)
	require.NoError(t, err)
	pos := map[string]int{}
	for i, e := range list {
		pos[e.ID] = i
	}
	require.Contains(t, pos, older.ID)
	require.Contains(t, pos, newer.ID)
	assert.Less(t, pos[newer.ID], pos[older.ID], "newest first")
}

func testCreatePass(t *testing.T, s Stores) {
	ctx := context.Background()
	one := 1
	e := newEvent(t, s, &one, base)
	user := uuid.NewString()

	first := newPass(e, user, base)
	stored, err := s.Passes.Create(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, 1, attendees(t, s, e.ID))

	// Same pair, new id: the stored pass wins and nothing is counted twice.
	dup, err := s.Passes.Create(ctx, newPass(e, user, base.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, 1, attendees(t, s, e.ID))

	_, err = s.Passes.Create(ctx, newPass(e, uuid.NewString(), base))
	require.ErrorIs(t, err, repository.ErrCapacityExceeded)
	assert.Equal(t, 1, attendees(t, s, e.ID))

	missing := &model.Event{ID: uuid.NewString()}
	_, err = s.Passes.Create(ctx, newPass(missing, user, base))
	require.ErrorIs(t, err, repository.ErrEventNotFound)

	got, err := s.Passes.GetByUserAndEvent(ctx, user, e.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.False(t, got.IsUsed)
	assert.Nil(t, got.RedeemedAt)
	assert.Equal(t, first.QRCode, got.QRCode)

	_, err = s.Passes.GetByUserAndEvent(ctx, uuid.NewString(), e.ID)
	require.ErrorIs(t, err, repository.ErrPassNotFound)
}

func testCreatePassConcurrent(t *testing.T, s Stores) {
	const capacity = 4
	ctx := context.Background()
	limit := capacity
	e := newEvent(t, s, &limit, base)

	var wg sync.WaitGroup
	errs := make(chan error, 2*capacity)
	for i := 0; i < 2*capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Passes.Create(ctx, newPass(e, uuid.NewString(), base))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.True(t, errors.Is(err, repository.ErrCapacityExceeded), "unexpected error: %v", err)
	}
	assert.Equal(t, capacity, ok)
	assert.Equal(t, capacity, attendees(t, s, e.ID))
}

func testCreateSamePairAtCeiling(t *testing.T, s Stores) {
	ctx := context.Background()
	limit := 1
	e := newEvent(t, s, &limit, base)
	userID := uuid.NewString()

	const requests = 6
	var wg sync.WaitGroup
	ids := make(chan string, requests)
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Passes.Create(ctx, newPass(e, userID, base))
			if err != nil {
				errs <- err
				return
			}
			ids <- p.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, attendees(t, s, e.ID))

	// The pair still gets its pass back once the event is full.
	again, err := s.Passes.Create(ctx, newPass(e, userID, base))
	require.NoError(t, err)
	assert.True(t, seen[again.ID])

	_, err = s.Passes.Create(ctx, newPass(e, uuid.NewString(), base))
	require.ErrorIs(t, err, repository.ErrCapacityExceeded)
}

func testRedeem(t *testing.T, s Stores) {
	ctx := context.Background()
	e := newEvent(t, s, nil, base)
	p, err := s.Passes.Create(ctx, newPass(e, uuid.NewString(), base))
	require.NoError(t, err)

	at := base.Add(2 * time.Hour)
	redeemed, err := s.Passes.Redeem(ctx, p.ID, at)
	require.NoError(t, err)
	assert.True(t, redeemed.IsUsed)
	require.NotNil(t, redeemed.RedeemedAt)
	assert.WithinDuration(t, at, *redeemed.RedeemedAt, time.Millisecond)

	_, err = s.Passes.Redeem(ctx, p.ID, at.Add(time.Minute))
	require.ErrorIs(t, err, repository.ErrAlreadyRedeemed)

	_, err = s.Passes.Redeem(ctx, uuid.NewString(), at)
	require.ErrorIs(t, err, repository.ErrPassNotFound)

	records, err := s.Passes.ListAttendance(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, p.ID, records[0].PassID)
	assert.Equal(t, p.UserID, records[0].UserID)
}

func testRedeemConcurrent(t *testing.T, s Stores) {
	ctx := context.Background()
	e := newEvent(t, s, nil, base)
	p, err := s.Passes.Create(ctx, newPass(e, uuid.NewString(), base))
	require.NoError(t, err)

	const scans = 5
	var wg sync.WaitGroup
	errs := make(chan error, scans)
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Passes.Redeem(ctx, p.ID, base.Add(time.Hour))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, repository.ErrAlreadyRedeemed)
	}
	assert.Equal(t, 1, ok)

	records, err := s.Passes.ListAttendance(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testListByUser(t *testing.T, s Stores) {
	ctx := context.Background()
	user := uuid.NewString()

	empty, err := s.Passes.ListByUser(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, empty)

	var ids []string
	for i := 0; i < 3; i++ {
		e := newEvent(t, s, nil, base)
		p, err := s.Passes.Create(ctx, newPass(e, user, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}

	list, err := s.Passes.ListByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
}
