package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/schrodinger12345/campus-event-glow/internal/broker"
	"github.com/schrodinger12345/campus-event-glow/internal/credential"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIssueIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)

	rapid.Check(t, func(rt *rapid.T) {
		user := env.addUser(rt, model.Student)
		before := env.attendees(rt, event.ID)
		repeats := rapid.IntRange(2, 5).Draw(rt, "repeats")

		first, err := env.passSvc.Issue(ctx, user.ID, event.ID)
		require.NoError(rt, err)
		for i := 1; i < repeats; i++ {
			again, err := env.passSvc.Issue(ctx, user.ID, event.ID)
			require.NoError(rt, err)
			require.Equal(rt, first.ID, again.ID)
			require.Equal(rt, first.QRCode, again.QRCode)
		}
		require.Equal(rt, before+1, env.attendees(rt, event.ID))
	})
}

func TestIssueSnapshotsDisplayFields(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)

	assert.Equal(t, event.ID, p.EventID)
	assert.Equal(t, event.Title, p.EventTitle)
	assert.Equal(t, event.Date, p.EventDate)
	assert.Equal(t, user.ID, p.UserID)
	assert.Equal(t, user.Name, p.UserName)
	assert.False(t, p.IsUsed)
	assert.Nil(t, p.RedeemedAt)
	assert.False(t, p.IssuedAt.IsZero())

	png, err := credential.DecodeDataURL(p.QRCode)
	require.NoError(t, err)
	assert.NotEmpty(t, png)

	token, err := env.creds.Token(p.ID, p.EventID, p.UserID)
	require.NoError(t, err)
	claims, err := env.creds.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.PassID())
}

func TestIssueCapacityScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, intPtr(1))
	u1 := env.addUser(t, model.Student)
	u2 := env.addUser(t, model.Student)

	p, err := env.passSvc.Issue(ctx, u1.ID, event.ID)
	require.NoError(t, err)
	assert.False(t, p.IsUsed)

	_, err = env.passSvc.Issue(ctx, u2.ID, event.ID)
	assert.ErrorIs(t, err, repository.ErrCapacityExceeded)

	_, err = env.passSvc.GetByUserAndEvent(ctx, u2.ID, event.ID)
	assert.ErrorIs(t, err, repository.ErrPassNotFound)
	assert.Equal(t, 1, env.attendees(t, event.ID))

	// The holder of the only place still gets their pass back.
	again, err := env.passSvc.Issue(ctx, u1.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Issued))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IssueReused))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.IssueRejected.WithLabelValues("capacity")))
}

func TestIssueConcurrentNearCapacity(t *testing.T) {
	const capacity = 5
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, intPtr(capacity))

	users := make([]*model.User, capacity+1)
	for i := range users {
		users[i] = env.addUser(t, model.Student)
	}

	results := make(chan model.IssueResult, len(users))
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			p, err := env.passSvc.Issue(ctx, userID, event.ID)
			results <- model.IssueResult{UserID: userID, Pass: p, Error: err}
		}(u.ID)
	}
	wg.Wait()
	close(results)

	var ok, full int
	for r := range results {
		switch {
		case r.Error == nil:
			ok++
		case errors.Is(r.Error, repository.ErrCapacityExceeded):
			full++
		default:
			t.Fatalf("unexpected error for %s: %v", r.UserID, r.Error)
		}
	}
	assert.Equal(t, capacity, ok)
	assert.GreaterOrEqual(t, full, 1)
	assert.Equal(t, capacity, env.attendees(t, event.ID))
}

func TestIssueConcurrentSamePair(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, intPtr(10))
	user := env.addUser(t, model.Student)

	const attempts = 8
	ids := make(chan string, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
			if assert.NoError(t, err) {
				ids <- p.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, env.attendees(t, event.ID))

	passes, err := env.passSvc.ListByUser(ctx, user.ID, model.PassFilter{})
	require.NoError(t, err)
	assert.Len(t, passes, 1)
}

func TestIssueNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	_, err := env.passSvc.Issue(ctx, "missing-user", event.ID)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = env.passSvc.Issue(ctx, user.ID, "missing-event")
	assert.ErrorIs(t, err, repository.ErrEventNotFound)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = env.passSvc.Issue(ctx, "", event.ID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIssuePublishesOnlyNewPasses(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", broker.TopicPassIssued, mock.AnythingOfType("broker.PassIssuedMessage")).
		Return(errors.New("broker down")).Once()

	env := newTestEnv(t, pub)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	// A publish failure does not fail issuance.
	first, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)
	second, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 1)
	msg := pub.Calls[0].Arguments.Get(1).(broker.PassIssuedMessage)
	assert.Equal(t, first.ID, msg.PassID)
}

func TestRedeemTwice(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", broker.TopicPassIssued, mock.Anything).Return(nil)
	pub.On("Publish", broker.TopicPassRedeemed, mock.AnythingOfType("broker.PassRedeemedMessage")).Return(nil).Once()

	env := newTestEnv(t, pub)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)

	redeemed, err := env.passSvc.Redeem(ctx, sessionFor(organizer), p.ID)
	require.NoError(t, err)
	assert.True(t, redeemed.IsUsed)
	require.NotNil(t, redeemed.RedeemedAt)
	assert.Equal(t, p.ID, redeemed.ID)

	_, err = env.passSvc.Redeem(ctx, sessionFor(organizer), p.ID)
	assert.ErrorIs(t, err, repository.ErrAlreadyRedeemed)

	stored, err := env.passSvc.GetPass(ctx, user.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsUsed)

	records, err := env.passSvc.ListAttendance(ctx, sessionFor(organizer), event.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, p.ID, records[0].PassID)
	assert.Equal(t, user.ID, records[0].UserID)

	pub.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Redeemed))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RedeemRejected.WithLabelValues("already_redeemed")))
}

func TestRedeemIsMonotonic(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	scanner := sessionFor(organizer)

	rapid.Check(t, func(rt *rapid.T) {
		user := env.addUser(rt, model.Student)
		p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
		require.NoError(rt, err)

		scans := rapid.IntRange(1, 4).Draw(rt, "scans")
		for i := 0; i < scans; i++ {
			_, err := env.passSvc.Redeem(ctx, scanner, p.ID)
			if i == 0 {
				require.NoError(rt, err)
			} else {
				require.ErrorIs(rt, err, repository.ErrAlreadyRedeemed)
			}
			stored, err := env.passSvc.GetByUserAndEvent(ctx, user.ID, event.ID)
			require.NoError(rt, err)
			require.True(rt, stored.IsUsed)
		}

		// Issuing again after entry hands back the used pass.
		again, err := env.passSvc.Issue(ctx, user.ID, event.ID)
		require.NoError(rt, err)
		require.True(rt, again.IsUsed)
	})
}

func TestRedeemConcurrentScans(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)

	const scans = 6
	errs := make(chan error, scans)
	var wg sync.WaitGroup
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.passSvc.Redeem(ctx, sessionFor(organizer), p.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, again int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repository.ErrAlreadyRedeemed):
			again++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, scans-1, again)

	records, err := env.passSvc.ListAttendance(ctx, sessionFor(organizer), event.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRedeemRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)

	_, err = env.passSvc.Redeem(ctx, sessionFor(user), p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.passSvc.Redeem(ctx, nil, p.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.passSvc.Redeem(ctx, sessionFor(organizer), "missing-pass")
	assert.ErrorIs(t, err, repository.ErrPassNotFound)

	rival := env.addUser(t, model.Organizer)
	_, err = env.passSvc.Redeem(ctx, sessionFor(rival), p.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.RedeemRejected.WithLabelValues("forbidden")))

	stored, err := env.passSvc.GetPass(ctx, user.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsUsed)
}

func TestRedeemCredential(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	other := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)
	scanner := sessionFor(organizer)

	p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)
	token, err := env.creds.Token(p.ID, p.EventID, p.UserID)
	require.NoError(t, err)

	t.Run("forged", func(t *testing.T) {
		forged, err := credential.NewGenerator("another-key", 128).Token(p.ID, p.EventID, p.UserID)
		require.NoError(t, err)
		_, err = env.passSvc.RedeemCredential(ctx, scanner, forged, "")
		assert.ErrorIs(t, err, credential.ErrInvalidToken)
	})

	t.Run("claims disagree with pass", func(t *testing.T) {
		swapped, err := env.creds.Token(p.ID, other.ID, p.UserID)
		require.NoError(t, err)
		_, err = env.passSvc.RedeemCredential(ctx, scanner, swapped, "")
		assert.ErrorIs(t, err, ErrCredentialMismatch)
	})

	t.Run("wrong entrance", func(t *testing.T) {
		_, err := env.passSvc.RedeemCredential(ctx, scanner, token, other.ID)
		assert.ErrorIs(t, err, ErrCredentialMismatch)
	})

	t.Run("student scanner", func(t *testing.T) {
		_, err := env.passSvc.RedeemCredential(ctx, sessionFor(user), token, event.ID)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	stored, err := env.passSvc.GetPass(ctx, user.ID, p.ID)
	require.NoError(t, err)
	require.False(t, stored.IsUsed)

	redeemed, err := env.passSvc.RedeemCredential(ctx, scanner, token, event.ID)
	require.NoError(t, err)
	assert.True(t, redeemed.IsUsed)

	_, err = env.passSvc.RedeemCredential(ctx, scanner, token, event.ID)
	assert.ErrorIs(t, err, repository.ErrAlreadyRedeemed)
}

func TestRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	user := env.addUser(t, model.Student)

	_, err := env.passSvc.GetByUserAndEvent(ctx, user.ID, event.ID)
	assert.ErrorIs(t, err, repository.ErrPassNotFound)

	issued, err := env.passSvc.Issue(ctx, user.ID, event.ID)
	require.NoError(t, err)

	found, err := env.passSvc.GetByUserAndEvent(ctx, user.ID, event.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, found.ID)
	assert.Equal(t, issued.EventID, found.EventID)
	assert.Equal(t, issued.UserID, found.UserID)
	assert.Equal(t, issued.QRCode, found.QRCode)
}

func TestListByUserFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	scanner := sessionFor(organizer)

	rapid.Check(t, func(rt *rapid.T) {
		user := env.addUser(rt, model.Student)
		n := rapid.IntRange(0, 5).Draw(rt, "passes")

		used := map[string]bool{}
		for i := 0; i < n; i++ {
			event := env.addEvent(rt, organizer, nil)
			p, err := env.passSvc.Issue(ctx, user.ID, event.ID)
			require.NoError(rt, err)
			redeem := rapid.Bool().Draw(rt, "redeem")
			if redeem {
				_, err := env.passSvc.Redeem(ctx, scanner, p.ID)
				require.NoError(rt, err)
			}
			used[p.ID] = redeem
		}

		all, err := env.passSvc.ListByUser(ctx, user.ID, model.PassFilter{Status: model.PassAll})
		require.NoError(rt, err)
		require.Len(rt, all, n)

		unused, err := env.passSvc.ListByUser(ctx, user.ID, model.PassFilter{Status: model.PassUnused})
		require.NoError(rt, err)
		usedList, err := env.passSvc.ListByUser(ctx, user.ID, model.PassFilter{Status: model.PassUsed})
		require.NoError(rt, err)

		for _, p := range unused {
			require.False(rt, p.IsUsed)
			require.False(rt, used[p.ID])
		}
		for _, p := range usedList {
			require.True(rt, used[p.ID])
		}
		require.Equal(rt, n, len(unused)+len(usedList))
	})
}

func TestListByUserNewestFirstAndQuery(t *testing.T) {
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	env := newTestEnv(t, nil)
	env.passSvc.now = func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	user := env.addUser(t, model.Student)

	e1 := env.addEvent(t, organizer, nil)
	e2 := env.addEvent(t, organizer, nil)
	p1, err := env.passSvc.Issue(ctx, user.ID, e1.ID)
	require.NoError(t, err)
	p2, err := env.passSvc.Issue(ctx, user.ID, e2.ID)
	require.NoError(t, err)

	all, err := env.passSvc.ListByUser(ctx, user.ID, model.PassFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p2.ID, all[0].ID)
	assert.Equal(t, p1.ID, all[1].ID)

	byTitle, err := env.passSvc.ListByUser(ctx, user.ID, model.PassFilter{Query: e1.Title[len(e1.Title)-4:]})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, p1.ID, byTitle[0].ID)

	none, err := env.passSvc.ListByUser(ctx, "nobody", model.PassFilter{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestGetPassAndImageAreHolderOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	event := env.addEvent(t, organizer, nil)
	holder := env.addUser(t, model.Student)
	stranger := env.addUser(t, model.Student)

	p, err := env.passSvc.Issue(ctx, holder.ID, event.ID)
	require.NoError(t, err)

	png, err := env.passSvc.PassImage(ctx, holder.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	_, err = env.passSvc.GetPass(ctx, stranger.ID, p.ID)
	assert.ErrorIs(t, err, repository.ErrPassNotFound)
	_, err = env.passSvc.PassImage(ctx, stranger.ID, p.ID)
	assert.ErrorIs(t, err, repository.ErrPassNotFound)
}

func TestListAttendanceOrganizerOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	organizer := env.addUser(t, model.Organizer)
	rival := env.addUser(t, model.Organizer)
	student := env.addUser(t, model.Student)
	event := env.addEvent(t, organizer, nil)

	_, err := env.passSvc.ListAttendance(ctx, sessionFor(rival), event.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = env.passSvc.ListAttendance(ctx, sessionFor(student), event.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = env.passSvc.ListAttendance(ctx, sessionFor(organizer), "missing-event")
	assert.ErrorIs(t, err, repository.ErrEventNotFound)

	records, err := env.passSvc.ListAttendance(ctx, sessionFor(organizer), event.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

// blockingStore never answers before the context expires.
type blockingStore struct {
	PassStore
}

func (blockingStore) GetByUserAndEvent(ctx context.Context, _, _ string) (*model.EPass, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) GetByID(ctx context.Context, _ string) (*model.EPass, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) Redeem(ctx context.Context, _ string, _ time.Time) (*model.EPass, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeoutIsUnavailable(t *testing.T) {
	svc := NewPassService(blockingStore{}, nil, nil, credential.NewGenerator(signingKey, 128),
		Options{OpTimeout: 20 * time.Millisecond})
	organizer := &model.User{ID: "o1", Type: model.Organizer}

	_, err := svc.Issue(context.Background(), "u1", "e1")
	assert.ErrorIs(t, err, repository.ErrUnavailable)
	assert.NotErrorIs(t, err, repository.ErrCapacityExceeded)

	_, err = svc.Redeem(context.Background(), sessionFor(organizer), "p1")
	assert.ErrorIs(t, err, repository.ErrUnavailable)
	assert.NotErrorIs(t, err, repository.ErrAlreadyRedeemed)
}
