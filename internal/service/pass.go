package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/broker"
	"github.com/schrodinger12345/campus-event-glow/internal/credential"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PassService issues, redeems and looks up e-passes.
type PassService struct {
	base
	passes   PassStore
	events   EventStore
	profiles ProfileStore
	creds    *credential.Generator
}

// NewPassService constructs a PassService with its dependencies.
func NewPassService(
	passes PassStore,
	events EventStore,
	profiles ProfileStore,
	creds *credential.Generator,
	o Options,
) *PassService {
	return &PassService{
		base:     newBase("pass-service", o),
		passes:   passes,
		events:   events,
		profiles: profiles,
		creds:    creds,
	}
}

// Issue returns the e-pass userID holds for eventID, creating it if needed.
//
// Repeated calls for the same pair return the same pass. A new pass is only
// created while the event has a free place; the store re-checks the ceiling
// and the pair's uniqueness atomically with the insert, so the reads done here
// only reject early.
func (s *PassService) Issue(ctx context.Context, userID, eventID string) (*model.EPass, error) {
	start := time.Now()
	defer s.metrics.Observe("issue", start)

	ctx, span, cancel := s.start(ctx, "pass.issue", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("event.id", eventID),
	))
	defer span.End()
	defer cancel()

	p, created, err := s.issue(ctx, userID, eventID)
	if err != nil {
		err = fail(span, "issue e-pass", err)
		s.metrics.IssueRejected.WithLabelValues(reason(err)).Inc()
		s.log.Debug("issue rejected",
			slog.String("user_id", userID),
			slog.String("event_id", eventID),
			slog.String("reason", reason(err)),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("pass.id", p.ID),
		attribute.Bool("pass.created", created),
	)
	if !created {
		s.metrics.IssueReused.Inc()
		return p, nil
	}

	s.metrics.Issued.Inc()
	s.log.Info("e-pass issued",
		slog.String("pass_id", p.ID),
		slog.String("user_id", p.UserID),
		slog.String("event_id", p.EventID),
	)
	s.publish(ctx, broker.TopicPassIssued, broker.PassIssuedMessage{
		PassID:   p.ID,
		EventID:  p.EventID,
		UserID:   p.UserID,
		IssuedAt: p.IssuedAt,
	})
	return p, nil
}

func (s *PassService) issue(ctx context.Context, userID, eventID string) (*model.EPass, bool, error) {
	if userID == "" || eventID == "" {
		return nil, false, fmt.Errorf("%w: user id and event id are required", ErrInvalidInput)
	}

	existing, err := s.passes.GetByUserAndEvent(ctx, userID, eventID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrPassNotFound) {
		return nil, false, err
	}

	user, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	if event.IsFull() {
		return nil, false, repository.ErrCapacityExceeded
	}

	id := uuid.NewString()
	cred, err := s.creds.Generate(id, event.ID, user.ID)
	if err != nil {
		return nil, false, fmt.Errorf("generate credential: %w", err)
	}

	stored, err := s.passes.Create(ctx, &model.EPass{
		ID:         id,
		EventID:    event.ID,
		EventTitle: event.Title,
		EventDate:  event.Date,
		UserID:     user.ID,
		UserName:   user.Name,
		QRCode:     cred.DataURL(),
		IsUsed:     false,
		IssuedAt:   s.now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	// A concurrent request may have won the insert; its pass is returned.
	return stored, stored.ID == id, nil
}

// Redeem marks passID used. Only the organizer of the pass's event may
// redeem it by id, and a pass can be redeemed once: later attempts fail with
// repository.ErrAlreadyRedeemed.
func (s *PassService) Redeem(ctx context.Context, by *session.Session, passID string) (*model.EPass, error) {
	start := time.Now()
	defer s.metrics.Observe("redeem", start)

	ctx, span, cancel := s.start(ctx, "pass.redeem", trace.WithAttributes(
		attribute.String("pass.id", passID),
	))
	defer span.End()
	defer cancel()

	if err := s.checkRedeemer(by); err != nil {
		return nil, s.redeemFailed(span, passID, err)
	}
	if passID == "" {
		return nil, s.redeemFailed(span, passID, fmt.Errorf("%w: pass id is required", ErrInvalidInput))
	}
	stored, err := s.passes.GetByID(ctx, passID)
	if err != nil {
		return nil, s.redeemFailed(span, passID, err)
	}
	event, err := s.events.GetByID(ctx, stored.EventID)
	if err != nil {
		return nil, s.redeemFailed(span, passID, err)
	}
	if event.OrganizerID != by.UserID {
		return nil, s.redeemFailed(span, passID,
			fmt.Errorf("%w: event belongs to another organizer", ErrForbidden))
	}
	p, err := s.redeem(ctx, passID)
	if err != nil {
		return nil, s.redeemFailed(span, passID, err)
	}
	s.redeemed(ctx, by, p)
	return p, nil
}

// RedeemCredential redeems the pass a scanned credential token was issued for.
// The token must carry a valid signature and name the stored pass's holder
// and event. When eventID is set the pass must also belong to that event.
func (s *PassService) RedeemCredential(ctx context.Context, by *session.Session, token, eventID string) (*model.EPass, error) {
	start := time.Now()
	defer s.metrics.Observe("redeem", start)

	ctx, span, cancel := s.start(ctx, "pass.redeem_credential", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer span.End()
	defer cancel()

	if err := s.checkRedeemer(by); err != nil {
		return nil, s.redeemFailed(span, "", err)
	}

	claims, err := s.creds.Verify(token)
	if err != nil {
		return nil, s.redeemFailed(span, "", err)
	}
	span.SetAttributes(attribute.String("pass.id", claims.PassID()))

	stored, err := s.passes.GetByID(ctx, claims.PassID())
	if err != nil {
		return nil, s.redeemFailed(span, claims.PassID(), err)
	}
	if stored.UserID != claims.UserID() || stored.EventID != claims.EventID {
		return nil, s.redeemFailed(span, stored.ID, ErrCredentialMismatch)
	}
	if eventID != "" && eventID != stored.EventID {
		return nil, s.redeemFailed(span, stored.ID,
			fmt.Errorf("%w: pass is for another event", ErrCredentialMismatch))
	}

	p, err := s.redeem(ctx, stored.ID)
	if err != nil {
		return nil, s.redeemFailed(span, stored.ID, err)
	}
	s.redeemed(ctx, by, p)
	return p, nil
}

func (s *PassService) checkRedeemer(by *session.Session) error {
	if by == nil || !by.IsOrganizer() {
		return ErrForbidden
	}
	return nil
}

func (s *PassService) redeem(ctx context.Context, passID string) (*model.EPass, error) {
	if passID == "" {
		return nil, fmt.Errorf("%w: pass id is required", ErrInvalidInput)
	}
	return s.passes.Redeem(ctx, passID, s.now().UTC())
}

func (s *PassService) redeemFailed(span trace.Span, passID string, err error) error {
	err = fail(span, "redeem e-pass", err)
	s.metrics.RedeemRejected.WithLabelValues(reason(err)).Inc()
	if errors.Is(err, repository.ErrAlreadyRedeemed) {
		s.log.Warn("repeated scan of redeemed e-pass", slog.String("pass_id", passID))
	}
	return err
}

func (s *PassService) redeemed(ctx context.Context, by *session.Session, p *model.EPass) {
	s.metrics.Redeemed.Inc()
	s.log.Info("e-pass redeemed",
		slog.String("pass_id", p.ID),
		slog.String("event_id", p.EventID),
		slog.String("redeemed_by", by.UserID),
	)
	at := s.now().UTC()
	if p.RedeemedAt != nil {
		at = *p.RedeemedAt
	}
	s.publish(ctx, broker.TopicPassRedeemed, broker.PassRedeemedMessage{
		PassID:     p.ID,
		EventID:    p.EventID,
		UserID:     p.UserID,
		RedeemedAt: at,
	})
}

// GetByUserAndEvent returns the pass userID holds for eventID, or
// repository.ErrPassNotFound when there is none.
func (s *PassService) GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.EPass, error) {
	ctx, span, cancel := s.start(ctx, "pass.get_by_user_event", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("event.id", eventID),
	))
	defer span.End()
	defer cancel()

	p, err := s.passes.GetByUserAndEvent(ctx, userID, eventID)
	if err != nil {
		return nil, fail(span, "get e-pass", err)
	}
	return p, nil
}

// ListByUser returns userID's passes, newest first, narrowed by filter.
func (s *PassService) ListByUser(ctx context.Context, userID string, filter model.PassFilter) ([]model.EPass, error) {
	ctx, span, cancel := s.start(ctx, "pass.list_by_user", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("filter.status", string(filter.Status)),
	))
	defer span.End()
	defer cancel()

	passes, err := s.passes.ListByUser(ctx, userID)
	if err != nil {
		return nil, fail(span, "list e-passes", err)
	}
	matched := make([]model.EPass, 0, len(passes))
	for i := range passes {
		if filter.Match(&passes[i]) {
			matched = append(matched, passes[i])
		}
	}
	return matched, nil
}

// GetPass returns a pass held by userID. Passes held by anyone else are
// reported as not found.
func (s *PassService) GetPass(ctx context.Context, userID, passID string) (*model.EPass, error) {
	ctx, span, cancel := s.start(ctx, "pass.get", trace.WithAttributes(
		attribute.String("pass.id", passID),
	))
	defer span.End()
	defer cancel()

	p, err := s.holderPass(ctx, userID, passID)
	if err != nil {
		return nil, fail(span, "get e-pass", err)
	}
	return p, nil
}

func (s *PassService) holderPass(ctx context.Context, userID, passID string) (*model.EPass, error) {
	p, err := s.passes.GetByID(ctx, passID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, repository.ErrPassNotFound
	}
	return p, nil
}

// PassImage returns the QR PNG stored on a pass held by userID.
func (s *PassService) PassImage(ctx context.Context, userID, passID string) ([]byte, error) {
	ctx, span, cancel := s.start(ctx, "pass.image", trace.WithAttributes(
		attribute.String("pass.id", passID),
	))
	defer span.End()
	defer cancel()

	p, err := s.holderPass(ctx, userID, passID)
	if err != nil {
		return nil, fail(span, "get e-pass image", err)
	}
	png, err := credential.DecodeDataURL(p.QRCode)
	if err != nil {
		return nil, fail(span, "get e-pass image", err)
	}
	return png, nil
}

// ListAttendance returns the redeemed passes of an event. Only the event's
// organizer may read it.
func (s *PassService) ListAttendance(ctx context.Context, by *session.Session, eventID string) ([]model.Attendance, error) {
	ctx, span, cancel := s.start(ctx, "pass.list_attendance", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer span.End()
	defer cancel()

	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, fail(span, "list attendance", err)
	}
	if by == nil || !by.IsOrganizer() || event.OrganizerID != by.UserID {
		return nil, fail(span, "list attendance", ErrForbidden)
	}
	records, err := s.passes.ListAttendance(ctx, eventID)
	if err != nil {
		return nil, fail(span, "list attendance", err)
	}
	return records, nil
}
