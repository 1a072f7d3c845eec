// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the storage layer.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schrodinger12345/campus-event-glow/internal/broker"
	"github.com/schrodinger12345/campus-event-glow/internal/credential"
	"github.com/schrodinger12345/campus-event-glow/internal/logger"
	"github.com/schrodinger12345/campus-event-glow/internal/metrics"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrForbidden is returned when the session's role or ownership does not
	// permit the operation.
	ErrForbidden = errors.New("operation not permitted for this user")
	// ErrCredentialMismatch is returned when a valid credential is presented
	// for a pass, holder or event it was not issued for.
	ErrCredentialMismatch = errors.New("credential does not match e-pass")
	// ErrInvalidInput is returned when a request fails validation before any
	// store is touched.
	ErrInvalidInput = errors.New("invalid input")
)

// PassStore persists e-passes. Create and Redeem must be atomic with respect
// to concurrent callers: Create returns the stored pass when one already
// exists for the (user, event) pair, and Redeem succeeds at most once per pass.
type PassStore interface {
	Create(ctx context.Context, p *model.EPass) (*model.EPass, error)
	Redeem(ctx context.Context, id string, at time.Time) (*model.EPass, error)
	GetByID(ctx context.Context, id string) (*model.EPass, error)
	GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.EPass, error)
	ListByUser(ctx context.Context, userID string) ([]model.EPass, error)
	ListAttendance(ctx context.Context, eventID string) ([]model.Attendance, error)
}

type EventStore interface {
	Create(ctx context.Context, e *model.Event) error
	List(ctx context.Context) ([]model.Event, error)
	GetByID(ctx context.Context, id string) (*model.Event, error)
}

type ProfileStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	Upsert(ctx context.Context, u *model.User) error
}

// Options carries the collaborators shared by every service. Zero values are
// replaced with working defaults.
type Options struct {
	Logger    *slog.Logger
	Publisher broker.Publisher
	Metrics   *metrics.Metrics
	OpTimeout time.Duration
	Now       func() time.Time
}

const defaultOpTimeout = 5 * time.Second

type base struct {
	log     *slog.Logger
	pub     broker.Publisher
	metrics *metrics.Metrics
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time
}

func newBase(mod string, o Options) base {
	b := base{
		log:     o.Logger,
		pub:     o.Publisher,
		metrics: o.Metrics,
		timeout: o.OpTimeout,
		now:     o.Now,
		tracer:  otel.Tracer("campus-event-glow/service"),
	}
	if b.log == nil {
		b.log = logger.Discard()
	}
	b.log = b.log.With(logger.Module(mod))
	if b.pub == nil {
		b.pub = broker.Noop{}
	}
	if b.metrics == nil {
		b.metrics = metrics.New(prometheus.NewRegistry())
	}
	if b.timeout <= 0 {
		b.timeout = defaultOpTimeout
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// start opens a span and bounds ctx by the operation timeout.
func (b *base) start(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span, context.CancelFunc) {
	ctx, span := b.tracer.Start(ctx, name, attrs...)
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	return ctx, span, cancel
}

// fail records err on span and converts an expired deadline into a
// retryable ErrUnavailable.
func fail(span trace.Span, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, repository.ErrUnavailable) {
		err = repository.Transient(op, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// reason maps err to a metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, repository.ErrCapacityExceeded):
		return metrics.ReasonCapacity
	case errors.Is(err, repository.ErrNotFound):
		return metrics.ReasonNotFound
	case errors.Is(err, repository.ErrAlreadyRedeemed):
		return metrics.ReasonRedeemed
	case errors.Is(err, ErrCredentialMismatch), errors.Is(err, credential.ErrInvalidToken):
		return metrics.ReasonMismatch
	case errors.Is(err, ErrForbidden):
		return metrics.ReasonForbidden
	case errors.Is(err, repository.ErrUnavailable):
		return metrics.ReasonUnavailable
	default:
		return metrics.ReasonOther
	}
}

const publishTimeout = 2 * time.Second

// publish sends msg without failing the caller. It outlives ctx's deadline so
// a slow storage call does not also drop the notification.
func (b *base) publish(ctx context.Context, topic string, msg any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.pub.Publish(ctx, topic, msg); err != nil {
		b.log.Error("failed to publish message", slog.String("topic", topic), logger.Err(err))
	}
}
