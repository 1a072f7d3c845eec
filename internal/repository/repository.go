// Package repository implements PostgreSQL persistence for events, profiles and e-passes.
// It uses pgx directly (no ORM). The sentinel errors declared here are shared by
// every storage backend.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
)

// ErrNotFound is wrapped by every not-found error below.
var ErrNotFound = errors.New("not found")

var (
	ErrUserNotFound  = fmt.Errorf("user %w", ErrNotFound)
	ErrEventNotFound = fmt.Errorf("event %w", ErrNotFound)
	ErrPassNotFound  = fmt.Errorf("e-pass %w", ErrNotFound)
)

// ErrCapacityExceeded is returned when an event's attendee ceiling has been reached.
var ErrCapacityExceeded = errors.New("event is at capacity")

// ErrAlreadyRedeemed is returned when a pass has already been marked used.
var ErrAlreadyRedeemed = errors.New("e-pass already redeemed")

// ErrUnavailable marks transient storage failures. Callers may retry.
var ErrUnavailable = errors.New("storage unavailable")

// Transient wraps err as a retryable ErrUnavailable failure of op.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

const uniqueViolation = "23505"

// wrap annotates a pgx error, marking connection loss and timeouts as transient.
func wrap(op string, err error) error {
	var connErr *pgconn.ConnectError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		pgconn.Timeout(err),
		errors.As(err, &connErr),
		pgconn.SafeToRetry(err):
		return Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

// EventRepository handles persistence for events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, title, description, category, date, time, location,
	attendees, max_attendees, organizer_id, organizer_name, created_at`

func scanEvent(row rowScanner) (*model.Event, error) {
	var e model.Event
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Category, &e.Date, &e.Time, &e.Location,
		&e.Attendees, &e.MaxAttendees, &e.OrganizerID, &e.OrganizerName, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, e *model.Event) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Title, e.Description, e.Category, e.Date, e.Time, e.Location,
		e.Attendees, e.MaxAttendees, e.OrganizerID, e.OrganizerName, e.CreatedAt,
	)
	if err != nil {
		return wrap("insert event", err)
	}
	return nil
}

// List returns all events ordered by creation time descending.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, wrap("list events", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list events", err)
	}
	return events, nil
}

// GetByID returns a single event or ErrEventNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, wrap("get event", err)
	}
	return e, nil
}

// ProfileRepository handles persistence for user profiles.
type ProfileRepository struct {
	db *pgxpool.Pool
}

// NewProfileRepository constructs a ProfileRepository.
func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetByID returns a profile or ErrUserNotFound.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRow(ctx,
		`SELECT id, name, type, created_at FROM profiles WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Type, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, wrap("get profile", err)
	}
	return &u, nil
}

// Upsert creates the profile or updates its name and type. CreatedAt is set
// from the stored row.
func (r *ProfileRepository) Upsert(ctx context.Context, u *model.User) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO profiles (id, name, type, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type
		 RETURNING created_at`,
		u.ID, u.Name, u.Type, u.CreatedAt,
	).Scan(&u.CreatedAt)
	if err != nil {
		return wrap("upsert profile", err)
	}
	return nil
}
