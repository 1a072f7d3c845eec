package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
)

// PassRepository handles persistence for e-passes and the attendance they produce.
type PassRepository struct {
	db *pgxpool.Pool
}

// NewPassRepository constructs a PassRepository.
func NewPassRepository(db *pgxpool.Pool) *PassRepository {
	return &PassRepository{db: db}
}

const passColumns = `id, event_id, event_title, event_date, user_id, user_name,
	qr_code, is_used, issued_at, redeemed_at`

func scanPass(row rowScanner) (*model.EPass, error) {
	var p model.EPass
	err := row.Scan(&p.ID, &p.EventID, &p.EventTitle, &p.EventDate, &p.UserID, &p.UserName,
		&p.QRCode, &p.IsUsed, &p.IssuedAt, &p.RedeemedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create persists p and reserves one place on its event in a single transaction.
//
// Two registrations for the same (user, event) pair, or two registrations for
// the last free place, must not both succeed. The event row is locked with
// SELECT … FOR UPDATE, which serialises every issuer for that event: the
// duplicate check, the capacity check, the counter increment and the insert all
// happen while the lock is held. The UNIQUE (user_id, event_id) constraint backs
// this up at the storage boundary.
//
// If a pass for the pair already exists it is returned unchanged and nothing is
// written, so the caller cannot tell a retried request from the first one.
func (r *PassRepository) Create(ctx context.Context, p *model.EPass) (*model.EPass, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, wrap("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the event row until COMMIT or ROLLBACK.
	var attendees int
	var maxAttendees *int
	err = tx.QueryRow(ctx,
		`SELECT attendees, max_attendees FROM events WHERE id = $1 FOR UPDATE`,
		p.EventID,
	).Scan(&attendees, &maxAttendees)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, wrap("lock event row", err)
	}

	existing, err := scanPass(tx.QueryRow(ctx,
		`SELECT `+passColumns+` FROM e_passes WHERE user_id = $1 AND event_id = $2`,
		p.UserID, p.EventID,
	))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return nil, wrap("commit transaction", err)
		}
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, wrap("check existing pass", err)
	}

	if maxAttendees != nil && attendees >= *maxAttendees {
		return nil, ErrCapacityExceeded
	}

	_, err = tx.Exec(ctx,
		`UPDATE events SET attendees = attendees + 1 WHERE id = $1`, p.EventID,
	)
	if err != nil {
		return nil, wrap("increment attendees", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO e_passes (`+passColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.EventID, p.EventTitle, p.EventDate, p.UserID, p.UserName,
		p.QRCode, p.IsUsed, p.IssuedAt, p.RedeemedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race the lock should have prevented; the counter update
			// is rolled back with the transaction.
			_ = tx.Rollback(ctx)
			return r.GetByUserAndEvent(ctx, p.UserID, p.EventID)
		}
		return nil, wrap("insert e-pass", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit transaction", err)
	}
	return p, nil
}

// Redeem marks the pass used and records attendance. The conditional UPDATE
// guarantees that of two concurrent scans exactly one succeeds.
func (r *PassRepository) Redeem(ctx context.Context, id string, at time.Time) (*model.EPass, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, wrap("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPass(tx.QueryRow(ctx,
		`UPDATE e_passes SET is_used = TRUE, redeemed_at = $2
		 WHERE id = $1 AND is_used = FALSE
		 RETURNING `+passColumns,
		id, at,
	))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, wrap("redeem e-pass", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM e_passes WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return nil, wrap("check e-pass", err)
		}
		if !exists {
			return nil, ErrPassNotFound
		}
		return nil, ErrAlreadyRedeemed
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO attended_events (id, event_id, user_id, pass_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), p.EventID, p.UserID, p.ID, at,
	)
	if err != nil {
		return nil, wrap("record attendance", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit transaction", err)
	}
	return p, nil
}

// GetByID returns a single pass or ErrPassNotFound.
func (r *PassRepository) GetByID(ctx context.Context, id string) (*model.EPass, error) {
	p, err := scanPass(r.db.QueryRow(ctx,
		`SELECT `+passColumns+` FROM e_passes WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPassNotFound
		}
		return nil, wrap("get e-pass", err)
	}
	return p, nil
}

// GetByUserAndEvent returns the pass a user holds for an event, or ErrPassNotFound.
func (r *PassRepository) GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.EPass, error) {
	p, err := scanPass(r.db.QueryRow(ctx,
		`SELECT `+passColumns+` FROM e_passes WHERE user_id = $1 AND event_id = $2`,
		userID, eventID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPassNotFound
		}
		return nil, wrap("get e-pass", err)
	}
	return p, nil
}

// ListByUser returns every pass held by userID, newest first.
func (r *PassRepository) ListByUser(ctx context.Context, userID string) ([]model.EPass, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+passColumns+` FROM e_passes WHERE user_id = $1 ORDER BY issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, wrap("list e-passes", err)
	}
	defer rows.Close()

	var passes []model.EPass
	for rows.Next() {
		p, err := scanPass(rows)
		if err != nil {
			return nil, fmt.Errorf("scan e-pass: %w", err)
		}
		passes = append(passes, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list e-passes", err)
	}
	return passes, nil
}

// ListAttendance returns the attendance records of an event in entry order.
func (r *PassRepository) ListAttendance(ctx context.Context, eventID string) ([]model.Attendance, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, user_id, pass_id, created_at
		 FROM attended_events
		 WHERE event_id = $1
		 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, wrap("list attendance", err)
	}
	defer rows.Close()

	var records []model.Attendance
	for rows.Next() {
		var a model.Attendance
		if err := rows.Scan(&a.ID, &a.EventID, &a.UserID, &a.PassID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list attendance", err)
	}
	return records, nil
}
