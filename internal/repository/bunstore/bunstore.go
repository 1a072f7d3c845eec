// Package bunstore implements the repositories on SQLite through bun. It backs
// single-node deployments and the service tests.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type profileRow struct {
	bun.BaseModel `bun:"table:profiles,alias:p"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull"`
	Type      string    `bun:"type,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:events,alias:e"`

	ID            string    `bun:"id,pk"`
	Title         string    `bun:"title,notnull"`
	Description   string    `bun:"description,notnull"`
	Category      string    `bun:"category,notnull"`
	Date          string    `bun:"date,notnull"`
	Time          string    `bun:"time,notnull"`
	Location      string    `bun:"location,notnull"`
	Attendees     int       `bun:"attendees,notnull"`
	MaxAttendees  *int      `bun:"max_attendees"`
	OrganizerID   string    `bun:"organizer_id,notnull"`
	OrganizerName string    `bun:"organizer_name,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type passRow struct {
	bun.BaseModel `bun:"table:e_passes,alias:ep"`

	ID         string     `bun:"id,pk"`
	EventID    string     `bun:"event_id,notnull,unique:user_event"`
	EventTitle string     `bun:"event_title,notnull"`
	EventDate  string     `bun:"event_date,notnull"`
	UserID     string     `bun:"user_id,notnull,unique:user_event"`
	UserName   string     `bun:"user_name,notnull"`
	QRCode     string     `bun:"qr_code,notnull"`
	IsUsed     bool       `bun:"is_used,notnull"`
	IssuedAt   time.Time  `bun:"issued_at,notnull"`
	RedeemedAt *time.Time `bun:"redeemed_at"`
}

type attendanceRow struct {
	bun.BaseModel `bun:"table:attended_events,alias:ae"`

	ID        string    `bun:"id,pk"`
	EventID   string    `bun:"event_id,notnull"`
	UserID    string    `bun:"user_id,notnull"`
	PassID    string    `bun:"pass_id,notnull,unique"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// Open connects to the SQLite database at dsn. SQLite allows one writer at a
// time, so the pool is capped at a single connection and transactions queue.
func Open(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// CreateSchema creates every table and index if missing.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	if err := db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		for _, m := range []any{
			(*profileRow)(nil),
			(*eventRow)(nil),
			(*passRow)(nil),
			(*attendanceRow)(nil),
		} {
			if _, err := tx.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewCreateIndex().
			Model((*passRow)(nil)).
			Index("e_passes_user_issued_idx").
			Column("user_id", "issued_at").
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewCreateIndex().
			Model((*attendanceRow)(nil)).
			Index("attended_events_event_idx").
			Column("event_id", "created_at").
			IfNotExists().
			Exec(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "database is locked") {
		return repository.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// EventRepository handles persistence for events.
type EventRepository struct {
	db bun.IDB
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db bun.IDB) *EventRepository {
	return &EventRepository{db: db}
}

func (r eventRow) toModel() model.Event {
	return model.Event{
		ID:            r.ID,
		Title:         r.Title,
		Description:   r.Description,
		Category:      r.Category,
		Date:          r.Date,
		Time:          r.Time,
		Location:      r.Location,
		Attendees:     r.Attendees,
		MaxAttendees:  r.MaxAttendees,
		OrganizerID:   r.OrganizerID,
		OrganizerName: r.OrganizerName,
		CreatedAt:     r.CreatedAt,
	}
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, e *model.Event) error {
	row := &eventRow{
		ID:            e.ID,
		Title:         e.Title,
		Description:   e.Description,
		Category:      e.Category,
		Date:          e.Date,
		Time:          e.Time,
		Location:      e.Location,
		Attendees:     e.Attendees,
		MaxAttendees:  e.MaxAttendees,
		OrganizerID:   e.OrganizerID,
		OrganizerName: e.OrganizerName,
		CreatedAt:     e.CreatedAt,
	}
	if _, err := r.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return wrap("insert event", err)
	}
	return nil
}

// List returns all events ordered by creation time descending.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	var rows []eventRow
	if err := r.db.NewSelect().Model(&rows).Order("created_at DESC").Scan(ctx); err != nil {
		return nil, wrap("list events", err)
	}
	events := make([]model.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toModel())
	}
	return events, nil
}

// GetByID returns a single event or repository.ErrEventNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	row := new(eventRow)
	if err := r.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrEventNotFound
		}
		return nil, wrap("get event", err)
	}
	e := row.toModel()
	return &e, nil
}

// ProfileRepository handles persistence for user profiles.
type ProfileRepository struct {
	db bun.IDB
}

// NewProfileRepository constructs a ProfileRepository.
func NewProfileRepository(db bun.IDB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetByID returns a profile or repository.ErrUserNotFound.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := new(profileRow)
	if err := r.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, wrap("get profile", err)
	}
	return &model.User{
		ID:        row.ID,
		Name:      row.Name,
		Type:      model.UserType(row.Type),
		CreatedAt: row.CreatedAt,
	}, nil
}

// Upsert creates the profile or updates its name and type, keeping the
// original creation time.
func (r *ProfileRepository) Upsert(ctx context.Context, u *model.User) error {
	row := &profileRow{ID: u.ID, Name: u.Name, Type: string(u.Type), CreatedAt: u.CreatedAt}
	_, err := r.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("type = EXCLUDED.type").
		Exec(ctx)
	if err != nil {
		return wrap("upsert profile", err)
	}
	stored, err := r.GetByID(ctx, u.ID)
	if err != nil {
		return err
	}
	u.CreatedAt = stored.CreatedAt
	return nil
}

// PassRepository handles persistence for e-passes and attendance.
type PassRepository struct {
	db *bun.DB
}

// NewPassRepository constructs a PassRepository.
func NewPassRepository(db *bun.DB) *PassRepository {
	return &PassRepository{db: db}
}

func passFromModel(p *model.EPass) *passRow {
	return &passRow{
		ID:         p.ID,
		EventID:    p.EventID,
		EventTitle: p.EventTitle,
		EventDate:  p.EventDate,
		UserID:     p.UserID,
		UserName:   p.UserName,
		QRCode:     p.QRCode,
		IsUsed:     p.IsUsed,
		IssuedAt:   p.IssuedAt,
		RedeemedAt: p.RedeemedAt,
	}
}

func (r passRow) toModel() *model.EPass {
	return &model.EPass{
		ID:         r.ID,
		EventID:    r.EventID,
		EventTitle: r.EventTitle,
		EventDate:  r.EventDate,
		UserID:     r.UserID,
		UserName:   r.UserName,
		QRCode:     r.QRCode,
		IsUsed:     r.IsUsed,
		IssuedAt:   r.IssuedAt,
		RedeemedAt: r.RedeemedAt,
	}
}

var errDuplicate = errors.New("duplicate e-pass")

// Create persists p and reserves one place on its event in one transaction.
// An existing pass for the (user, event) pair is returned unchanged.
//
// The capacity check and the increment are a single conditional UPDATE, so
// the counter can never pass the ceiling. The UNIQUE (user_id, event_id)
// constraint rejects a second insert for the same pair; that rolls back the
// increment and the stored pass is returned instead.
func (r *PassRepository) Create(ctx context.Context, p *model.EPass) (*model.EPass, error) {
	var result *model.EPass
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		existing := new(passRow)
		err := tx.NewSelect().Model(existing).
			Where("user_id = ?", p.UserID).
			Where("event_id = ?", p.EventID).
			Scan(ctx)
		if err == nil {
			result = existing.toModel()
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return wrap("check existing pass", err)
		}

		res, err := tx.NewUpdate().
			Model((*eventRow)(nil)).
			Set("attendees = attendees + 1").
			Where("id = ?", p.EventID).
			Where("max_attendees IS NULL OR attendees < max_attendees").
			Exec(ctx)
		if err != nil {
			return wrap("increment attendees", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			exists, err := tx.NewSelect().Model((*eventRow)(nil)).Where("id = ?", p.EventID).Exists(ctx)
			if err != nil {
				return wrap("check event", err)
			}
			if !exists {
				return repository.ErrEventNotFound
			}
			return repository.ErrCapacityExceeded
		}

		if _, err := tx.NewInsert().Model(passFromModel(p)).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return errDuplicate
			}
			return wrap("insert e-pass", err)
		}
		result = p
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return r.GetByUserAndEvent(ctx, p.UserID, p.EventID)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Redeem marks the pass used and records attendance. Only a row still
// holding is_used = false is updated.
func (r *PassRepository) Redeem(ctx context.Context, id string, at time.Time) (*model.EPass, error) {
	var result *model.EPass
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*passRow)(nil)).
			Set("is_used = ?", true).
			Set("redeemed_at = ?", at).
			Where("id = ?", id).
			Where("is_used = ?", false).
			Exec(ctx)
		if err != nil {
			return wrap("redeem e-pass", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			exists, err := tx.NewSelect().Model((*passRow)(nil)).Where("id = ?", id).Exists(ctx)
			if err != nil {
				return wrap("check e-pass", err)
			}
			if !exists {
				return repository.ErrPassNotFound
			}
			return repository.ErrAlreadyRedeemed
		}

		row := new(passRow)
		if err := tx.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
			return wrap("reload e-pass", err)
		}
		attendance := &attendanceRow{
			ID:        uuid.NewString(),
			EventID:   row.EventID,
			UserID:    row.UserID,
			PassID:    row.ID,
			CreatedAt: at,
		}
		if _, err := tx.NewInsert().Model(attendance).Exec(ctx); err != nil {
			return wrap("record attendance", err)
		}
		result = row.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetByID returns a single pass or repository.ErrPassNotFound.
func (r *PassRepository) GetByID(ctx context.Context, id string) (*model.EPass, error) {
	row := new(passRow)
	if err := r.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrPassNotFound
		}
		return nil, wrap("get e-pass", err)
	}
	return row.toModel(), nil
}

// GetByUserAndEvent returns the pass a user holds for an event.
func (r *PassRepository) GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.EPass, error) {
	row := new(passRow)
	err := r.db.NewSelect().Model(row).
		Where("user_id = ?", userID).
		Where("event_id = ?", eventID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrPassNotFound
		}
		return nil, wrap("get e-pass", err)
	}
	return row.toModel(), nil
}

// ListByUser returns every pass held by userID, newest first.
func (r *PassRepository) ListByUser(ctx context.Context, userID string) ([]model.EPass, error) {
	var rows []passRow
	err := r.db.NewSelect().Model(&rows).
		Where("user_id = ?", userID).
		Order("issued_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, wrap("list e-passes", err)
	}
	passes := make([]model.EPass, 0, len(rows))
	for _, row := range rows {
		passes = append(passes, *row.toModel())
	}
	return passes, nil
}

// ListAttendance returns the attendance records of an event in entry order.
func (r *PassRepository) ListAttendance(ctx context.Context, eventID string) ([]model.Attendance, error) {
	var rows []attendanceRow
	err := r.db.NewSelect().Model(&rows).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, wrap("list attendance", err)
	}
	records := make([]model.Attendance, 0, len(rows))
	for _, row := range rows {
		records = append(records, model.Attendance{
			ID:        row.ID,
			EventID:   row.EventID,
			UserID:    row.UserID,
			PassID:    row.PassID,
			CreatedAt: row.CreatedAt,
		})
	}
	return records, nil
}
