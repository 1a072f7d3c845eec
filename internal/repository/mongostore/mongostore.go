// Package mongostore implements the repositories on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/config"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionProfiles   = "profiles"
	collectionEvents     = "events"
	collectionPasses     = "e_passes"
	collectionAttendance = "attended_events"
)

type profileDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Type      string    `bson:"type"`
	CreatedAt time.Time `bson:"created_at"`
}

type eventDoc struct {
	ID            string    `bson:"_id"`
	Title         string    `bson:"title"`
	Description   string    `bson:"description"`
	Category      string    `bson:"category"`
	Date          string    `bson:"date"`
	Time          string    `bson:"time"`
	Location      string    `bson:"location"`
	Attendees     int       `bson:"attendees"`
	MaxAttendees  *int      `bson:"max_attendees"`
	OrganizerID   string    `bson:"organizer_id"`
	OrganizerName string    `bson:"organizer_name"`
	CreatedAt     time.Time `bson:"created_at"`
}

type passDoc struct {
	ID         string     `bson:"_id"`
	EventID    string     `bson:"event_id"`
	EventTitle string     `bson:"event_title"`
	EventDate  string     `bson:"event_date"`
	UserID     string     `bson:"user_id"`
	UserName   string     `bson:"user_name"`
	QRCode     string     `bson:"qr_code"`
	IsUsed     bool       `bson:"is_used"`
	IssuedAt   time.Time  `bson:"issued_at"`
	RedeemedAt *time.Time `bson:"redeemed_at,omitempty"`
}

type attendanceDoc struct {
	ID        string    `bson:"_id"`
	EventID   string    `bson:"event_id"`
	UserID    string    `bson:"user_id"`
	PassID    string    `bson:"pass_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, conf config.Mongo) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(conf.URI))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique indexes the pass repository relies on.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(collectionPasses).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("user_event_unique"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "issued_at", Value: -1}},
			Options: options.Index().SetName("user_issued"),
		},
	})
	if err != nil {
		return fmt.Errorf("create e-pass indexes: %w", err)
	}
	_, err = db.Collection(collectionAttendance).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pass_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("pass_unique"),
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("event_created"),
		},
	})
	if err != nil {
		return fmt.Errorf("create attendance indexes: %w", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return repository.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EventRepository handles persistence for events.
type EventRepository struct {
	events *mongo.Collection
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *mongo.Database) *EventRepository {
	return &EventRepository{events: db.Collection(collectionEvents)}
}

func (d eventDoc) toModel() model.Event {
	return model.Event{
		ID:            d.ID,
		Title:         d.Title,
		Description:   d.Description,
		Category:      d.Category,
		Date:          d.Date,
		Time:          d.Time,
		Location:      d.Location,
		Attendees:     d.Attendees,
		MaxAttendees:  d.MaxAttendees,
		OrganizerID:   d.OrganizerID,
		OrganizerName: d.OrganizerName,
		CreatedAt:     d.CreatedAt,
	}
}

// Create inserts a new event.
func (r *EventRepository) Create(ctx context.Context, e *model.Event) error {
	_, err := r.events.InsertOne(ctx, eventDoc{
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
	})
	if err != nil {
		return wrap("insert event", err)
	}
	return nil
}

// List returns all events ordered by creation time descending.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	cursor, err := r.events.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, wrap("list events", err)
	}
	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("decode events", err)
	}
	events := make([]model.Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, d.toModel())
	}
	return events, nil
}

// GetByID returns a single event or repository.ErrEventNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var d eventDoc
	if err := r.events.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrEventNotFound
		}
		return nil, wrap("get event", err)
	}
	e := d.toModel()
	return &e, nil
}

// ProfileRepository handles persistence for user profiles.
type ProfileRepository struct {
	profiles *mongo.Collection
}

// NewProfileRepository constructs a ProfileRepository.
func NewProfileRepository(db *mongo.Database) *ProfileRepository {
	return &ProfileRepository{profiles: db.Collection(collectionProfiles)}
}

// GetByID returns a profile or repository.ErrUserNotFound.
func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	var d profileDoc
	if err := r.profiles.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrUserNotFound
		}
		return nil, wrap("get profile", err)
	}
	return &model.User{ID: d.ID, Name: d.Name, Type: model.UserType(d.Type), CreatedAt: d.CreatedAt}, nil
}

// Upsert creates the profile or updates its name and type.
func (r *ProfileRepository) Upsert(ctx context.Context, u *model.User) error {
	var d profileDoc
	err := r.profiles.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: u.ID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "name", Value: u.Name}, {Key: "type", Value: string(u.Type)}}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: u.CreatedAt}}},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return wrap("upsert profile", err)
	}
	u.CreatedAt = d.CreatedAt
	return nil
}

// PassRepository handles persistence for e-passes and attendance.
type PassRepository struct {
	events     *mongo.Collection
	passes     *mongo.Collection
	attendance *mongo.Collection

	// pairs serialises Create for one (user, event) pair within this process.
	pairs [64]sync.Mutex
}

// NewPassRepository constructs a PassRepository.
func NewPassRepository(db *mongo.Database) *PassRepository {
	return &PassRepository{
		events:     db.Collection(collectionEvents),
		passes:     db.Collection(collectionPasses),
		attendance: db.Collection(collectionAttendance),
	}
}

func (r *PassRepository) lockPair(userID, eventID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(eventID))
	mu := &r.pairs[h.Sum32()%uint32(len(r.pairs))]
	mu.Lock()
	return mu.Unlock
}

func (d passDoc) toModel() *model.EPass {
	return &model.EPass{
		ID:         d.ID,
		EventID:    d.EventID,
		EventTitle: d.EventTitle,
		EventDate:  d.EventDate,
		UserID:     d.UserID,
		UserName:   d.UserName,
		QRCode:     d.QRCode,
		IsUsed:     d.IsUsed,
		IssuedAt:   d.IssuedAt,
		RedeemedAt: d.RedeemedAt,
	}
}

// Create persists p and reserves one place on its event. An existing pass for
// the (user, event) pair is returned unchanged.
//
// The place is reserved first with a conditional $inc that only matches while
// the counter is below the ceiling. The unique (user_id, event_id) index then
// arbitrates between concurrent requests for the same pair; the loser gives
// its place back and returns the winner's pass. A request refused a place
// looks for the pair's pass once more before reporting the event full.
// Requests for one pair are serialised within the process; the unique index
// and that second lookup cover requests from other processes.
func (r *PassRepository) Create(ctx context.Context, p *model.EPass) (*model.EPass, error) {
	defer r.lockPair(p.UserID, p.EventID)()

	existing, err := r.GetByUserAndEvent(ctx, p.UserID, p.EventID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrPassNotFound) {
		return nil, err
	}

	res, err := r.events.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: p.EventID},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "max_attendees", Value: nil}},
				bson.D{{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$attendees", "$max_attendees"}}}}},
			}},
		},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "attendees", Value: 1}}}},
	)
	if err != nil {
		return nil, wrap("reserve place", err)
	}
	if res.MatchedCount == 0 {
		// A concurrent request for the same pair may have taken the last place.
		existing, err := r.GetByUserAndEvent(ctx, p.UserID, p.EventID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repository.ErrPassNotFound) {
			return nil, err
		}
		n, err := r.events.CountDocuments(ctx, bson.D{{Key: "_id", Value: p.EventID}})
		if err != nil {
			return nil, wrap("check event", err)
		}
		if n == 0 {
			return nil, repository.ErrEventNotFound
		}
		return nil, repository.ErrCapacityExceeded
	}

	_, err = r.passes.InsertOne(ctx, passDoc{
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
	})
	if err != nil {
		if relErr := r.releasePlace(ctx, p.EventID); relErr != nil {
			return nil, errors.Join(wrap("insert e-pass", err), relErr)
		}
		if mongo.IsDuplicateKeyError(err) {
			return r.GetByUserAndEvent(ctx, p.UserID, p.EventID)
		}
		return nil, wrap("insert e-pass", err)
	}
	return p, nil
}

func (r *PassRepository) releasePlace(ctx context.Context, eventID string) error {
	_, err := r.events.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: eventID}, {Key: "attendees", Value: bson.D{{Key: "$gt", Value: 0}}}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "attendees", Value: -1}}}},
	)
	if err != nil {
		return wrap("release place", err)
	}
	return nil
}

// Redeem marks the pass used and records attendance.
//
// The flip only matches a pass still holding is_used = false, so of two
// concurrent scans exactly one wins. Attendance is upserted by pass id after
// the flip. When that write fails the pass stays used, and the next attempt
// records the missing row before reporting repository.ErrAlreadyRedeemed.
func (r *PassRepository) Redeem(ctx context.Context, id string, at time.Time) (*model.EPass, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsUsed {
		if err := r.recordAttendance(ctx, current); err != nil {
			return nil, err
		}
		return nil, repository.ErrAlreadyRedeemed
	}

	var d passDoc
	err = r.passes.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "is_used", Value: false}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_used", Value: true}, {Key: "redeemed_at", Value: at}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrAlreadyRedeemed
		}
		return nil, wrap("redeem e-pass", err)
	}

	p := d.toModel()
	if err := r.recordAttendance(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PassRepository) recordAttendance(ctx context.Context, p *model.EPass) error {
	at := p.IssuedAt
	if p.RedeemedAt != nil {
		at = *p.RedeemedAt
	}
	_, err := r.attendance.UpdateOne(ctx,
		bson.D{{Key: "pass_id", Value: p.ID}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "_id", Value: uuid.NewString()},
			{Key: "event_id", Value: p.EventID},
			{Key: "user_id", Value: p.UserID},
			{Key: "created_at", Value: at},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return wrap("record attendance", err)
	}
	return nil
}

// GetByID returns a single pass or repository.ErrPassNotFound.
func (r *PassRepository) GetByID(ctx context.Context, id string) (*model.EPass, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

// GetByUserAndEvent returns the pass a user holds for an event.
func (r *PassRepository) GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.EPass, error) {
	return r.findOne(ctx, bson.D{{Key: "user_id", Value: userID}, {Key: "event_id", Value: eventID}})
}

func (r *PassRepository) findOne(ctx context.Context, filter bson.D) (*model.EPass, error) {
	var d passDoc
	if err := r.passes.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrPassNotFound
		}
		return nil, wrap("get e-pass", err)
	}
	return d.toModel(), nil
}

// ListByUser returns every pass held by userID, newest first.
func (r *PassRepository) ListByUser(ctx context.Context, userID string) ([]model.EPass, error) {
	cursor, err := r.passes.Find(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "issued_at", Value: -1}}),
	)
	if err != nil {
		return nil, wrap("list e-passes", err)
	}
	var docs []passDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("decode e-passes", err)
	}
	passes := make([]model.EPass, 0, len(docs))
	for _, d := range docs {
		passes = append(passes, *d.toModel())
	}
	return passes, nil
}

// ListAttendance returns the attendance records of an event in entry order.
func (r *PassRepository) ListAttendance(ctx context.Context, eventID string) ([]model.Attendance, error) {
	cursor, err := r.attendance.Find(ctx,
		bson.D{{Key: "event_id", Value: eventID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, wrap("list attendance", err)
	}
	var docs []attendanceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("decode attendance", err)
	}
	records := make([]model.Attendance, 0, len(docs))
	for _, d := range docs {
		records = append(records, model.Attendance{
			ID:        d.ID,
			EventID:   d.EventID,
			UserID:    d.UserID,
			PassID:    d.PassID,
			CreatedAt: d.CreatedAt,
		})
	}
	return records, nil
}
