package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/schrodinger12345/campus-event-glow/internal/model"
	"github.com/schrodinger12345/campus-event-glow/internal/session"
	"github.com/schrodinger12345/campus-event-glow/internal/validate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventService orchestrates the event catalog.
type EventService struct {
	base
	events   EventStore
	profiles ProfileStore
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(events EventStore, profiles ProfileStore, o Options) *EventService {
	return &EventService{
		base:     newBase("event-service", o),
		events:   events,
		profiles: profiles,
	}
}

// CreateEvent publishes a new event on behalf of an organizer. The organizer's
// display name is copied from their profile.
func (s *EventService) CreateEvent(ctx context.Context, by *session.Session, req model.CreateEventRequest) (*model.Event, error) {
	ctx, span, cancel := s.start(ctx, "event.create")
	defer span.End()
	defer cancel()

	if by == nil || !by.IsOrganizer() {
		return nil, fail(span, "create event", ErrForbidden)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fail(span, "create event", fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	organizer, err := s.profiles.GetByID(ctx, by.UserID)
	if err != nil {
		return nil, fail(span, "create event", err)
	}

	event := &model.Event{
		ID:            uuid.NewString(),
		Title:         req.Title,
		Description:   req.Description,
		Category:      req.Category,
		Date:          req.Date,
		Time:          req.Time,
		Location:      req.Location,
		MaxAttendees:  req.MaxAttendees,
		OrganizerID:   organizer.ID,
		OrganizerName: organizer.Name,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, fail(span, "create event", err)
	}

	span.SetAttributes(attribute.String("event.id", event.ID))
	s.log.Info("event created",
		slog.String("event_id", event.ID),
		slog.String("organizer_id", organizer.ID),
	)
	return event, nil
}

// ListEvents returns the catalog newest first, narrowed by filter.
func (s *EventService) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.Event, error) {
	ctx, span, cancel := s.start(ctx, "event.list")
	defer span.End()
	defer cancel()

	events, err := s.events.List(ctx)
	if err != nil {
		return nil, fail(span, "list events", err)
	}
	matched := make([]model.Event, 0, len(events))
	for i := range events {
		if filter.Match(&events[i]) {
			matched = append(matched, events[i])
		}
	}
	return matched, nil
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	ctx, span, cancel := s.start(ctx, "event.get", trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()
	defer cancel()

	if id == "" {
		return nil, fail(span, "get event", fmt.Errorf("%w: event id is required", ErrInvalidInput))
	}
	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		return nil, fail(span, "get event", err)
	}
	return event, nil
}
