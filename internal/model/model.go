// Package model defines the core domain types for campus events and e-passes.
package model

import (
	"net/http"
	"strings"
	"time"

	"github.com/schrodinger12345/campus-event-glow/internal/validate"
	"golang.org/x/text/cases"
)

// UserType is the role an identity holds.
type UserType string

const (
	Student   UserType = "student"
	Organizer UserType = "organizer"
)

// Valid reports whether t is a known role.
func (t UserType) Valid() bool {
	return t == Student || t == Organizer
}

// User is the profile of an authenticated identity.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      UserType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents a campus event published by an organizer.
type Event struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Category      string    `json:"category"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	Location      string    `json:"location"`
	Attendees     int       `json:"attendees"`
	MaxAttendees  *int      `json:"max_attendees,omitempty"`
	OrganizerID   string    `json:"organizer_id"`
	OrganizerName string    `json:"organizer_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Remaining returns the number of free places, or -1 when the event has no ceiling.
func (e *Event) Remaining() int {
	if e.MaxAttendees == nil {
		return -1
	}
	return *e.MaxAttendees - e.Attendees
}

// IsFull returns true when a ceiling is set and has been reached.
func (e *Event) IsFull() bool {
	return e.MaxAttendees != nil && e.Attendees >= *e.MaxAttendees
}

// EPass is one user's right to enter one event.
// EventTitle, EventDate and UserName are snapshots taken at issuance.
type EPass struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	EventTitle string     `json:"event_title"`
	EventDate  string     `json:"event_date"`
	UserID     string     `json:"user_id"`
	UserName   string     `json:"user_name"`
	QRCode     string     `json:"qr_code"`
	IsUsed     bool       `json:"is_used"`
	IssuedAt   time.Time  `json:"issued_at"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}

// Attendance records a redeemed pass at the event entrance.
type Attendance struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	UserID    string    `json:"user_id"`
	PassID    string    `json:"pass_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PassStatus selects passes by redemption state.
type PassStatus string

const (
	PassAll    PassStatus = "all"
	PassUsed   PassStatus = "used"
	PassUnused PassStatus = "unused"
)

// ParsePassStatus maps a query value to a PassStatus; empty means all.
func ParsePassStatus(s string) (PassStatus, bool) {
	switch PassStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "", PassAll:
		return PassAll, true
	case PassUsed:
		return PassUsed, true
	case PassUnused:
		return PassUnused, true
	}
	return "", false
}

// PassFilter narrows a holder's pass list.
type PassFilter struct {
	Status PassStatus
	Query  string
}

// Match reports whether p passes the filter. Query is matched case-insensitively
// against the event title snapshot.
func (f PassFilter) Match(p *EPass) bool {
	switch f.Status {
	case PassUsed:
		if !p.IsUsed {
			return false
		}
	case PassUnused:
		if p.IsUsed {
			return false
		}
	}
	return ContainsFold(p.EventTitle, f.Query)
}

// EventFilter narrows the event catalog.
type EventFilter struct {
	Category string
	Query    string
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e *Event) bool {
	if f.Category != "" && !strings.EqualFold(e.Category, f.Category) {
		return false
	}
	if f.Query == "" {
		return true
	}
	return ContainsFold(e.Title, f.Query) ||
		ContainsFold(e.Description, f.Query) ||
		ContainsFold(e.Location, f.Query)
}

// ContainsFold reports whether substr is within s under Unicode case folding.
// An empty substr always matches.
func ContainsFold(s, substr string) bool {
	substr = strings.TrimSpace(substr)
	if substr == "" {
		return true
	}
	fold := cases.Fold()
	return strings.Contains(fold.String(s), fold.String(substr))
}

// CreateEventRequest is the payload for publishing a new event.
type CreateEventRequest struct {
	Title        string `json:"title" validate:"required,max=200"`
	Description  string `json:"description" validate:"max=5000"`
	Category     string `json:"category" validate:"required,max=64"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	Time         string `json:"time" validate:"required,datetime=15:04"`
	Location     string `json:"location" validate:"required,max=200"`
	MaxAttendees *int   `json:"max_attendees" validate:"omitempty,min=1,max=100000"`
}

func (r *CreateEventRequest) Bind(_ *http.Request) error {
	r.Title = strings.TrimSpace(r.Title)
	r.Category = strings.TrimSpace(r.Category)
	r.Location = strings.TrimSpace(r.Location)
	return validate.Struct(r)
}

// ProfileRequest is the payload for creating or updating the caller's profile.
type ProfileRequest struct {
	Name string   `json:"name" validate:"required,max=120"`
	Type UserType `json:"type" validate:"required,oneof=student organizer"`
}

func (r *ProfileRequest) Bind(_ *http.Request) error {
	r.Name = strings.TrimSpace(r.Name)
	return validate.Struct(r)
}

// RedeemCredentialRequest is sent by an entrance scanner after decoding a QR code.
type RedeemCredentialRequest struct {
	Token   string `json:"token" validate:"required"`
	EventID string `json:"event_id" validate:"omitempty,uuid"`
}

func (r *RedeemCredentialRequest) Bind(_ *http.Request) error {
	r.Token = strings.TrimSpace(r.Token)
	return validate.Struct(r)
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IssueResult summarises the outcome of a single issuance attempt.
// Used by the concurrent test harness.
type IssueResult struct {
	UserID string
	Pass   *EPass
	Error  error
}
