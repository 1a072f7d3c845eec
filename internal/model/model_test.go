package model

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParsePassStatus(t *testing.T) {
	tests := []struct {
		in   string
		want PassStatus
		ok   bool
	}{
		{"", PassAll, true},
		{"all", PassAll, true},
		{" Used ", PassUsed, true},
		{"UNUSED", PassUnused, true},
		{"redeemed", "", false},
	}
	for _, tt := range tests {
		got, ok := ParsePassStatus(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPassFilterPartitions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := &EPass{
			EventTitle: rapid.String().Draw(t, "title"),
			IsUsed:     rapid.Bool().Draw(t, "used"),
		}
		used := PassFilter{Status: PassUsed}.Match(p)
		unused := PassFilter{Status: PassUnused}.Match(p)
		if used == unused {
			t.Fatalf("pass matched used=%v unused=%v", used, unused)
		}
		if !(PassFilter{Status: PassAll}).Match(p) {
			t.Fatalf("all filter rejected pass")
		}
	})
}

func TestPassFilterQuery(t *testing.T) {
	p := &EPass{EventTitle: "Straße Festival", IsUsed: false}
	assert.True(t, PassFilter{Query: "STRASSE"}.Match(p))
	assert.True(t, PassFilter{Query: "  festival "}.Match(p))
	assert.False(t, PassFilter{Query: "concert"}.Match(p))
	assert.False(t, PassFilter{Status: PassUsed, Query: "festival"}.Match(p))
}

func TestEventFilter(t *testing.T) {
	e := &Event{Title: "Chess Night", Description: "Blitz rounds", Category: "Games", Location: "Library"}
	assert.True(t, EventFilter{}.Match(e))
	assert.True(t, EventFilter{Category: "games"}.Match(e))
	assert.False(t, EventFilter{Category: "music"}.Match(e))
	assert.True(t, EventFilter{Query: "blitz"}.Match(e))
	assert.True(t, EventFilter{Query: "library"}.Match(e))
	assert.False(t, EventFilter{Category: "games", Query: "jazz"}.Match(e))
}

func TestEventCapacity(t *testing.T) {
	e := &Event{Attendees: 3}
	assert.False(t, e.IsFull())
	assert.Equal(t, -1, e.Remaining())

	limit := 3
	e.MaxAttendees = &limit
	assert.True(t, e.IsFull())
	assert.Equal(t, 0, e.Remaining())
}

func TestRequestBind(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)

	limit := 0
	ev := &CreateEventRequest{Title: " Expo ", Category: "tech", Date: "2025-06-01", Time: "14:00", Location: "Hall", MaxAttendees: &limit}
	assert.Error(t, ev.Bind(r))
	limit = 50
	assert.NoError(t, ev.Bind(r))
	assert.Equal(t, "Expo", ev.Title)

	assert.Error(t, (&ProfileRequest{Name: "Lee", Type: "admin"}).Bind(r))
	assert.NoError(t, (&ProfileRequest{Name: "Lee", Type: Organizer}).Bind(r))

	assert.Error(t, (&RedeemCredentialRequest{Token: "t", EventID: "not-a-uuid"}).Bind(r))
	assert.NoError(t, (&RedeemCredentialRequest{Token: "t"}).Bind(r))
}
