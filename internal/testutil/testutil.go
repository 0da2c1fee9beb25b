// Package testutil provides common test utilities and helpers for Lockstep tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, label string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", label, expected, actual)
	}
}

// DecodeJSON decodes the recorder body into a generic map.
func DecodeJSON(t testing.TB, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustCreateEvent stores an event owned by ownerID and returns it.
func MustCreateEvent(t testing.TB, st store.EventRepo, ownerID, title string) models.Event {
	t.Helper()
	e := models.Event{OwnerID: ownerID, Title: title}
	if err := st.CreateEvent(context.Background(), &e); err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
	return e
}

// MustAddBlock stores a block for eventID and returns it.
func MustAddBlock(t testing.TB, st store.ScheduleStore, eventID, name string) models.Block {
	t.Helper()
	b := models.Block{EventID: eventID, Name: name}
	if err := st.AddBlock(context.Background(), &b); err != nil {
		t.Fatalf("failed to add block: %v", err)
	}
	return b
}

// MustAddGuest stores a pending guest and returns it.
func MustAddGuest(t testing.TB, st store.GuestDirectory, eventID, name, phone string) models.Guest {
	t.Helper()
	g := models.Guest{EventID: eventID, Name: name, Phone: phone}
	if err := st.AddGuest(context.Background(), &g); err != nil {
		t.Fatalf("failed to add guest: %v", err)
	}
	return g
}

// AssertGuestStatus fails the test if the guest's stored status differs.
func AssertGuestStatus(t testing.TB, st store.GuestDirectory, guestID string, expected models.GuestStatus) *models.Guest {
	t.Helper()
	g, err := st.GetGuest(context.Background(), guestID)
	if err != nil {
		t.Fatalf("failed to get guest %s: %v", guestID, err)
	}
	if g == nil {
		t.Fatalf("guest %s not found", guestID)
	}
	if g.Status != expected {
		t.Errorf("guest %s: expected status %q, got %q", guestID, expected, g.Status)
	}
	return g
}

// AssertNudgeCount checks how many nudge rows exist for an event.
func AssertNudgeCount(t testing.TB, st store.NudgeRepo, eventID string, expected int, label string) []models.Nudge {
	t.Helper()
	nudges, err := st.ListNudges(context.Background(), eventID)
	if err != nil {
		t.Fatalf("%s: failed to list nudges: %v", label, err)
	}
	if len(nudges) != expected {
		t.Errorf("%s: expected %d nudges, got %d", label, expected, len(nudges))
	}
	return nudges
}
