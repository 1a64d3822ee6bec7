// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
)

const botUserID = "@relay:example.org"

// fakeHomeserver implements the handful of client-server API endpoints the
// relay calls.
type fakeHomeserver struct {
	mu       sync.Mutex
	nextID   int
	events   map[string]map[string]any
	redacted map[string]bool
	names    map[string]string
	forbid   bool
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	hs := &fakeHomeserver{
		events:   make(map[string]map[string]any),
		redacted: make(map[string]bool),
		names:    map[string]string{"!room:example.org": "General"},
	}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	return hs, srv
}

func (hs *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/")
	parts := strings.Split(path, "/")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case path == "account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": botUserID})
	case parts[0] == "profile" && len(parts) == 2:
		if parts[1] == "@ghost:example.org" {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayname": "Bob Builder", "avatar_url": "mxc://example.org/bob"})
	case parts[0] == "rooms" && len(parts) >= 4 && parts[2] == "send":
		if hs.forbid {
			writeError(w, http.StatusForbidden, "M_FORBIDDEN")
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON")
			return
		}
		hs.nextID++
		eventID := fmt.Sprintf("$ev%d", hs.nextID)
		hs.events[eventID] = body
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})
	case parts[0] == "rooms" && len(parts) >= 4 && parts[2] == "redact":
		target := parts[3]
		if _, ok := hs.events[target]; !ok {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		hs.redacted[target] = true
		hs.nextID++
		writeJSON(w, http.StatusOK, map[string]string{"event_id": fmt.Sprintf("$red%d", hs.nextID)})
	case parts[0] == "rooms" && len(parts) >= 4 && parts[2] == "state" && parts[3] == "m.room.name":
		name, ok := hs.names[parts[1]]
		if !ok {
			writeError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name})
	default:
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED")
	}
}

func (hs *fakeHomeserver) event(eventID string) map[string]any {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.events[eventID]
}

func (hs *fakeHomeserver) isRedacted(eventID string) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.redacted[eventID]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": code})
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(Config{HomeserverURL: url, UserID: botUserID, AccessToken: "token"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

// recordingSink captures what the listener hands to the engine.
type recordingSink struct {
	mu       sync.Mutex
	messages []*relay.NativeMessage
	edits    []*relay.NativeEdit
	deletes  []*relay.NativeDelete
}

func (s *recordingSink) HandleMessage(_ context.Context, msg *relay.NativeMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) HandleEdit(_ context.Context, edit *relay.NativeEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, edit)
}

func (s *recordingSink) HandleDelete(_ context.Context, del *relay.NativeDelete) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, del)
}
