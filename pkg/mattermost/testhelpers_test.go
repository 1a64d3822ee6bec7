// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and keeps created posts in memory.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	next  int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Posts maps post ID to posts created through the API.
	Posts map[string]*model.Post
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) Post(id string) *model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Posts[id]
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeNotFound(w http.ResponseWriter, what string) {
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": what + " not found", "status_code": http.StatusNotFound})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	// GET /api/v4/users/me
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		writeNotFound(w, "user")

	// GET /api/v4/users/{user_id}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		if u, ok := f.Users[path[len("/api/v4/users/"):]]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		writeNotFound(w, "user")

	// GET /api/v4/channels/{channel_id}
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		if ch, ok := f.Channels[path[len("/api/v4/channels/"):]]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		writeNotFound(w, "channel")

	// POST /api/v4/posts
	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.next++
		post.Id = "post-" + strconv.Itoa(f.next)
		f.Posts[post.Id] = &post
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == http.MethodPut && strings.HasPrefix(path, "/api/v4/posts/") && strings.HasSuffix(path, "/patch"):
		id := strings.TrimSuffix(path[len("/api/v4/posts/"):], "/patch")
		post, ok := f.Posts[id]
		if !ok || post.DeleteAt > 0 {
			writeNotFound(w, "post")
			return
		}
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		if patch.Message != nil {
			post.Message = *patch.Message
		}
		_ = json.NewEncoder(w).Encode(post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/api/v4/posts/"):
		post, ok := f.Posts[path[len("/api/v4/posts/"):]]
		if !ok || post.DeleteAt > 0 {
			writeNotFound(w, "post")
			return
		}
		post.DeleteAt = 1
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		writeNotFound(w, path)
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postData(post *model.Post, senderName string) map[string]any {
	raw, _ := json.Marshal(post)
	data := map[string]any{"post": string(raw)}
	if senderName != "" {
		data["sender_name"] = senderName
	}
	return data
}

// newTestClient creates a Client for the fake server, authenticated as
// my-user-id.
func newTestClient(serverURL string) *Client {
	c := NewClient(Config{ServerURL: serverURL, Token: "test-token"}, zerolog.Nop())
	c.userID = "my-user-id"
	return c
}

// recordingSink captures the native events a listener emits.
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
