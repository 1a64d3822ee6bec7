// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/feed"
	"github.com/aiku/mattermost-matrix-relay/pkg/relayfmt"
)

// fakeClient records what the dispatcher does to one platform.
type fakeClient struct {
	platform database.Platform
	prefix   string

	mu       sync.Mutex
	next     int
	messages map[string]*fakeMessage
	order    []string
	sends    int
	edits    int
	deletes  int
	failSend error
	failEdit error
}

type fakeMessage struct {
	ChatID  string
	Content *relayfmt.Rendered
	Deleted bool
}

func newFakeClient(platform database.Platform, prefix string) *fakeClient {
	return &fakeClient{platform: platform, prefix: prefix, messages: map[string]*fakeMessage{}}
}

func (f *fakeClient) Platform() database.Platform { return f.platform }

func (f *fakeClient) SendMessage(_ context.Context, chatID string, content *relayfmt.Rendered) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return "", f.failSend
	}
	f.next++
	id := f.prefix + strconv.Itoa(f.next)
	f.messages[id] = &fakeMessage{ChatID: chatID, Content: content}
	f.order = append(f.order, id)
	f.sends++
	return id, nil
}

func (f *fakeClient) EditMessage(_ context.Context, chatID, messageID string, content *relayfmt.Rendered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdit != nil {
		return f.failEdit
	}
	msg, ok := f.messages[messageID]
	if !ok || msg.Deleted || msg.ChatID != chatID {
		return fmt.Errorf("edit %s: %w", messageID, ErrMessageNotFound)
	}
	msg.Content = content
	f.edits++
	return nil
}

func (f *fakeClient) DeleteMessage(_ context.Context, chatID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok || msg.Deleted || msg.ChatID != chatID {
		return fmt.Errorf("delete %s: %w", messageID, ErrMessageNotFound)
	}
	msg.Deleted = true
	f.deletes++
	return nil
}

func (f *fakeClient) FetchChannel(_ context.Context, chatID string) (*ChatInfo, error) {
	return &ChatInfo{ID: chatID, Name: "chat " + chatID}, nil
}

func (f *fakeClient) get(id string) *fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id]
}

func (f *fakeClient) counts() (sends, edits, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends, f.edits, f.deletes
}

func openTestDB(t *testing.T) *database.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := database.Open(context.Background(), database.Config{
		Type: "sqlite3",
		URI:  "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on",
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type harness struct {
	db         *database.Database
	mattermost *fakeClient
	matrix     *fakeClient
	ingestor   *Ingestor
	dispatcher *Dispatcher
	engine     *Engine
	pool       *WorkerPool
}

// newHarness builds an engine over a fresh database with channel "c" bound to
// Mattermost channel "100" and Matrix room "200".
func newHarness(t *testing.T, direction database.Direction) *harness {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, db.Channel.Upsert(context.Background(), &database.Channel{
		ID:                  "c",
		MattermostChannelID: "100",
		MatrixRoomID:        "200",
		Direction:           direction,
		Name:                "general",
	}))
	h := &harness{
		db:         db,
		mattermost: newFakeClient(database.PlatformMattermost, "a"),
		matrix:     newFakeClient(database.PlatformMatrix, "b"),
	}
	log := zerolog.Nop()
	resolver := NewResolver(db.Channel)
	h.ingestor = NewIngestor(resolver, NewReconciler(db.User, log), db.Message, log)
	h.dispatcher = NewDispatcher(resolver, db.User, db.Message, db.Mapping, nil, log, h.mattermost, h.matrix)
	h.pool = NewWorkerPool(4, 10*time.Second, log)
	h.engine = NewEngine(h.ingestor, h.dispatcher, feed.NewMemoryBus(16, 3, time.Millisecond, log), h.pool, log)
	return h
}

// drain feeds every unpublished outbox change to the engine, the way the
// pump and bus would, and returns the delivered changes.
func (h *harness) drain(t *testing.T) []*feed.Change {
	t.Helper()
	ctx := context.Background()
	var delivered []*feed.Change
	for {
		rows, err := h.db.Change.GetUnpublished(ctx, 0, 100)
		require.NoError(t, err)
		if len(rows) == 0 {
			return delivered
		}
		for _, row := range rows {
			change := feed.FromOutbox(row)
			require.NoError(t, h.engine.HandleChange(ctx, change))
			require.NoError(t, h.db.Change.MarkPublished(ctx, row.Seq, time.Now()))
			delivered = append(delivered, change)
		}
	}
}

func mattermostMessage(id, content string) *NativeMessage {
	return &NativeMessage{
		Platform:   database.PlatformMattermost,
		ChatID:     "100",
		MessageID:  id,
		AuthorID:   "u1",
		AuthorName: "alice",
		Content:    content,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func matrixMessage(id, content string) *NativeMessage {
	return &NativeMessage{
		Platform:   database.PlatformMatrix,
		ChatID:     "200",
		MessageID:  id,
		AuthorID:   "@bob:example.org",
		AuthorName: "bob",
		Content:    content,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
