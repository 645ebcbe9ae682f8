package sync

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

const self = int64(1)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type recordingSender struct {
	mu   stdsync.Mutex
	sent []wire.SyncRequest
}

func (s *recordingSender) Send(out wire.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := out.Data.(wire.SyncRequest); ok {
		s.sent = append(s.sent, req)
	}
	return nil
}

type staticRooms []int64

func (r staticRooms) Rooms() []int64 { return r }

func payload(id, conv, sender int64, content, createdAt string) wire.MessagePayload {
	return wire.MessagePayload{ID: id, ConversationID: conv, SenderID: sender, Content: content, CreatedAt: createdAt}
}

func TestEngineIngestMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, self, nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	m, err := e.IngestMessage(payload(5, 7, 2, "hello", "2024-01-01T12:00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("first ingest should add the message")
	}
	if !m.ReceiptPending {
		t.Error("a message from someone else should await a read receipt")
	}
	if want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC); !m.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", m.CreatedAt, want)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageUpserted {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted event")
	}

	dup, err := e.IngestMessage(payload(5, 7, 2, "hello", "2024-01-01T12:00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if dup != nil {
		t.Error("duplicate NEW_MESSAGE should not add a row")
	}
	if len(ch) != 0 {
		t.Error("duplicate should not publish")
	}
}

func TestOwnMessageNotReceiptEligible(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, self, nil)

	m, err := e.IngestMessage(payload(6, 7, self, "mine", "2024-01-01T12:00:00"))
	if err != nil {
		t.Fatal(err)
	}
	if m.ReceiptPending {
		t.Error("own message should not await a receipt")
	}
}

func TestToMessageKinds(t *testing.T) {
	p := payload(1, 7, 2, "", "")
	p.Type = "IMAGE"
	p.MediaURL = "https://cdn/x.png"
	m := ToMessage(p, self)
	if m.Type != store.TypeImage || m.MediaURL != "https://cdn/x.png" {
		t.Errorf("message = %+v", m)
	}
	if !m.CreatedAt.IsZero() {
		t.Errorf("unparseable time should stay zero, got %v", m.CreatedAt)
	}

	p.Type = "STICKER"
	if got := ToMessage(p, self).Type; got != store.TypeText {
		t.Errorf("unknown kind maps to %s, want TEXT", got)
	}
}

func TestApplySyncResponseIdempotent(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	merged, unsub := b.Subscribe(bus.KindSyncMerged, 4)
	defer unsub()

	e := NewEngine(db, b, self, zap.NewNop())
	s := &recordingSender{}
	r := NewReconciler(db, e, s, nil, b, zap.NewNop())

	var resp wire.SyncResponse
	raw := `{"conversation_id":7,"messages":[
		{"id":12,"conversation_id":7,"sender_id":2,"content":"second","created_at":"2024-01-01T12:00:02"},
		{"id":11,"conversation_id":7,"sender_id":2,"content":"first","created_at":"2024-01-01T12:00:01"}
	]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}

	added, err := r.ApplySyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 2 || added[0].Content != "first" || added[1].Content != "second" {
		t.Fatalf("added = %+v, want [first second]", added)
	}
	before, _ := db.CachedMessages(7, 50)

	added, err = r.ApplySyncResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 0 {
		t.Errorf("replay added %d", len(added))
	}
	after, _ := db.CachedMessages(7, 50)
	if len(before) != len(after) {
		t.Fatalf("replay changed row count %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("row %d reordered", i)
		}
	}

	if len(merged) != 1 {
		t.Errorf("sync.merged events = %d, want 1", len(merged))
	}
	last, err := r.LastSync()
	if err != nil {
		t.Fatal(err)
	}
	if last.IsZero() {
		t.Error("merge checkpoint not recorded")
	}
	if len(s.sent) != 0 {
		t.Errorf("short page triggered follow-up requests %+v", s.sent)
	}
}

func TestReconcileRequestsFromLastKnownID(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, self, nil)
	s := &recordingSender{}
	r := NewReconciler(db, e, s, staticRooms{12, 7}, nil, nil)

	if _, err := e.IngestBatch(7, []wire.MessagePayload{
		payload(40, 7, 2, "a", "2024-01-01T12:00:00"),
		payload(41, 7, 2, "b", "2024-01-01T12:00:01"),
	}); err != nil {
		t.Fatal(err)
	}

	r.Reconcile()

	if len(s.sent) != 2 {
		t.Fatalf("requests = %+v, want 2", s.sent)
	}
	if s.sent[0].ConversationID != 7 || s.sent[0].LastMessageID == nil || *s.sent[0].LastMessageID != 41 {
		t.Errorf("request[0] = %+v, want conversation 7 after 41", s.sent[0])
	}
	if s.sent[1].ConversationID != 12 || s.sent[1].LastMessageID != nil {
		t.Errorf("request[1] = %+v, want conversation 12 from the start", s.sent[1])
	}

	v, err := db.Checkpoint(KeyLastRequest)
	if err != nil {
		t.Fatal(err)
	}
	if v == "" {
		t.Error("last request checkpoint not recorded")
	}
}

func syncPage(conv, first, n int64) wire.SyncResponse {
	resp := wire.SyncResponse{ConversationID: conv}
	for id := first; id < first+n; id++ {
		at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second)
		resp.Messages = append(resp.Messages, payload(id, conv, 2, fmt.Sprint("m", id), at.Format("2006-01-02T15:04:05")))
	}
	return resp
}

func TestSyncResponsePagesUntilShort(t *testing.T) {
	db := testDB(t)
	s := &recordingSender{}
	r := NewReconciler(db, NewEngine(db, nil, self, nil), s, nil, nil, nil)

	if _, err := r.ApplySyncResponse(syncPage(7, 1, 50)); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 1 || *s.sent[0].LastMessageID != 50 {
		t.Fatalf("after first page requests = %+v, want one after 50", s.sent)
	}

	if _, err := r.ApplySyncResponse(syncPage(7, 51, 50)); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 2 || *s.sent[1].LastMessageID != 100 {
		t.Fatalf("after second page requests = %+v, want one after 100", s.sent)
	}

	// A replayed full page adds nothing and must not loop.
	if _, err := r.ApplySyncResponse(syncPage(7, 51, 50)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ApplySyncResponse(wire.SyncResponse{ConversationID: 7}); err != nil {
		t.Fatal(err)
	}
	if len(s.sent) != 2 {
		t.Errorf("requests = %d, want 2", len(s.sent))
	}

	msgs, _ := db.CachedMessages(7, 200)
	if len(msgs) != 100 {
		t.Errorf("cached %d messages, want 100", len(msgs))
	}
}

func TestMergeHistoryDoesNotPage(t *testing.T) {
	db := testDB(t)
	s := &recordingSender{}
	r := NewReconciler(db, NewEngine(db, nil, self, nil), s, nil, nil, nil)

	added, err := r.MergeHistory(7, syncPage(7, 1, 50).Messages)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 50 || len(s.sent) != 0 {
		t.Errorf("added %d, requests %d; want 50 and 0", len(added), len(s.sent))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 2); got != "hé" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("hi", 10); got != "hi" {
		t.Errorf("truncate = %q", got)
	}
}
