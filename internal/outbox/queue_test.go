package outbox

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/conn"
	"github.com/netzeal/chatsync/internal/store"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// mockSender records MESSAGE frames and fails on demand.
type mockSender struct {
	mu        sync.Mutex
	connected bool
	session   uint64
	sent      []wire.SendRequest
	// failFor makes sends of these contents fail with a write error.
	failFor map[string]bool
}

func (s *mockSender) Send(out wire.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return conn.ErrNotConnected
	}
	req := out.Data.(wire.SendRequest)
	if s.failFor[req.Content] {
		return errors.New("broken pipe")
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *mockSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *mockSender) Session() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// reconnect simulates a fresh CONNECTED session.
func (s *mockSender) reconnect() {
	s.mu.Lock()
	s.connected = true
	s.session++
	s.mu.Unlock()
}

func (s *mockSender) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.sent {
		out = append(out, r.Content)
	}
	return out
}

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

func newQueue(t *testing.T, s *mockSender, b *bus.Bus) (*Queue, *store.DB) {
	t.Helper()
	db := testDB(t)
	logger, _ := zap.NewDevelopment()
	return NewQueue(db, s, b, 1, 5, logger), db
}

func TestEnqueueOfflineThenConfirm(t *testing.T) {
	s := &mockSender{}
	b := bus.New()
	sentEvents, unsub := b.Subscribe(bus.KindMessageSent, 4)
	defer unsub()
	q, db := newQueue(t, s, b)

	m, err := q.Enqueue(Outgoing{ConversationID: 7, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if m.TempID == "" || m.State != store.StatePending || m.ServerID != nil {
		t.Fatalf("enqueued = %+v", m)
	}
	if len(s.contents()) != 0 {
		t.Fatal("nothing should be sent while disconnected")
	}

	s.reconnect()
	q.Flush()
	if got := s.contents(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("sent = %v", got)
	}
	if s.sent[0].TempID != m.TempID || s.sent[0].MessageType != "TEXT" {
		t.Errorf("frame = %+v", s.sent[0])
	}

	confirmed, err := q.OnConfirmation(m.TempID, 42, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.ServerID == nil || *confirmed.ServerID != 42 || confirmed.State != store.StateSent {
		t.Fatalf("confirmed = %+v", confirmed)
	}

	// A duplicate confirmation is a no-op.
	if _, err := q.OnConfirmation(m.TempID, 42, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if len(sentEvents) != 1 {
		t.Errorf("message.sent events = %d, want 1", len(sentEvents))
	}

	pending, _ := db.PendingEntries()
	if len(pending) != 0 {
		t.Errorf("pending = %d after confirmation", len(pending))
	}
}

func TestEnqueueWhileConnectedSendsImmediately(t *testing.T) {
	s := &mockSender{}
	s.reconnect()
	q, _ := newQueue(t, s, nil)
	q.Flush()

	if _, err := q.Enqueue(Outgoing{ConversationID: 7, Content: "now"}); err != nil {
		t.Fatal(err)
	}
	if got := s.contents(); len(got) != 1 {
		t.Fatalf("sent = %v, want one immediate send", got)
	}

	// The CONNECTED flush of the same session does not resend it.
	q.Flush()
	if got := s.contents(); len(got) != 1 {
		t.Errorf("sent = %v after flush in same session", got)
	}

	// A new session resends whatever is still unconfirmed.
	s.reconnect()
	q.Flush()
	if got := s.contents(); len(got) != 2 {
		t.Errorf("sent = %v after reconnect flush", got)
	}
}

func TestFlushIsFIFO(t *testing.T) {
	s := &mockSender{}
	q, _ := newQueue(t, s, nil)

	for _, c := range []string{"A", "B", "C"} {
		if _, err := q.Enqueue(Outgoing{ConversationID: 7, Content: c}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	s.reconnect()
	q.Flush()
	got := s.contents()
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("order = %v, want [A B C]", got)
	}
}

func TestEnqueueBeforeFlushKeepsFIFO(t *testing.T) {
	s := &mockSender{}
	q, _ := newQueue(t, s, nil)

	for _, c := range []string{"A", "B"} {
		if _, err := q.Enqueue(Outgoing{ConversationID: 7, Content: c}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// CONNECTED is visible before the CONNECTED flush runs.
	s.reconnect()
	if _, err := q.Enqueue(Outgoing{ConversationID: 7, Content: "C"}); err != nil {
		t.Fatal(err)
	}
	if got := s.contents(); len(got) != 0 {
		t.Fatalf("sent = %v before the flush, want nothing", got)
	}

	q.Flush()
	got := s.contents()
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Errorf("order = %v, want [A B C]", got)
	}

	// Once the session is flushed, new messages go out immediately.
	if _, err := q.Enqueue(Outgoing{ConversationID: 7, Content: "D"}); err != nil {
		t.Fatal(err)
	}
	if got := s.contents(); len(got) != 4 || got[3] != "D" {
		t.Errorf("sent = %v, want D sent immediately", got)
	}
}

func TestFailedHeadDoesNotBlockFlush(t *testing.T) {
	s := &mockSender{failFor: map[string]bool{"A": true}}
	q, db := newQueue(t, s, nil)

	a, _ := q.Enqueue(Outgoing{ConversationID: 7, Content: "A"})
	time.Sleep(2 * time.Millisecond)
	_, _ = q.Enqueue(Outgoing{ConversationID: 7, Content: "B"})

	s.reconnect()
	q.Flush()
	if got := s.contents(); len(got) != 1 || got[0] != "B" {
		t.Errorf("sent = %v, want [B]", got)
	}

	e, err := db.PendingEntry(a.TempID)
	if err != nil {
		t.Fatal(err)
	}
	if e.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", e.RetryCount)
	}
	m, _ := db.MessageByTempID(a.TempID)
	if m.State != store.StatePending {
		t.Errorf("state = %s, want PENDING", m.State)
	}
}

func TestRetryCeilingEvicts(t *testing.T) {
	s := &mockSender{failFor: map[string]bool{"doomed": true}}
	b := bus.New()
	failed, unsub := b.Subscribe(bus.KindMessageFailed, 4)
	defer unsub()
	q, db := newQueue(t, s, b)

	m, _ := q.Enqueue(Outgoing{ConversationID: 7, Content: "doomed"})
	for i := 0; i < 5; i++ {
		s.reconnect()
		q.Flush()
	}

	if _, err := db.PendingEntry(m.TempID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("entry should be evicted, err = %v", err)
	}
	got, _ := db.MessageByTempID(m.TempID)
	if got.State != store.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}

	select {
	case evt := <-failed:
		f := evt.Payload.(Failure)
		if f.TempID != m.TempID || f.ConversationID != 7 || !errors.Is(f.Err, ErrPermanentSendFailure) {
			t.Errorf("failure = %+v", f)
		}
	default:
		t.Fatal("expected message.failed")
	}

	// Never resubmitted afterwards.
	delete(s.failFor, "doomed")
	s.reconnect()
	q.Flush()
	if len(s.contents()) != 0 {
		t.Errorf("evicted message was resent: %v", s.contents())
	}
}

func TestFlushEvictsEntryAtCeiling(t *testing.T) {
	s := &mockSender{}
	q, db := newQueue(t, s, nil)
	m, _ := q.Enqueue(Outgoing{ConversationID: 7, Content: "old"})
	if _, err := db.Exec(`UPDATE pending_messages SET retry_count = 5 WHERE temp_id = ?`, m.TempID); err != nil {
		t.Fatal(err)
	}

	s.reconnect()
	q.Flush()
	if len(s.contents()) != 0 {
		t.Errorf("entry at the ceiling was sent: %v", s.contents())
	}
	got, _ := db.MessageByTempID(m.TempID)
	if got.State != store.StateFailed {
		t.Errorf("state = %s, want FAILED", got.State)
	}
}

func TestManualRetry(t *testing.T) {
	s := &mockSender{failFor: map[string]bool{"flaky": true}}
	q, db := newQueue(t, s, nil)
	m, _ := q.Enqueue(Outgoing{ConversationID: 7, Content: "flaky"})
	for i := 0; i < 5; i++ {
		s.reconnect()
		q.Flush()
	}

	delete(s.failFor, "flaky")
	retried, err := q.Retry(m.TempID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.State != store.StatePending {
		t.Errorf("state = %s, want PENDING", retried.State)
	}
	if got := s.contents(); len(got) != 1 || got[0] != "flaky" {
		t.Errorf("sent = %v", got)
	}
	e, err := db.PendingEntry(m.TempID)
	if err != nil {
		t.Fatal(err)
	}
	if e.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", e.RetryCount)
	}

	if _, err := q.Retry(m.TempID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("retry of a pending message: err = %v", err)
	}
}

func TestPayloadCarriesReplyAndMedia(t *testing.T) {
	s := &mockSender{}
	q, db := newQueue(t, s, nil)
	reply := int64(3)
	m, err := q.Enqueue(Outgoing{ConversationID: 7, Content: "look", Type: store.TypeImage, MediaURL: "https://cdn/x.png", ReplyToID: &reply})
	if err != nil {
		t.Fatal(err)
	}

	e, err := db.PendingEntry(m.TempID)
	if err != nil {
		t.Fatal(err)
	}
	var req wire.SendRequest
	if err := json.Unmarshal([]byte(e.Payload), &req); err != nil {
		t.Fatal(err)
	}
	if req.MessageType != "IMAGE" || req.MediaURL != "https://cdn/x.png" || req.ReplyToID == nil || *req.ReplyToID != 3 || req.TempID != m.TempID {
		t.Errorf("payload = %+v", req)
	}
}
