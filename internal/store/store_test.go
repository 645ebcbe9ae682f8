package store

import (
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func id(n int64) *int64 { return &n }

func outgoing(t *testing.T, db *DB, tempID string, conv int64, content string, at time.Time) *Message {
	t.Helper()
	m := &Message{TempID: tempID, ConversationID: conv, SenderID: 1, Content: content, Type: TypeText, CreatedAt: at}
	if err := db.InsertOutgoing(m, `{"temp_id":"`+tempID+`"}`); err != nil {
		t.Fatal(err)
	}
	return m
}

func serverMsg(serverID, conv, sender int64, content string, at time.Time) Message {
	return Message{ServerID: id(serverID), ConversationID: conv, SenderID: sender, Content: content, Type: TypeText, CreatedAt: at}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInsertOutgoingCreatesPendingEntry(t *testing.T) {
	db := testDB(t)
	base := time.UnixMilli(1_700_000_000_000)

	m := outgoing(t, db, "t-1", 7, "hi", base)
	if m.State != StatePending || m.ServerID != nil {
		t.Fatalf("state = %s, server_id = %v; want PENDING without server id", m.State, m.ServerID)
	}

	entries, err := db.PendingEntries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TempID != "t-1" || entries[0].RetryCount != 0 {
		t.Fatalf("entries = %+v", entries)
	}

	if err := db.InsertOutgoing(&Message{TempID: "t-1", ConversationID: 7}, "{}"); err == nil {
		t.Error("reusing a temp_id should fail")
	}
}

func TestConfirmPendingAtMostOnce(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))

	serverTime := time.UnixMilli(5000)
	m, changed, err := db.ConfirmPending("t-1", 42, serverTime)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("first confirmation should change the message")
	}
	if m.ServerID == nil || *m.ServerID != 42 || m.State != StateSent {
		t.Fatalf("confirmed = %+v", m)
	}
	if !m.CreatedAt.Equal(serverTime) {
		t.Errorf("created_at = %v, want server time %v", m.CreatedAt, serverTime)
	}

	m, changed, err = db.ConfirmPending("t-1", 43, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("duplicate confirmation should be a no-op")
	}
	if *m.ServerID != 42 {
		t.Errorf("server_id = %d after duplicate, want 42", *m.ServerID)
	}

	entries, _ := db.PendingEntries()
	if len(entries) != 0 {
		t.Errorf("pending entries = %d, want 0", len(entries))
	}
}

func TestConfirmUnknownTempID(t *testing.T) {
	db := testDB(t)
	m, changed, err := db.ConfirmPending("nope", 1, time.Time{})
	if err != nil || changed || m != nil {
		t.Fatalf("got (%v, %v, %v), want (nil, false, nil)", m, changed, err)
	}
}

func TestConfirmFoldsEarlierEcho(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))

	// The server broadcast reaches us before MESSAGE_SENT and carries no temp id.
	if _, err := db.MergeServerMessages([]Message{serverMsg(42, 7, 1, "hi", time.UnixMilli(2000))}); err != nil {
		t.Fatal(err)
	}

	m, changed, err := db.ConfirmPending("t-1", 42, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("confirmation should apply")
	}
	if !m.CreatedAt.Equal(time.UnixMilli(2000)) {
		t.Errorf("created_at = %v, want echo time", m.CreatedAt)
	}

	msgs, err := db.CachedMessages(7, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].TempID != "t-1" || *msgs[0].ServerID != 42 {
		t.Errorf("kept = %+v", msgs[0])
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	db := testDB(t)
	batch := []Message{
		serverMsg(3, 7, 2, "c", time.UnixMilli(3000)),
		serverMsg(1, 7, 2, "a", time.UnixMilli(1000)),
		serverMsg(2, 7, 2, "b", time.UnixMilli(2000)),
	}

	added, err := db.MergeServerMessages(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 3 {
		t.Fatalf("added = %d, want 3", len(added))
	}
	for i, want := range []string{"a", "b", "c"} {
		if added[i].Content != want {
			t.Errorf("added[%d] = %q, want %q", i, added[i].Content, want)
		}
	}

	first, _ := db.CachedMessages(7, 50)

	added, err = db.MergeServerMessages(batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 0 {
		t.Errorf("replay added %d, want 0", len(added))
	}

	second, _ := db.CachedMessages(7, 50)
	if len(first) != len(second) {
		t.Fatalf("len %d != %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Content != second[i].Content {
			t.Errorf("row %d changed: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestMergeWithTempIDConfirmsLocal(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))

	m := serverMsg(42, 7, 1, "hi", time.UnixMilli(1500))
	m.TempID = "t-1"
	added, err := db.MergeServerMessages([]Message{m})
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 0 {
		t.Errorf("added = %d, want 0", len(added))
	}

	got, err := db.MessageByTempID("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerID == nil || *got.ServerID != 42 || got.State != StateSent {
		t.Errorf("got %+v", got)
	}
	entries, _ := db.PendingEntries()
	if len(entries) != 0 {
		t.Errorf("pending entries = %d, want 0", len(entries))
	}
}

func TestMergeRejectsMissingServerID(t *testing.T) {
	db := testDB(t)
	if _, err := db.MergeServerMessages([]Message{{ConversationID: 7}}); err == nil {
		t.Error("expected error for message without server id")
	}
}

func TestCachedMessagesReturnsMostRecentAscending(t *testing.T) {
	db := testDB(t)
	var batch []Message
	for i := int64(1); i <= 10; i++ {
		batch = append(batch, serverMsg(i, 7, 2, "m", time.UnixMilli(i*1000)))
	}
	batch = append(batch, serverMsg(99, 8, 2, "other", time.UnixMilli(500)))
	if _, err := db.MergeServerMessages(batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.CachedMessages(7, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, want := range []int64{8, 9, 10} {
		if *msgs[i].ServerID != want {
			t.Errorf("msgs[%d] = %d, want %d", i, *msgs[i].ServerID, want)
		}
	}
}

func TestRetryCounterAndEviction(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))

	for want := 1; want <= 3; want++ {
		n, err := db.IncrementRetry("t-1")
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("retry_count = %d, want %d", n, want)
		}
	}

	if err := db.EvictPending("t-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.PendingEntry("t-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PendingEntry after evict: err = %v, want ErrNotFound", err)
	}
	m, _ := db.MessageByTempID("t-1")
	if m.State != StateFailed {
		t.Errorf("state = %s, want FAILED", m.State)
	}

	if _, err := db.IncrementRetry("t-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementRetry after evict: err = %v, want ErrNotFound", err)
	}
}

func TestRequeueFailed(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))

	if _, err := db.RequeueFailed("t-1", "{}"); !errors.Is(err, ErrNotFound) {
		t.Errorf("requeue of a pending message: err = %v, want ErrNotFound", err)
	}

	if err := db.EvictPending("t-1"); err != nil {
		t.Fatal(err)
	}
	m, err := db.RequeueFailed("t-1", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if m.State != StatePending {
		t.Errorf("state = %s, want PENDING", m.State)
	}
	e, err := db.PendingEntry("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if e.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", e.RetryCount)
	}
}

func TestPendingEntriesFIFO(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "b", 7, "B", time.UnixMilli(2000))
	outgoing(t, db, "a", 8, "A", time.UnixMilli(1000))
	outgoing(t, db, "c", 7, "C", time.UnixMilli(3000))

	entries, err := db.PendingEntries()
	if err != nil {
		t.Fatal(err)
	}
	var got string
	for _, e := range entries {
		got += e.TempID
	}
	if got != "abc" {
		t.Errorf("order = %q, want abc", got)
	}
}

func TestReadReceipts(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))
	if _, _, err := db.ConfirmPending("t-1", 42, time.Time{}); err != nil {
		t.Fatal(err)
	}

	added, err := db.ApplyReadReceipt(42, 2, time.UnixMilli(5000))
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("first receipt should be new")
	}
	added, _ = db.ApplyReadReceipt(42, 2, time.UnixMilli(6000))
	if added {
		t.Error("duplicate receipt should not be new")
	}
	if _, err := db.ApplyReadReceipt(42, 3, time.UnixMilli(7000)); err != nil {
		t.Fatal(err)
	}

	m, err := db.MessageByTempID("t-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.State != StateRead {
		t.Errorf("state = %s, want READ", m.State)
	}
	if len(m.ReadBy) != 2 || m.ReadBy[0] != 2 || m.ReadBy[1] != 3 {
		t.Errorf("read_by = %v, want [2 3]", m.ReadBy)
	}

	// READ never regresses.
	if err := db.AdvanceState(42, StateDelivered); err != nil {
		t.Fatal(err)
	}
	m, _ = db.MessageByTempID("t-1")
	if m.State != StateRead {
		t.Errorf("state after AdvanceState(DELIVERED) = %s, want READ", m.State)
	}
}

func TestReceiptPending(t *testing.T) {
	db := testDB(t)
	in := serverMsg(5, 7, 2, "yo", time.UnixMilli(1000))
	in.ReceiptPending = true
	if _, err := db.MergeServerMessages([]Message{in}); err != nil {
		t.Fatal(err)
	}

	ids, err := db.ReceiptPending(7)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("receipt pending = %v, want [5]", ids)
	}
	if err := db.ClearReceiptPending(5); err != nil {
		t.Fatal(err)
	}
	ids, _ = db.ReceiptPending(7)
	if len(ids) != 0 {
		t.Errorf("receipt pending after clear = %v", ids)
	}
}

func TestLastServerIDAndConversationIDs(t *testing.T) {
	db := testDB(t)

	last, err := db.LastServerID(7)
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Errorf("empty conversation last id = %d, want nil", *last)
	}

	if _, err := db.MergeServerMessages([]Message{
		serverMsg(4, 7, 2, "a", time.UnixMilli(1000)),
		serverMsg(9, 7, 2, "b", time.UnixMilli(500)),
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveConversations([]Conversation{{ID: 12, Title: "group"}}, time.Now()); err != nil {
		t.Fatal(err)
	}

	last, _ = db.LastServerID(7)
	if last == nil || *last != 9 {
		t.Errorf("last server id = %v, want 9", last)
	}

	ids, err := db.ConversationIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 12 {
		t.Errorf("conversation ids = %v, want [7 12]", ids)
	}
}

func TestSaveConversationsReplacesSet(t *testing.T) {
	db := testDB(t)
	first := time.UnixMilli(1_700_000_000_000)
	if err := db.SaveConversations([]Conversation{{ID: 7}, {ID: 9}}, first); err != nil {
		t.Fatal(err)
	}

	// 9 is gone from the server list; it must not keep its old cached_at.
	second := first.Add(6 * time.Minute)
	if err := db.SaveConversations([]Conversation{{ID: 7}}, second); err != nil {
		t.Fatal(err)
	}
	convs, err := db.FreshConversations(second.Add(time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != 7 {
		t.Fatalf("fresh = %+v, want only conversation 7", convs)
	}

	if err := db.SaveConversations(nil, second); err != nil {
		t.Fatal(err)
	}
	convs, _ = db.FreshConversations(second, 5*time.Minute)
	if len(convs) != 0 {
		t.Errorf("empty save left %d conversations", len(convs))
	}
}

func TestConversationTTL(t *testing.T) {
	db := testDB(t)
	cachedAt := time.UnixMilli(1_700_000_000_000)
	if err := db.SaveConversations([]Conversation{
		{ID: 1, Type: "GROUP", Title: "team", UnreadCount: 3},
		{ID: 2, Title: "bob"},
	}, cachedAt); err != nil {
		t.Fatal(err)
	}

	convs, err := db.FreshConversations(cachedAt.Add(4*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("fresh = %d, want 2", len(convs))
	}

	convs, err = db.FreshConversations(cachedAt.Add(6*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if convs != nil {
		t.Errorf("stale read returned %d conversations, want nil", len(convs))
	}

	c, err := db.FreshConversation(1, cachedAt.Add(time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Type != "GROUP" || c.UnreadCount != 3 {
		t.Errorf("conversation = %+v", c)
	}
	c, _ = db.FreshConversation(2, cachedAt.Add(10*time.Minute), 5*time.Minute)
	if c != nil {
		t.Error("stale conversation should be a miss")
	}
	c, _ = db.FreshConversation(99, cachedAt, 5*time.Minute)
	if c != nil {
		t.Error("missing conversation should be a miss")
	}
}

func TestDrafts(t *testing.T) {
	db := testDB(t)

	if err := db.SaveDraft(7, "hel"); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDraft(7, "hello"); err != nil {
		t.Fatal(err)
	}
	d, err := db.GetDraft(7)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Content != "hello" {
		t.Fatalf("draft = %+v", d)
	}

	if err := db.ClearDraft(7); err != nil {
		t.Fatal(err)
	}
	d, _ = db.GetDraft(7)
	if d != nil {
		t.Errorf("draft after clear = %+v", d)
	}
}

func TestClearAll(t *testing.T) {
	db := testDB(t)
	outgoing(t, db, "t-1", 7, "hi", time.UnixMilli(1000))
	_ = db.SaveDraft(7, "x")
	_ = db.SaveConversations([]Conversation{{ID: 7}}, time.Now())

	if err := db.ClearAll(); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"messages", "pending_messages", "conversations", "drafts"} {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after ClearAll", table, n)
		}
	}
}

func TestTouchConversation(t *testing.T) {
	db := testDB(t)
	cachedAt := time.UnixMilli(1_000_000)
	if err := db.SaveConversations([]Conversation{{ID: 7, LastMessage: "old", LastMessageAt: time.UnixMilli(5000)}}, cachedAt); err != nil {
		t.Fatal(err)
	}

	if err := db.TouchConversation(7, "stale", time.UnixMilli(4000), true); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchConversation(7, "new", time.UnixMilli(6000), true); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchConversation(99, "nobody", time.UnixMilli(6000), true); err != nil {
		t.Fatal(err)
	}

	c, err := db.FreshConversation(7, cachedAt, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage != "new" || c.UnreadCount != 1 {
		t.Errorf("conversation = %+v", c)
	}
	if !c.CachedAt.Equal(cachedAt) {
		t.Errorf("cached_at moved to %v", c.CachedAt)
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)

	v, err := db.Checkpoint("missing")
	if err != nil || v != "" {
		t.Fatalf("missing checkpoint = (%q, %v)", v, err)
	}
	if err := db.SetCheckpoint("k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("k", "2"); err != nil {
		t.Fatal(err)
	}
	if v, _ = db.Checkpoint("k"); v != "2" {
		t.Errorf("checkpoint = %q, want 2", v)
	}
}

// Checkpoint writes share the write lock with message batches, so neither
// fails with a busy database when they race.
func TestCheckpointWritesAlongsideBatches(t *testing.T) {
	db := testDB(t)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- db.SetCheckpoint("last_sync_merge", strconv.Itoa(i))
		}()
		go func() {
			defer wg.Done()
			_, err := db.MergeServerMessages([]Message{serverMsg(int64(1000+i), 7, 2, "m", time.UnixMilli(int64(i)))})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := db.Checkpoint("last_sync_merge"); v == "" {
		t.Error("checkpoint not recorded")
	}
}
