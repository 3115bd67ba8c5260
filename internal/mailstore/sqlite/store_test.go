package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenUserDB(t.TempDir(), "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id, thread string, ts time.Time) *Message {
	return &Message{
		MessageID: id,
		ThreadID:  thread,
		From:      "bob@example.com",
		To:        []string{"alice@example.com"},
		Subject:   "subject " + id,
		Snippet:   "snippet",
		Body:      "body",
		Headers:   map[string]string{"Message-ID": "<" + id + ">"},
		Labels:    []string{"INBOX"},
		Timestamp: ts,
	}
}

func mustInsert(t *testing.T, s *Store, m *Message) {
	t.Helper()
	inserted, err := s.InsertMessage(context.Background(), m,
		"user.test.email.received", "email.received",
		[]byte(`{"message_id":"`+m.MessageID+`"}`), "email.received|gmail|"+m.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatalf("message %s unexpectedly deduplicated", m.MessageID)
	}
}

func TestLastSync(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LastSync(ctx); err != nil || ok {
		t.Fatalf("fresh db: ok=%v err=%v, want no position", ok, err)
	}

	pos := time.Now().Truncate(time.Second).UTC()
	if err := s.AdvanceLastSync(ctx, pos); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LastSync(ctx)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if !got.Equal(pos) {
		t.Errorf("position = %v, want %v", got, pos)
	}
}

func TestInsertMessageDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := testMessage("m1", "t1", time.Now())

	mustInsert(t, s, m)

	inserted, err := s.InsertMessage(ctx, m, "subj", "email.received", []byte("{}"), "dup")
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("duplicate insert reported as new")
	}

	// The duplicate must not have queued a second event either.
	pending, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("outbox has %d entries, want 1", len(pending))
	}

	ids, err := s.KnownMessageIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("known ids = %d, want 1", len(ids))
	}
	threads, err := s.KnownThreadIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := threads["t1"]; !ok {
		t.Error("thread t1 not tracked")
	}
}

func TestListThreadsGroupingAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-48 * time.Hour).Truncate(time.Second)

	// Two messages in one thread, plus 34 singleton threads: 35 threads total.
	mustInsert(t, s, testMessage("m1", "t0", base))
	reply := testMessage("m2", "t0", base.Add(time.Minute))
	reply.IsRead = true
	mustInsert(t, s, reply)
	for i := 0; i < 34; i++ {
		mustInsert(t, s, testMessage(fmt.Sprintf("s%d", i), fmt.Sprintf("ts%d", i),
			base.Add(time.Duration(i+2)*time.Minute)))
	}

	page1, total, hasMore, err := s.ListThreads(ctx, 1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if total != 35 {
		t.Errorf("total = %d, want 35", total)
	}
	if len(page1) != 30 || !hasMore {
		t.Errorf("page1 len=%d hasMore=%v, want 30/true", len(page1), hasMore)
	}
	for i := 1; i < len(page1); i++ {
		if page1[i].Timestamp.After(page1[i-1].Timestamp) {
			t.Fatal("threads not sorted newest first")
		}
	}

	page2, _, hasMore, err := s.ListThreads(ctx, 2, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 5 || hasMore {
		t.Errorf("page2 len=%d hasMore=%v, want 5/false", len(page2), hasMore)
	}

	// t0 is the oldest thread, so it lands at the end of page 2.
	t0 := page2[len(page2)-1]
	if t0.ThreadID != "t0" {
		t.Fatalf("last thread = %s, want t0", t0.ThreadID)
	}
	if t0.MessageCount != 2 {
		t.Errorf("t0 message count = %d, want 2", t0.MessageCount)
	}
	// One member is unread, so the thread is unread.
	if t0.IsRead {
		t.Error("t0 reported read with an unread member")
	}
	if t0.Messages[0].MessageID != "m2" {
		t.Errorf("t0 newest message = %s, want m2", t0.Messages[0].MessageID)
	}

	empty, _, _, err := s.ListThreads(ctx, 3, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("page3 len=%d, want 0", len(empty))
	}
}

func TestSetRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, testMessage("m1", "t1", time.Now()))

	if err := s.SetRead(ctx, "m1", true); err != nil {
		t.Fatal(err)
	}
	threads, _, _, err := s.ListThreads(ctx, 1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if !threads[0].IsRead {
		t.Error("thread still unread after SetRead")
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustInsert(t, s, testMessage("m1", "t1", time.Now()))
	mustInsert(t, s, testMessage("m2", "t2", time.Now()))

	pending, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].MsgID != "email.received|gmail|m1" {
		t.Errorf("MsgID = %q", pending[0].MsgID)
	}

	if err := s.MarkPublished(ctx, pending[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour); err != nil {
		t.Fatal(err)
	}

	// One published, one deferred an hour: nothing is ready now.
	pending, err = s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestDrafts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	d := &Draft{DraftID: "d1", ToEmail: "bob@example.com", Subject: "hi", Body: "v1",
		CreatedAt: now, UpdatedAt: now}
	if err := s.CreateDraft(ctx, d); err != nil {
		t.Fatal(err)
	}

	d.Body = "v2"
	found, err := s.UpdateDraft(ctx, d)
	if err != nil || !found {
		t.Fatalf("update: found=%v err=%v", found, err)
	}

	drafts, total, hasMore, err := s.ListDrafts(ctx, 1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || hasMore || len(drafts) != 1 {
		t.Fatalf("list: total=%d hasMore=%v len=%d", total, hasMore, len(drafts))
	}
	if drafts[0].Body != "v2" {
		t.Errorf("body = %q, want v2", drafts[0].Body)
	}

	found, err = s.DeleteDraft(ctx, "d1")
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	found, err = s.DeleteDraft(ctx, "d1")
	if err != nil || found {
		t.Fatalf("double delete: found=%v err=%v", found, err)
	}
}
