package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tkwest/switchboard/internal/conversation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// In-memory databases are per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestLoadAbsent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load absent = %v, want ErrNotFound", err)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := conversation.NewState("t1")
	st.AppendUser("What's the price of the Breville Barista Express?")
	st.Append(conversation.NewMessage(conversation.RoleHandler, "It's $699.", "pricing"))
	st.LastHandler = "pricing"
	st.HopCount = 1

	if err := s.Save(ctx, "t1", st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].Content != st.Messages[0].Content {
		t.Errorf("message[0] = %q", got.Messages[0].Content)
	}
	if got.LastHandler != "pricing" || got.HopCount != 1 {
		t.Errorf("got = %+v", got)
	}
}

func TestSaveIdempotence(t *testing.T) {
	// save(tid, load(tid) + M) then load(tid) yields prior messages plus
	// exactly M.
	s := newTestStore(t)
	ctx := context.Background()

	st := conversation.NewState("t1")
	st.AppendUser("first")
	if err := s.Save(ctx, "t1", st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	loaded.AppendUser("second")
	if err := s.Save(ctx, "t1", loaded); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	final, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("final Load: %v", err)
	}
	if len(final.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(final.Messages))
	}
	if final.Messages[0].Content != "first" || final.Messages[1].Content != "second" {
		t.Errorf("messages = %q, %q", final.Messages[0].Content, final.Messages[1].Content)
	}
}

func TestTrimmingBound(t *testing.T) {
	// The persisted length never exceeds the configured maximum and the
	// most recent messages survive in original order.
	s := newTestStore(t)
	ctx := context.Background()

	st := conversation.NewState("t1")
	for i := 0; i < 30; i++ {
		st.AppendUser(fmt.Sprintf("msg-%d", i))
	}
	st.Trim(20, 15)
	if err := s.Save(ctx, "t1", st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) > 20 {
		t.Errorf("persisted %d messages, budget is 20", len(got.Messages))
	}
	if got.Messages[len(got.Messages)-1].Content != "msg-29" {
		t.Errorf("newest message = %q, want msg-29", got.Messages[len(got.Messages)-1].Content)
	}
}

func TestThreadMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := conversation.NewState("t1")
	st.AppendUser("hello")
	if err := s.Save(ctx, "t1", st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	meta, err := s.GetMeta(ctx, "t1")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.MessageCount != 1 || meta.ByteSize == 0 {
		t.Errorf("meta = %+v", meta)
	}

	if err := s.SetTitle(ctx, "t1", "Espresso questions"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	meta, err = s.GetMeta(ctx, "t1")
	if err != nil {
		t.Fatalf("GetMeta after title: %v", err)
	}
	if meta.Title != "Espresso questions" {
		t.Errorf("Title = %q", meta.Title)
	}

	if err := s.SetTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetTitle missing = %v, want ErrNotFound", err)
	}
}

func TestListThreads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tid := range []string{"a", "b", "c"} {
		st := conversation.NewState(tid)
		st.AppendUser("hi from " + tid)
		if err := s.Save(ctx, tid, st); err != nil {
			t.Fatalf("Save %s: %v", tid, err)
		}
	}

	threads, err := s.ListThreads(ctx, 10)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 3 {
		t.Errorf("len(threads) = %d, want 3", len(threads))
	}
}

func TestDeleteThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := conversation.NewState("t1")
	st.AppendUser("hi")
	if err := s.Save(ctx, "t1", st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.DeleteThread(ctx, "t1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.Load(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteThread(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestPruneKeepsMinimum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, tid := range []string{"a", "b"} {
		st := conversation.NewState(tid)
		if err := s.Save(ctx, tid, st); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	// Everything is recent and minKeep covers the set: nothing goes.
	deleted, err := s.Prune(ctx, time.Hour, 5)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}
