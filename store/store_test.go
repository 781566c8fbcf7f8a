package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if err := logger.Init(filepath.Join(t.TempDir(), "test.log")); err != nil {
		t.Fatalf("logger.Init() error = %v", err)
	}
	t.Cleanup(func() {
		logger.Close()
		logger.Reset()
	})
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := Record{
		AgentType: "claude",
		SessionID: "sess-abc",
		Cwd:       "/work/repo",
		Title:     "Fix the tests",
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get("claude", "sess-abc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AgentType != rec.AgentType || got.SessionID != rec.SessionID ||
		got.Cwd != rec.Cwd || got.Title != rec.Title {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("claude", "nope")
	if !acp.IsNotFound(err) {
		t.Errorf("Get() error = %v, want NotFoundError", err)
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(Record{AgentType: "claude"}); err == nil {
		t.Error("Put() accepted a record without sessionId")
	}
	if err := s.Put(Record{SessionID: "sess-1"}); err == nil {
		t.Error("Put() accepted a record without agentType")
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	base := Record{AgentType: "claude", SessionID: "sess-1", UpdatedAt: time.Now()}

	base.Title = "first"
	if err := s.Put(base); err != nil {
		t.Fatal(err)
	}
	base.Title = "second"
	if err := s.Put(base); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("claude", "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "second" {
		t.Errorf("Title = %q, want second", got.Title)
	}
	recs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("List() = %d records, want 1", len(recs))
	}
}

func TestListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, rec := range []Record{
		{AgentType: "claude", SessionID: "middle", UpdatedAt: base.Add(time.Hour)},
		{AgentType: "claude", SessionID: "newest", UpdatedAt: base.Add(2 * time.Hour)},
		{AgentType: "claude", SessionID: "oldest", UpdatedAt: base},
	} {
		if err := s.Put(rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var order []string
	for _, r := range recs {
		order = append(order, r.SessionID)
	}
	want := []string{"newest", "middle", "oldest"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("List() order = %v, want %v", order, want)
		}
	}
}

func TestListSkipsCorrupt(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(Record{AgentType: "claude", SessionID: "good", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != "good" {
		t.Errorf("List() = %+v, want just the good record", recs)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(Record{AgentType: "claude", SessionID: "sess-1", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("claude", "sess-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get("claude", "sess-1"); !acp.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want NotFoundError", err)
	}
	if err := s.Delete("claude", "sess-1"); err != nil {
		t.Errorf("Delete() of missing record error = %v, want nil", err)
	}
}

func TestSanitizedFilenames(t *testing.T) {
	s := newTestStore(t)
	rec := Record{AgentType: "claude", SessionID: "a/b:c d", UpdatedAt: time.Now()}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get("claude", "a/b:c d")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionID != "a/b:c d" {
		t.Errorf("SessionID = %q", got.SessionID)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.ContainsAny(e.Name(), "/:\\ ") {
			t.Errorf("filename %q not sanitized", e.Name())
		}
	}
}
