package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/conduit/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='work_log';").Scan(&name); err != nil {
		t.Fatalf("table work_log missing: %v", err)
	}
	if err := Bootstrap(context.Background(), db); err != nil {
		t.Fatalf("Bootstrap should be idempotent: %v", err)
	}
}

func TestLifecycleSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	if err := j.RecordSubmit(ctx, "w1", "etl", "submit"); err != nil {
		t.Fatalf("RecordSubmit: %v", err)
	}
	e, err := j.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusQueued || e.Graph != "etl" || e.Mode != "submit" || e.SubmittedAt.IsZero() {
		t.Fatalf("unexpected queued entry: %#v", e)
	}

	if err := j.RecordStart(ctx, "w1"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := j.RecordCompletion(ctx, "w1", nil); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	e, err = j.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusSucceeded || e.StartedAt == nil || e.CompletedAt == nil || e.LastError != nil {
		t.Fatalf("unexpected completed entry: %#v", e)
	}
	if !e.Status.Terminal() {
		t.Error("succeeded should be terminal")
	}
}

func TestLifecycleFailureAndReject(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	_ = j.RecordSubmit(ctx, "bad", "g", "blocking")
	_ = j.RecordStart(ctx, "bad")
	if err := j.RecordCompletion(ctx, "bad", errors.New("task \"x\": boom")); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	e, err := j.Get(ctx, "bad")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Status != StatusFailed || e.LastError == nil || *e.LastError != "task \"x\": boom" {
		t.Fatalf("unexpected failed entry: %#v", e)
	}

	_ = j.RecordSubmit(ctx, "full", "g", "submit")
	if err := j.RecordReject(ctx, "full"); err != nil {
		t.Fatalf("RecordReject: %v", err)
	}
	e, _ = j.Get(ctx, "full")
	if e.Status != StatusRejected || e.StartedAt != nil || e.CompletedAt == nil {
		t.Fatalf("unexpected rejected entry: %#v", e)
	}

	counts, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatusFailed] != 1 || counts[StatusRejected] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestLongErrorTruncatedOnCharacterBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	// The odd prefix puts the byte limit inside a two-byte character.
	long := "x" + strings.Repeat("é", maxErrorBytes)
	_ = j.RecordSubmit(ctx, "long", "g", "submit")
	_ = j.RecordStart(ctx, "long")
	if err := j.RecordCompletion(ctx, "long", errors.New(long)); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	e, err := j.Get(ctx, "long")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := *e.LastError
	if !utf8.ValidString(got) {
		t.Fatal("stored error is not valid UTF-8")
	}
	if len(got) != maxErrorBytes-1 || !strings.HasPrefix(long, got) {
		t.Fatalf("stored %d bytes, want a %d byte prefix", len(got), maxErrorBytes-1)
	}
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"a日本", 3, "a"},
		{"a日本", 4, "a日"},
		{"日", 1, ""},
	}
	for _, tt := range tests {
		if got := truncateUTF8(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestUnknownIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	if _, err := j.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
	if err := j.RecordStart(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RecordStart missing: got %v, want ErrNotFound", err)
	}
	if err := j.RecordSubmit(ctx, "", "g", "submit"); err == nil {
		t.Fatal("RecordSubmit with empty id should fail")
	}
}

func TestRecentNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := j.RecordSubmit(ctx, id, "g", "submit"); err != nil {
			t.Fatalf("RecordSubmit %s: %v", id, err)
		}
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected recent entries: %#v", got)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return base }
	_ = j.RecordSubmit(ctx, "old", "g", "submit")
	_ = j.RecordCompletion(ctx, "old", nil)
	_ = j.RecordSubmit(ctx, "pending", "g", "submit")

	j.now = func() time.Time { return base.Add(48 * time.Hour) }
	_ = j.RecordSubmit(ctx, "new", "g", "submit")
	_ = j.RecordCompletion(ctx, "new", nil)

	n, err := j.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if _, err := j.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old entry should be pruned, got %v", err)
	}
	for _, id := range []string{"pending", "new"} {
		if _, err := j.Get(ctx, id); err != nil {
			t.Fatalf("%s should survive: %v", id, err)
		}
	}
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openTestJournal(t)

	for _, id := range []string{"queued", "running", "done"} {
		if err := j.RecordSubmit(ctx, id, "etl", "submit"); err != nil {
			t.Fatalf("RecordSubmit %s: %v", id, err)
		}
	}
	if err := j.RecordStart(ctx, "running"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := j.RecordStart(ctx, "done"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := j.RecordCompletion(ctx, "done", nil); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	n, err := j.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d rows, want 2", n)
	}

	for _, id := range []string{"queued", "running"} {
		e, err := j.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if e.Status != StatusFailed || e.CompletedAt == nil || e.LastError == nil || *e.LastError != ErrAbandoned.Error() {
			t.Fatalf("%s not recovered: %#v", id, e)
		}
	}
	if e, _ := j.Get(ctx, "done"); e.Status != StatusSucceeded || e.LastError != nil {
		t.Fatalf("terminal entry touched: %#v", e)
	}

	if n, err := j.RecoverOrphans(ctx); err != nil || n != 0 {
		t.Fatalf("second RecoverOrphans = %d, %v; want 0, nil", n, err)
	}
}
