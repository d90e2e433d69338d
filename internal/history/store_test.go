package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/patchbay-dev/patchbay/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func msPtr(v int64) *int64 { return &v }

func testRecord(id, channel string, outcome Outcome, resolvedAt time.Time) Record {
	enqueued := resolvedAt.Add(-2 * time.Second)
	dispatched := resolvedAt.Add(-time.Second)
	return Record{
		RequestID:    id,
		Channel:      channel,
		Command:      "get_document_info",
		OwnerConn:    "conn-1",
		EnqueuedAt:   enqueued,
		DispatchedAt: &dispatched,
		ResolvedAt:   resolvedAt,
		Outcome:      outcome,
		LatencyMS:    msPtr(1000),
	}
}

func TestInsertAndRecent(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"req-1", "req-2", "req-3"} {
		rec := testRecord(id, "c1", OutcomeResult, base.Add(time.Duration(i)*time.Minute))
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("want 2 records, got %d", len(recent))
	}
	if recent[0].RequestID != "req-3" || recent[1].RequestID != "req-2" {
		t.Errorf("want newest first, got %s then %s", recent[0].RequestID, recent[1].RequestID)
	}
	if recent[0].DispatchedAt == nil {
		t.Error("dispatched_at lost in round trip")
	}
	if recent[0].LatencyMS == nil || *recent[0].LatencyMS != 1000 {
		t.Error("latency_ms lost in round trip")
	}
}

func TestInsertNullableFields(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		RequestID:  "req-rejected",
		Channel:    "c1",
		Command:    "create_frame",
		OwnerConn:  "conn-2",
		EnqueuedAt: time.Now(),
		ResolvedAt: time.Now(),
		Outcome:    OutcomeRejected,
		ErrorCode:  "validation_error",
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	recent, err := store.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	got := recent[0]
	if got.DispatchedAt != nil {
		t.Error("rejected command should not carry dispatched_at")
	}
	if got.LatencyMS != nil {
		t.Error("rejected command should not carry latency")
	}
	if got.ErrorCode != "validation_error" {
		t.Errorf("want error_code=validation_error, got %q", got.ErrorCode)
	}
}

func TestInsertValidation(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, Record{Channel: "c1", Outcome: OutcomeResult}); err == nil {
		t.Error("want error for empty request id")
	}
	if err := store.Insert(ctx, Record{RequestID: "r", Outcome: OutcomeResult}); err == nil {
		t.Error("want error for empty channel")
	}
	if err := store.Insert(ctx, Record{RequestID: "r", Channel: "c1"}); err == nil {
		t.Error("want error for empty outcome")
	}
}

func TestByRequestID(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// The same id used twice (legal once the first lifecycle resolved),
	// plus an unrelated record.
	if err := store.Insert(ctx, testRecord("req-dup", "alpha", OutcomeTimeout, base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, testRecord("req-other", "alpha", OutcomeResult, base.Add(time.Minute))); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, testRecord("req-dup", "beta", OutcomeResult, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("insert: %v", err)
	}

	recs, err := store.ByRequestID(ctx, "req-dup")
	if err != nil {
		t.Fatalf("ByRequestID: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}
	if recs[0].Outcome != OutcomeTimeout || recs[1].Outcome != OutcomeResult {
		t.Errorf("want oldest-first order, got %s then %s", recs[0].Outcome, recs[1].Outcome)
	}

	none, err := store.ByRequestID(ctx, "req-missing")
	if err != nil {
		t.Fatalf("ByRequestID missing: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("want no records for unknown id, got %d", len(none))
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []Record{
		testRecord("req-1", "alpha", OutcomeResult, base),
		testRecord("req-2", "alpha", OutcomeResult, base.Add(time.Minute)),
		testRecord("req-3", "alpha", OutcomeTimeout, base.Add(2*time.Minute)),
		testRecord("req-4", "beta", OutcomeError, base.Add(3*time.Minute)),
	}
	for _, rec := range records {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	summary, err := store.Summarize(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Total != 4 {
		t.Errorf("want total=4, got %d", summary.Total)
	}
	if summary.ByOutcome[OutcomeResult] != 2 {
		t.Errorf("want 2 results, got %d", summary.ByOutcome[OutcomeResult])
	}
	if len(summary.ByChannel) != 2 || summary.ByChannel[0].Channel != "alpha" {
		t.Errorf("want alpha first by volume, got %+v", summary.ByChannel)
	}
	if summary.MaxLatencyMS != 1000 {
		t.Errorf("want max latency 1000, got %d", summary.MaxLatencyMS)
	}

	// A since cutoff drops older rows.
	partial, err := store.Summarize(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Summarize since: %v", err)
	}
	if partial.Total != 2 {
		t.Errorf("want 2 records after cutoff, got %d", partial.Total)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec := testRecord("req", "c1", OutcomeResult, base.Add(time.Duration(i)*time.Hour))
		rec.RequestID = rec.RequestID + string(rune('a'+i))
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	removed, err := store.PurgeOlderThan(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if removed != 2 {
		t.Errorf("want 2 purged, got %d", removed)
	}

	rest, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("want 2 remaining, got %d", len(rest))
	}
}
