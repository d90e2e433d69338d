package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store reads and writes command records. Writes normally arrive through a
// Recorder; the synchronous API exists for the HTTP surface and offline
// inspection.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert appends one terminal command record.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.RequestID == "" {
		return fmt.Errorf("request id is empty")
	}
	if rec.Channel == "" {
		return fmt.Errorf("channel is empty")
	}
	if rec.Outcome == "" {
		return fmt.Errorf("outcome is empty")
	}

	var dispatchedAt any
	if rec.DispatchedAt != nil {
		dispatchedAt = rec.DispatchedAt.UTC().Format(time.RFC3339Nano)
	}
	var errorCode any
	if rec.ErrorCode != "" {
		errorCode = rec.ErrorCode
	}
	var latency any
	if rec.LatencyMS != nil {
		latency = *rec.LatencyMS
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO commands(
  request_id, channel, command, owner_conn,
  enqueued_at, dispatched_at, resolved_at, outcome, error_code, latency_ms
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.RequestID, rec.Channel, rec.Command, rec.OwnerConn,
		rec.EnqueuedAt.UTC().Format(time.RFC3339Nano), dispatchedAt,
		rec.ResolvedAt.UTC().Format(time.RFC3339Nano), string(rec.Outcome), errorCode, latency)
	if err != nil {
		return fmt.Errorf("insert command record: %w", err)
	}
	return nil
}

// Recent returns the newest records first, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, channel, command, owner_conn,
       enqueued_at, dispatched_at, resolved_at, outcome, error_code, latency_ms
FROM commands
ORDER BY seq DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent commands: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent commands: %w", err)
	}
	return out, nil
}

// ByRequestID returns every record carrying the request id, oldest-first.
// Ids may recur once resolved, so more than one record is possible.
func (s *Store) ByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_id, channel, command, owner_conn,
       enqueued_at, dispatched_at, resolved_at, outcome, error_code, latency_ms
FROM commands
WHERE request_id = ?
ORDER BY seq ASC;
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query commands by request id: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands by request id: %w", err)
	}
	return out, nil
}

// Summarize aggregates records resolved at or after since. A zero since
// covers the whole table.
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	sinceS := ""
	if !since.IsZero() {
		sinceS = since.UTC().Format(time.RFC3339Nano)
	}

	summary := &Summary{ByOutcome: make(map[Outcome]int64)}

	rows, err := s.db.QueryContext(ctx, `
SELECT outcome, COUNT(*)
FROM commands
WHERE (? = '' OR resolved_at >= ?)
GROUP BY outcome;
`, sinceS, sinceS)
	if err != nil {
		return nil, fmt.Errorf("aggregate outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		summary.ByOutcome[Outcome(outcome)] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}

	chRows, err := s.db.QueryContext(ctx, `
SELECT channel, COUNT(*) AS total
FROM commands
WHERE (? = '' OR resolved_at >= ?)
GROUP BY channel
ORDER BY total DESC, channel ASC
LIMIT 20;
`, sinceS, sinceS)
	if err != nil {
		return nil, fmt.Errorf("aggregate channels: %w", err)
	}
	defer chRows.Close()
	for chRows.Next() {
		var cc ChannelCount
		if err := chRows.Scan(&cc.Channel, &cc.Total); err != nil {
			return nil, fmt.Errorf("scan channel count: %w", err)
		}
		summary.ByChannel = append(summary.ByChannel, cc)
	}
	if err := chRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel counts: %w", err)
	}

	var avg sql.NullFloat64
	var max sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
SELECT AVG(latency_ms), MAX(latency_ms)
FROM commands
WHERE latency_ms IS NOT NULL AND (? = '' OR resolved_at >= ?);
`, sinceS, sinceS).Scan(&avg, &max)
	if err != nil {
		return nil, fmt.Errorf("aggregate latency: %w", err)
	}
	if avg.Valid {
		summary.AvgLatencyMS = avg.Float64
	}
	if max.Valid {
		summary.MaxLatencyMS = max.Int64
	}

	return summary, nil
}

// PurgeOlderThan deletes records resolved before cutoff and reports how many
// rows went away.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM commands WHERE resolved_at < ?;`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge command records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec         Record
		enqueuedS   string
		dispatchedS sql.NullString
		resolvedS   string
		outcomeS    string
		errorCode   sql.NullString
		latency     sql.NullInt64
	)
	err := rows.Scan(
		&rec.RequestID, &rec.Channel, &rec.Command, &rec.OwnerConn,
		&enqueuedS, &dispatchedS, &resolvedS, &outcomeS, &errorCode, &latency,
	)
	if err != nil {
		return Record{}, fmt.Errorf("scan command record: %w", err)
	}

	rec.Outcome = Outcome(outcomeS)
	if t, err := time.Parse(time.RFC3339Nano, enqueuedS); err == nil {
		rec.EnqueuedAt = t
	}
	if dispatchedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, dispatchedS.String); err == nil {
			rec.DispatchedAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, resolvedS); err == nil {
		rec.ResolvedAt = t
	}
	if errorCode.Valid {
		rec.ErrorCode = errorCode.String
	}
	if latency.Valid {
		rec.LatencyMS = &latency.Int64
	}
	return rec, nil
}
