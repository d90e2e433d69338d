package history

import "time"

// Outcome classifies how a command's lifecycle ended.
type Outcome string

const (
	OutcomeResult     Outcome = "result"
	OutcomeError      Outcome = "error"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeDisconnect Outcome = "disconnect"
	OutcomeNoTarget   Outcome = "no_target"
	OutcomeSwept      Outcome = "swept"
	OutcomeRejected   Outcome = "rejected"
)

// Record is one completed command lifecycle. The relay hands a record over
// exactly once, when the command reaches a terminal state.
type Record struct {
	RequestID    string     `json:"request_id"`
	Channel      string     `json:"channel"`
	Command      string     `json:"command"`
	OwnerConn    string     `json:"owner_conn"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	ResolvedAt   time.Time  `json:"resolved_at"`
	Outcome      Outcome    `json:"outcome"`
	ErrorCode    string     `json:"error_code,omitempty"`
	LatencyMS    *int64     `json:"latency_ms,omitempty"`
}

// ChannelCount is a per-channel aggregate for reports.
type ChannelCount struct {
	Channel string `json:"channel"`
	Total   int64  `json:"total"`
}

// Summary aggregates stored command records for offline inspection.
type Summary struct {
	Total        int64             `json:"total"`
	ByOutcome    map[Outcome]int64 `json:"by_outcome"`
	ByChannel    []ChannelCount    `json:"by_channel"`
	AvgLatencyMS float64           `json:"avg_latency_ms"`
	MaxLatencyMS int64             `json:"max_latency_ms"`
}
