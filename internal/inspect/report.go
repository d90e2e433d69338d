// Package inspect renders offline reports from the command history database.
// It reads a store directly, so reports work while the relay is down.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patchbay-dev/patchbay/internal/history"
)

// Report is the machine-readable summary of the history store.
type Report struct {
	Database string           `json:"database"`
	Since    string           `json:"since,omitempty"`
	Summary  *history.Summary `json:"summary"`
	Recent   []history.Record `json:"recent,omitempty"`
}

// RequestReport collects every stored lifecycle of one request id.
type RequestReport struct {
	RequestID string           `json:"request_id"`
	Records   []history.Record `json:"records"`
}

// BuildSummaryReport renders a terminal-friendly report covering records
// resolved at or after since (zero since covers everything).
func BuildSummaryReport(ctx context.Context, store *history.Store, dbPath string, since time.Time, recentLimit int) (string, error) {
	report, err := gatherSummary(ctx, store, dbPath, since, recentLimit)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "History Report\n")
	fmt.Fprintf(&out, "Database    : %s\n", report.Database)
	if report.Since != "" {
		fmt.Fprintf(&out, "Window      : since %s\n", report.Since)
	} else {
		fmt.Fprintf(&out, "Window      : all records\n")
	}
	fmt.Fprintf(&out, "Commands    : %d\n", report.Summary.Total)
	fmt.Fprintf(&out, "Avg latency : %.1f ms\n", report.Summary.AvgLatencyMS)
	fmt.Fprintf(&out, "Max latency : %d ms\n", report.Summary.MaxLatencyMS)

	if len(report.Summary.ByOutcome) > 0 {
		fmt.Fprintf(&out, "\nOutcomes\n")
		for _, outcome := range sortedOutcomes(report.Summary.ByOutcome) {
			fmt.Fprintf(&out, "  %-12s %6d\n", outcome, report.Summary.ByOutcome[outcome])
		}
	}

	if len(report.Summary.ByChannel) > 0 {
		fmt.Fprintf(&out, "\nChannels\n")
		for _, cc := range report.Summary.ByChannel {
			fmt.Fprintf(&out, "  %-20s %6d\n", cc.Channel, cc.Total)
		}
	}

	if len(report.Recent) > 0 {
		fmt.Fprintf(&out, "\nRecent\n")
		for _, rec := range report.Recent {
			fmt.Fprintf(&out, "  %s\n", formatRecordLine(rec))
		}
	}

	return out.String(), nil
}

// BuildSummaryJSON returns the summary report as indented JSON.
func BuildSummaryJSON(ctx context.Context, store *history.Store, dbPath string, since time.Time, recentLimit int) (string, error) {
	report, err := gatherSummary(ctx, store, dbPath, since, recentLimit)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildRequestReport renders every stored lifecycle of one request id.
func BuildRequestReport(ctx context.Context, store *history.Store, requestID string) (string, error) {
	report, err := gatherRequest(ctx, store, requestID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Request Report\n")
	fmt.Fprintf(&out, "Request ID  : %s\n", report.RequestID)
	fmt.Fprintf(&out, "Records     : %d\n", len(report.Records))

	for i, rec := range report.Records {
		fmt.Fprintf(&out, "\n[%d] %s :: %s\n", i+1, rec.Channel, renderUnset(rec.Command, "<no command>"))
		if rec.ErrorCode != "" {
			fmt.Fprintf(&out, "    outcome    : %s (%s)\n", rec.Outcome, rec.ErrorCode)
		} else {
			fmt.Fprintf(&out, "    outcome    : %s\n", rec.Outcome)
		}
		fmt.Fprintf(&out, "    owner      : %s\n", renderUnset(rec.OwnerConn, "<unknown>"))
		fmt.Fprintf(&out, "    enqueued   : %s\n", rec.EnqueuedAt.UTC().Format(time.RFC3339))
		if rec.DispatchedAt != nil {
			fmt.Fprintf(&out, "    dispatched : %s\n", rec.DispatchedAt.UTC().Format(time.RFC3339))
		} else {
			fmt.Fprintf(&out, "    dispatched : <never>\n")
		}
		fmt.Fprintf(&out, "    resolved   : %s\n", rec.ResolvedAt.UTC().Format(time.RFC3339))
		if rec.LatencyMS != nil {
			fmt.Fprintf(&out, "    latency    : %d ms\n", *rec.LatencyMS)
		}
	}

	return out.String(), nil
}

// BuildRequestJSON returns the per-request report as indented JSON.
func BuildRequestJSON(ctx context.Context, store *history.Store, requestID string) (string, error) {
	report, err := gatherRequest(ctx, store, requestID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherSummary(ctx context.Context, store *history.Store, dbPath string, since time.Time, recentLimit int) (*Report, error) {
	summary, err := store.Summarize(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}

	report := &Report{Database: dbPath, Summary: summary}
	if !since.IsZero() {
		report.Since = since.UTC().Format(time.RFC3339)
	}

	if recentLimit > 0 {
		recent, err := store.Recent(ctx, recentLimit)
		if err != nil {
			return nil, fmt.Errorf("load recent records: %w", err)
		}
		report.Recent = recent
	}
	return report, nil
}

func gatherRequest(ctx context.Context, store *history.Store, requestID string) (*RequestReport, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	records, err := store.ByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load records for %q: %w", requestID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records for request id %q", requestID)
	}

	return &RequestReport{RequestID: requestID, Records: records}, nil
}

func formatRecordLine(rec history.Record) string {
	line := fmt.Sprintf("[%-10s] %-16s %-16s %s  %s",
		rec.Outcome, rec.RequestID, rec.Channel,
		renderUnset(rec.Command, "-"),
		rec.ResolvedAt.UTC().Format(time.RFC3339))
	if rec.LatencyMS != nil {
		line += fmt.Sprintf("  (%d ms)", *rec.LatencyMS)
	}
	return line
}

func sortedOutcomes(counts map[history.Outcome]int64) []history.Outcome {
	out := make([]history.Outcome, 0, len(counts))
	for outcome := range counts {
		out = append(out, outcome)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func renderUnset(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
