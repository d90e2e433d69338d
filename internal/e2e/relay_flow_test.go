package e2e

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay-dev/patchbay/internal/api"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

// TestFullStackCommandOutcomes drives one relay process assembled from a
// real config file through every terminal outcome and checks the audit
// trail in sqlite afterwards.
func TestFullStackCommandOutcomes(t *testing.T) {
	st := startStack(t, "")

	initiator := st.dial(t)
	target := st.dial(t)
	initiator.join("studio")
	target.join("studio")

	// Cold start: nobody is classified, so the first command fans out as a
	// broadcast. Answering it makes the responder the channel's target.
	initiator.command("studio", "r1", "get_document_info", nil)
	cmd := target.until(isCommandFor("r1"))
	assert.Equal(t, protocol.TypeBroadcast, cmd.Type)
	target.respond("studio", "r1", map[string]any{"name": "Atrium"})
	resp := initiator.until(isResponseFor("r1"))
	assert.JSONEq(t, `{"name":"Atrium"}`, string(decodePayload(t, resp).Result))

	// Blocked and parent-less commands are refused at admission.
	initiator.command("studio", "r2", "set_selection", map[string]any{"ids": []string{"1:2"}})
	perr := decodeErrorPayload(t, initiator.until(isErrorCode("validation_error")))
	assert.Equal(t, "r2", perr.ID)

	initiator.command("studio", "r3", "create_frame", map[string]any{"width": 100})
	perr = decodeErrorPayload(t, initiator.until(isErrorCode("validation_error")))
	assert.Equal(t, "r3", perr.ID)

	// With the target classified, dispatch unicasts. A target-reported
	// failure resolves the command with the target's error code.
	initiator.command("studio", "r4", "create_frame", map[string]any{"parentId": "1:2"})
	cmd = target.until(isCommandFor("r4"))
	assert.Equal(t, protocol.TypeMessage, cmd.Type)
	target.respondError("studio", "r4", "node_not_found", "parent 1:2 does not exist")
	resp = initiator.until(isResponseFor("r4"))
	assert.NotEmpty(t, decodePayload(t, resp).Error)

	// A silent target runs the deadline out.
	initiator.command("studio", "r5", "export_pdf", nil)
	target.until(isCommandFor("r5"))
	perr = decodeErrorPayload(t, initiator.until(isErrorCode("timeout_error")))
	assert.Equal(t, "r5", perr.ID)

	// A channel with no possible target fails the command immediately.
	loner := st.dial(t)
	loner.join("empty")
	loner.command("empty", "r6", "get_selection", nil)
	perr = decodeErrorPayload(t, loner.until(isErrorCode("routing_error")))
	assert.Equal(t, "r6", perr.ID)

	recs := waitForRecords(t, st.store, 6)

	assert.Equal(t, history.OutcomeResult, recs["r1"].Outcome)
	assert.Equal(t, "studio", recs["r1"].Channel)
	assert.Equal(t, "get_document_info", recs["r1"].Command)
	require.NotNil(t, recs["r1"].LatencyMS)

	assert.Equal(t, history.OutcomeRejected, recs["r2"].Outcome)
	assert.Equal(t, "validation_error", recs["r2"].ErrorCode)
	assert.Equal(t, history.OutcomeRejected, recs["r3"].Outcome)

	assert.Equal(t, history.OutcomeError, recs["r4"].Outcome)
	assert.Equal(t, "node_not_found", recs["r4"].ErrorCode)

	assert.Equal(t, history.OutcomeTimeout, recs["r5"].Outcome)
	assert.Equal(t, history.OutcomeNoTarget, recs["r6"].Outcome)

	// The rows are really on disk, not just in the store's read path.
	var outcome, errCode string
	require.NoError(t, st.db.QueryRow(
		`SELECT outcome, IFNULL(error_code, '') FROM commands WHERE request_id = 'r5'`,
	).Scan(&outcome, &errCode))
	assert.Equal(t, "timeout", outcome)
	assert.Equal(t, "timeout_error", errCode)
}

// TestReportingAPISecuredByBearerToken checks that the admin token guards
// /api/v1 while the probes stay open, and that history served over HTTP
// matches what the relay recorded.
func TestReportingAPISecuredByBearerToken(t *testing.T) {
	st := startStack(t, "")

	resp := st.get("/api/v1/history", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = st.get("/api/v1/history", "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = st.get("/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hz api.HealthzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hz))
	resp.Body.Close()
	assert.Equal(t, "ok", hz.Status)

	runCommandRoundTrip(t, st, "studio", "req-1")
	waitForRecords(t, st.store, 1)

	resp = st.get("/api/v1/history?limit=10", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist api.HistoryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hist))
	resp.Body.Close()
	require.GreaterOrEqual(t, hist.Count, 1)
	assert.Equal(t, "req-1", hist.Records[0].RequestID)
	assert.Equal(t, history.OutcomeResult, hist.Records[0].Outcome)

	resp = st.get("/api/v1/history/summary?since=1h", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum history.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	resp.Body.Close()
	assert.GreaterOrEqual(t, sum.Total, int64(1))
	assert.GreaterOrEqual(t, sum.ByOutcome[history.OutcomeResult], int64(1))

	resp = st.get("/api/v1/channels", adminToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chans api.ChannelsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chans))
	resp.Body.Close()
	require.Equal(t, 1, chans.Count)
	assert.Equal(t, "studio", chans.Channels[0].Name)
	assert.Equal(t, 2, chans.Channels[0].Members)
	assert.Equal(t, 1, chans.Channels[0].Targets)
}
