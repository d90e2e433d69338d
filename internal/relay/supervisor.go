package relay

import (
	"fmt"
	"time"

	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/observability"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

// onCommandTimeout fires on the deadline timer's goroutine. The id guard
// makes stale fires harmless: a response or target disconnect that already
// cleared the slot wins the race.
func (s *Service) onCommandTimeout(channelName, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[channelName]
	if ch == nil || ch.inflight == nil || ch.inflight.id != requestID {
		return
	}
	req := ch.inflight
	ch.inflight = nil
	s.counters.TimeoutsFired++
	s.logger.Warn("command timed out", "channel", channelName,
		"request_id", requestID, "command", req.command)

	// The pending entry can already be gone (owner disconnected, slot left
	// for this timer). Then there is nobody to tell and nothing to record.
	if _, tracked := s.pending[requestID]; tracked {
		if !req.owner.isClosed() {
			s.sendError(req.owner, channelName, requestID, CodeTimeout,
				fmt.Sprintf("no response within %s", s.cfg.CommandTimeout))
		}
		s.finishLocked(req, history.OutcomeTimeout, CodeTimeout)
	}

	s.dispatchLocked(ch)
}

// sweepLoop runs the periodic pending-table sweep until Stop.
func (s *Service) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepPending()
		case <-s.sweepStop:
			return
		}
	}
}

// sweepPending purges every pending entry older than the configured
// maximum age, wherever it sits. An entry this old leaked past the normal
// resolution paths; the owner gets a timeout-shaped notice so the request
// still resolves from its point of view.
func (s *Service) sweepPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.cfg.PendingMaxAge)
	var expired []*pendingRequest
	for _, req := range s.pending {
		if !req.enqueuedAt.After(cutoff) {
			expired = append(expired, req)
		}
	}

	for _, req := range expired {
		if ch := s.channels[req.channelName]; ch != nil {
			if ch.removeQueued(req) {
				observability.SetQueueDepth(ch.name, len(ch.queue))
			}
			if ch.inflight == req {
				ch.clearInflight()
				s.scheduleDispatch(ch.name)
			}
		}
		if !req.owner.isClosed() {
			s.sendError(req.owner, req.channelName, req.id, CodeTimeout,
				fmt.Sprintf("request unresolved after %s, purged", s.cfg.PendingMaxAge))
		}
		s.finishLocked(req, history.OutcomeSwept, CodeTimeout)
	}

	s.counters.SweepsRun++
	s.counters.EntriesSwept += uint64(len(expired))
	observability.RecordSweep(len(expired))
	if len(expired) > 0 {
		s.emit(events.QueueSwept, "", map[string]any{"purged": len(expired)})
		s.logger.Info("swept stale pending entries", "purged", len(expired),
			"max_age", s.cfg.PendingMaxAge)
	}
}

// handleDisconnect runs as the read pump exits, however the connection
// died.
func (s *Service) handleDisconnect(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked(c, "connection closed")
}

// detachLocked releases everything a connection held: its session binding,
// its channel memberships, its waiting commands, and any in-flight command
// it was executing. Safe to call twice; the second call finds the
// connection already gone.
func (s *Service) detachLocked(c *Conn, reason string) {
	if _, live := s.conns[c.ID]; !live {
		return
	}
	delete(s.conns, c.ID)
	if c.sessionToken != "" && s.sessions[c.sessionToken] == c {
		delete(s.sessions, c.sessionToken)
	}
	c.Close(reason)

	// Fail this owner's waiting commands everywhere. An in-flight command
	// keeps its slot: the deadline timer or a late response clears it, and
	// by then the entry is untracked so nothing is recorded twice.
	var owned []*pendingRequest
	for _, req := range s.pending {
		if req.owner == c {
			owned = append(owned, req)
		}
	}
	for _, req := range owned {
		if ch := s.channels[req.channelName]; ch != nil && ch.removeQueued(req) {
			observability.SetQueueDepth(ch.name, len(ch.queue))
		}
		s.finishLocked(req, history.OutcomeDisconnect, CodeDisconnect)
	}

	for name := range c.channels {
		ch := s.channels[name]
		if ch == nil {
			continue
		}
		delete(ch.members, c)

		// A target dying mid-command fails that command immediately rather
		// than letting the owner wait out the full deadline.
		if ch.inflight != nil && ch.inflight.deliveredTo == c {
			req := ch.clearInflight()
			s.counters.DisconnectFlushes++
			if _, tracked := s.pending[req.id]; tracked {
				if !req.owner.isClosed() {
					s.sendError(req.owner, name, req.id, CodeDisconnect,
						"target disconnected before responding")
				}
				s.finishLocked(req, history.OutcomeDisconnect, CodeDisconnect)
			}
			s.dispatchLocked(ch)
		}

		if len(ch.members) == 0 {
			s.destroyChannelLocked(ch)
			continue
		}

		s.broadcastLocked(ch, protocol.NewSystem(name, protocol.SystemPayload{
			Event:   protocol.SystemPeerLeft,
			Channel: name,
			ConnID:  c.ID,
			Members: len(ch.members),
		}), nil)
	}

	observability.RecordConnectionClosed()
	s.emit(events.ConnectionClosed, "", map[string]any{
		"conn_id": c.ID,
		"reason":  reason,
	})
	c.logger.Info("connection closed", "reason", reason)
}

// destroyChannelLocked removes an empty channel. Whatever was in flight is
// already untracked; stopping its timer just saves a wasted fire.
func (s *Service) destroyChannelLocked(ch *Channel) {
	ch.clearInflight()
	delete(s.channels, ch.name)
	observability.ForgetChannel(ch.name)
	observability.SetChannelsActive(len(s.channels))
	s.emit(events.ChannelDestroyed, ch.name, nil)
	s.logger.Info("channel destroyed", "channel", ch.name)
}
