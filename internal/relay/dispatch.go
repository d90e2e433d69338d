package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/observability"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

// handleCommandLocked admits a command into the channel queue. Admission
// checks run in order: id present, id unused, policy, capacity. Rejected
// commands never enter the queue; admitted ones always do, even when no
// target is connected yet.
func (s *Service) handleCommandLocked(ch *Channel, c *Conn, p *protocol.Payload, message json.RawMessage, raw []byte) {
	if p.ID == "" {
		s.counters.CommandsRejected++
		observability.RecordRejection(CodeProtocol)
		s.sendError(c, ch.name, "", CodeProtocol, "command payload requires an id")
		return
	}
	if _, dup := s.pending[p.ID]; dup {
		s.rejectLocked(ch, c, p, CodeProtocol,
			fmt.Sprintf("request id %q is already pending", p.ID))
		return
	}
	if err := s.policy.Check(p.Command, p.Params); err != nil {
		s.rejectLocked(ch, c, p, CodeValidation, err.Error())
		return
	}
	if len(ch.queue) >= s.cfg.QueueLimit {
		s.rejectLocked(ch, c, p, CodeCapacity,
			fmt.Sprintf("channel queue is full (%d waiting)", len(ch.queue)))
		return
	}

	req := &pendingRequest{
		id:          p.ID,
		channelName: ch.name,
		command:     p.Command,
		owner:       c,
		envelope:    raw,
		message:     message,
		enqueuedAt:  time.Now(),
	}
	s.pending[p.ID] = req
	ch.queue = append(ch.queue, req)
	s.counters.CommandsEnqueued++
	observability.SetQueueDepth(ch.name, len(ch.queue))
	s.emit(events.CommandEnqueued, ch.name, map[string]any{
		"request_id": p.ID,
		"command":    p.Command,
		"depth":      len(ch.queue),
	})
	c.logger.Debug("command enqueued", "channel", ch.name,
		"request_id", p.ID, "command", p.Command, "depth", len(ch.queue))

	if ch.inflight == nil {
		s.dispatchLocked(ch)
	} else {
		s.sendEnvelope(c, protocol.NewQueuePosition(ch.name, p.ID, len(ch.queue), len(ch.queue)))
	}
}

// rejectLocked refuses a command at admission: error to the sender, audit
// row, event, nothing queued.
func (s *Service) rejectLocked(ch *Channel, c *Conn, p *protocol.Payload, code, msg string) {
	s.counters.CommandsRejected++
	observability.RecordRejection(code)
	s.emit(events.CommandRejected, ch.name, map[string]any{
		"request_id": p.ID,
		"command":    p.Command,
		"code":       code,
		"reason":     msg,
	})
	now := time.Now()
	s.record(history.Record{
		RequestID:  p.ID,
		Channel:    ch.name,
		Command:    p.Command,
		OwnerConn:  c.ID,
		EnqueuedAt: now,
		ResolvedAt: now,
		Outcome:    history.OutcomeRejected,
		ErrorCode:  code,
	})
	c.logger.Warn("command rejected", "channel", ch.name,
		"request_id", p.ID, "command", p.Command, "code", code, "reason", msg)
	s.sendError(c, ch.name, p.ID, code, msg)
}

// dispatchLocked drains the queue head onto the wire. It runs whenever the
// in-flight slot opens: admission to an idle channel, resolution, timeout,
// target disconnect, sweep. Delivery prefers the classified target; with
// none live yet the command fans out to every member that could become one.
// Undeliverable commands fail in place and the loop moves on, so a backlog
// with nobody to run it drains in one flat pass.
func (s *Service) dispatchLocked(ch *Channel) {
	for ch.inflight == nil && len(ch.queue) > 0 {
		req := ch.queue[0]
		ch.queue = ch.queue[1:]
		observability.SetQueueDepth(ch.name, len(ch.queue))

		mode := "unicast"
		delivered := false
		var target *Conn
		if target = ch.liveTarget(); target != nil {
			delivered = s.sendRaw(target, req.envelope)
		}
		if !delivered {
			target = nil
			mode = "broadcast"
			delivered = s.bootstrapBroadcastLocked(ch, req) > 0
		}

		if !delivered {
			// Nobody to execute it.
			if !req.owner.isClosed() {
				s.sendError(req.owner, ch.name, req.id, CodeRouting, "no target connected")
			}
			s.finishLocked(req, history.OutcomeNoTarget, CodeRouting)
			continue
		}

		req.dispatchedAt = time.Now()
		req.deliveredTo = target
		reqID := req.id
		req.timer = time.AfterFunc(s.cfg.CommandTimeout, func() {
			s.onCommandTimeout(ch.name, reqID)
		})
		ch.inflight = req
		s.counters.CommandsDispatched++
		s.emit(events.CommandDispatch, ch.name, map[string]any{
			"request_id": req.id,
			"command":    req.command,
			"mode":       mode,
		})
		s.logger.Debug("command dispatched", "channel", ch.name,
			"request_id", req.id, "command", req.command, "mode", mode)

		// The owner sees its own frame come back as the dispatch confirmation.
		if !req.owner.isClosed() {
			s.sendRaw(req.owner, req.envelope)
		}
		s.notifyPositionsLocked(ch)
	}
}

// bootstrapBroadcastLocked fans the command to every member that could be a
// target: everyone but the owner and the connections already classified as
// initiators. Returns how many peers the frame reached.
func (s *Service) bootstrapBroadcastLocked(ch *Channel, req *pendingRequest) int {
	data, err := protocol.NewBroadcast(ch.name, req.message, req.id).Encode()
	if err != nil {
		s.logger.Error("encode broadcast failed", "error", err)
		return 0
	}
	n := 0
	for conn := range ch.members {
		if conn == req.owner || conn.role == RoleInitiator || conn.isClosed() {
			continue
		}
		if s.sendRaw(conn, data) {
			n++
		}
	}
	if n > 0 {
		s.counters.BroadcastsSent++
		observability.RecordBroadcast()
	}
	return n
}

// notifyPositionsLocked tells every waiting owner where its command now
// stands. Positions are 1-based; depth is the whole waiting queue.
func (s *Service) notifyPositionsLocked(ch *Channel) {
	depth := len(ch.queue)
	for i, queued := range ch.queue {
		if queued.owner.isClosed() {
			continue
		}
		s.sendEnvelope(queued.owner, protocol.NewQueuePosition(ch.name, queued.id, i+1, depth))
	}
}

// scheduleDispatch reruns the dispatch loop for a channel on a fresh
// goroutine and lock acquisition. The sweep defers through here so nothing
// dispatches until the whole expired set is resolved.
func (s *Service) scheduleDispatch(name string) {
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch := s.channels[name]; ch != nil {
			s.dispatchLocked(ch)
		}
	}()
}

// finishLocked retires req from the pending table and writes its audit
// record. The channel queue and in-flight slot are the caller's problem;
// the deadline timer belongs to whoever clears the slot.
func (s *Service) finishLocked(req *pendingRequest, outcome history.Outcome, errCode string) {
	delete(s.pending, req.id)
	s.counters.CommandsResolved++
	s.record(s.terminalRecord(req, outcome, errCode))
	s.emit(events.CommandResolved, req.channelName, map[string]any{
		"request_id": req.id,
		"command":    req.command,
		"outcome":    string(outcome),
	})
}
