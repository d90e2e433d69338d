package relay

import (
	"encoding/json"
	"time"

	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/observability"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

// handleFrame is the single entry point for client frames. The whole
// handler runs under the service mutex: one frame is fully applied before
// the next one is looked at, on any connection.
func (s *Service) handleFrame(c *Conn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A malformed frame must not take the relay down with it. The offending
	// connection gets an error; everyone else never notices.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("frame handler panic", "conn_id", c.ID, "panic", r)
			s.sendError(c, "", "", CodeProtocol, "internal error handling frame")
		}
	}()

	s.counters.MessagesIn++

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.sendError(c, "", "", CodeProtocol, err.Error())
		return
	}
	if err := protocol.ValidateInbound(env); err != nil {
		s.sendError(c, env.Channel, env.ID, CodeProtocol, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		s.handleJoinLocked(c, env)
	case protocol.TypeMessage:
		s.handleMessageLocked(c, env, data)
	case protocol.TypeProgressUpdate:
		s.handleProgressLocked(c, env, data)
	}
}

// handleJoinLocked adds c to a channel, creating it on first join. Joins
// are idempotent; every join is acked with the current member count.
func (s *Service) handleJoinLocked(c *Conn, env *protocol.Envelope) {
	if env.SessionID != "" {
		s.takeoverLocked(c, env.SessionID)
	}

	ch := s.channels[env.Channel]
	if ch == nil {
		ch = newChannel(env.Channel)
		s.channels[env.Channel] = ch
		observability.SetChannelsActive(len(s.channels))
		s.emit(events.ChannelCreated, env.Channel, nil)
		s.logger.Info("channel created", "channel", env.Channel)
	}

	if _, already := ch.members[c]; !already {
		ch.members[c] = &member{joinedAt: time.Now()}
		c.channels[env.Channel] = struct{}{}

		s.emit(events.PeerJoined, env.Channel, map[string]any{"conn_id": c.ID})
		c.logger.Info("joined channel", "channel", env.Channel, "members", len(ch.members))
		s.broadcastLocked(ch, protocol.NewSystem(env.Channel, protocol.SystemPayload{
			Event:   protocol.SystemPeerJoined,
			Channel: env.Channel,
			ConnID:  c.ID,
			Members: len(ch.members),
		}), c)
	}

	s.sendEnvelope(c, protocol.NewSystem(env.Channel, protocol.SystemPayload{
		Event:   protocol.SystemChannelJoined,
		Channel: env.Channel,
		ConnID:  c.ID,
		Members: len(ch.members),
	}))
}

// handleMessageLocked classifies the sender if this is its first
// substantive payload, then routes by payload shape. The raw frame is kept
// so forwarding never re-encodes what a client said.
func (s *Service) handleMessageLocked(c *Conn, env *protocol.Envelope, raw []byte) {
	ch := s.channels[env.Channel]
	if ch == nil || ch.members[c] == nil {
		s.sendError(c, env.Channel, env.ID, CodeProtocol, "join channel first")
		return
	}

	p, err := protocol.DecodePayload(env.Message)
	if err != nil {
		s.sendError(c, env.Channel, env.ID, CodeProtocol, err.Error())
		return
	}

	// Classification is connection-wide: once set here it holds in every
	// channel this connection belongs to.
	if c.role == RoleUnclassified {
		if role := Classify(p); role != RoleUnclassified {
			s.classSeq++
			c.role = role
			c.classSeq = s.classSeq
			c.logger.Info("peer classified", "channel", ch.name, "role", role.String())
			if role == RoleTarget {
				if _, targets, _ := ch.roleCounts(); targets > 1 {
					c.logger.Warn("channel has multiple targets",
						"channel", ch.name, "targets", targets)
				}
			}
		}
	}

	// Routing keys off the payload shape, not the stored role: a connection
	// classified as initiator that sends a response still resolves it.
	switch {
	case p.IsResponse():
		s.handleResponseLocked(ch, c, p, raw)
	case p.IsCommand():
		s.handleCommandLocked(ch, c, p, env.Message, raw)
	default:
		s.forwardPassThroughLocked(ch, c, raw)
	}
}

// handleResponseLocked resolves a pending command and advances the
// channel's queue. The two steps are independent: the pending entry may be
// gone (owner disconnected, sweeper) while the in-flight slot still holds
// the id, and vice versa.
func (s *Service) handleResponseLocked(ch *Channel, c *Conn, p *protocol.Payload, raw []byte) {
	if req, tracked := s.pending[p.ID]; tracked {
		if reqCh := s.channels[req.channelName]; reqCh != nil && reqCh.removeQueued(req) {
			observability.SetQueueDepth(reqCh.name, len(reqCh.queue))
		}
		if !req.owner.isClosed() {
			s.sendRaw(req.owner, raw)
		}
		outcome := history.OutcomeResult
		var code string
		if len(p.Error) > 0 {
			outcome = history.OutcomeError
			var body protocol.ErrorBody
			if json.Unmarshal(p.Error, &body) == nil {
				code = body.Code
			}
		}
		s.finishLocked(req, outcome, code)
		c.logger.Debug("response resolved", "channel", req.channelName,
			"request_id", p.ID, "outcome", string(outcome))
	} else {
		// No admission trace: late response after timeout or sweep, or a
		// made-up id. Dropped on purpose, logged for operators.
		c.logger.Debug("orphaned response discarded", "channel", ch.name, "request_id", p.ID)
	}

	if ch.inflight != nil && ch.inflight.id == p.ID {
		ch.clearInflight()
		s.dispatchLocked(ch)
	}
}

// handleProgressLocked forwards an interim update to the owner of the
// pending command it names. Progress frames never classify the sender,
// never touch queue state, and never extend the response deadline.
func (s *Service) handleProgressLocked(c *Conn, env *protocol.Envelope, raw []byte) {
	ch := s.channels[env.Channel]
	if ch == nil || ch.members[c] == nil {
		s.sendError(c, env.Channel, env.ID, CodeProtocol, "join channel first")
		return
	}

	p, err := protocol.DecodePayload(env.Message)
	if err != nil {
		s.sendError(c, env.Channel, env.ID, CodeProtocol, err.Error())
		return
	}

	req, tracked := s.pending[p.ID]
	if !tracked {
		c.logger.Debug("progress for unknown request discarded", "channel", env.Channel, "request_id", p.ID)
		return
	}
	if !req.owner.isClosed() {
		s.sendRaw(req.owner, raw)
	}
}

// forwardPassThroughLocked fans a payload that is neither command nor
// response to every other channel member, untouched.
func (s *Service) forwardPassThroughLocked(ch *Channel, c *Conn, raw []byte) {
	n := 0
	for conn := range ch.members {
		if conn == c || conn.isClosed() {
			continue
		}
		if s.sendRaw(conn, raw) {
			n++
		}
	}
	if n > 0 {
		s.counters.BroadcastsSent++
		observability.RecordBroadcast()
	}
}

// broadcastLocked encodes env once and fans it to every member except skip.
func (s *Service) broadcastLocked(ch *Channel, env *protocol.Envelope, skip *Conn) int {
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("encode broadcast failed", "type", env.Type, "error", err)
		return 0
	}
	n := 0
	for conn := range ch.members {
		if conn == skip || conn.isClosed() {
			continue
		}
		if s.sendRaw(conn, data) {
			n++
		}
	}
	return n
}
