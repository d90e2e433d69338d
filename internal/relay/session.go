package relay

import (
	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/observability"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

// takeoverLocked binds a session token to c. A token already bound to a
// different live connection means the client reconnected before its old
// socket died; the old one is told, then evicted, so frames for one
// session never split across two sockets.
func (s *Service) takeoverLocked(c *Conn, token string) {
	old := s.sessions[token]
	if old == c {
		return
	}
	if old != nil {
		s.counters.SessionTakeovers++
		observability.RecordSessionTakeover()
		s.logger.Info("session takeover", "old_conn", old.ID, "new_conn", c.ID)

		if notice, err := protocol.NewSystem("", protocol.SystemPayload{
			Event:  protocol.SystemSessionReplaced,
			ConnID: c.ID,
			Reason: "session resumed from another connection",
		}).Encode(); err == nil {
			old.SafeSend(notice)
		}
		s.detachLocked(old, "session_replaced")
		s.emit(events.SessionReplaced, "", map[string]any{
			"old_conn": old.ID,
			"new_conn": c.ID,
		})
	}

	// Rebinding to a new token releases the previous one.
	if c.sessionToken != "" && c.sessionToken != token && s.sessions[c.sessionToken] == c {
		delete(s.sessions, c.sessionToken)
	}
	c.sessionToken = token
	s.sessions[token] = c
}
