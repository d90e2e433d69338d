package relay

import (
	"encoding/json"
	"time"
)

// member is one connection's standing in a channel. Role lives on the
// connection itself; membership only records when it arrived.
type member struct {
	joinedAt time.Time
}

// pendingRequest tracks one admitted command from enqueue to its terminal
// state. The same instance sits in the global pending table and in its
// channel's queue or in-flight slot.
type pendingRequest struct {
	id          string
	channelName string
	command     string
	owner       *Conn
	envelope    []byte          // original frame, forwarded verbatim
	message     json.RawMessage // inner payload, re-wrapped when dispatch broadcasts
	enqueuedAt  time.Time

	// set at dispatch
	dispatchedAt time.Time
	timer        *time.Timer
	deliveredTo  *Conn // nil when the dispatch went out as a bootstrap broadcast
}

// Channel groups connections sharing one command queue and one correlation
// namespace. A channel exists iff it has at least one member.
type Channel struct {
	name      string
	createdAt time.Time
	members   map[*Conn]*member

	// queue holds admitted commands waiting behind the in-flight slot.
	queue    []*pendingRequest
	inflight *pendingRequest
}

func newChannel(name string) *Channel {
	return &Channel{
		name:      name,
		createdAt: time.Now(),
		members:   make(map[*Conn]*member),
	}
}

// liveTarget picks the earliest-classified open target, or nil while the
// channel has none.
func (ch *Channel) liveTarget() *Conn {
	var best *Conn
	var bestSeq uint64
	for conn := range ch.members {
		if conn.role != RoleTarget || conn.isClosed() {
			continue
		}
		if best == nil || conn.classSeq < bestSeq {
			best = conn
			bestSeq = conn.classSeq
		}
	}
	return best
}

// dropQueued removes every queued command owned by conn and returns the
// removed entries. The in-flight slot is left alone.
func (ch *Channel) dropQueued(conn *Conn) []*pendingRequest {
	var removed []*pendingRequest
	kept := ch.queue[:0]
	for _, req := range ch.queue {
		if req.owner == conn {
			removed = append(removed, req)
			continue
		}
		kept = append(kept, req)
	}
	ch.queue = kept
	return removed
}

// clearInflight stops the deadline timer and opens the in-flight slot,
// returning the request that occupied it. Callers rerun dispatch after.
func (ch *Channel) clearInflight() *pendingRequest {
	req := ch.inflight
	if req == nil {
		return nil
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	ch.inflight = nil
	return req
}

// removeQueued strips one request from the waiting queue if present.
func (ch *Channel) removeQueued(req *pendingRequest) bool {
	for i, queued := range ch.queue {
		if queued == req {
			ch.queue = append(ch.queue[:i], ch.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (ch *Channel) roleCounts() (initiators, targets, unclassified int) {
	for conn := range ch.members {
		switch conn.role {
		case RoleInitiator:
			initiators++
		case RoleTarget:
			targets++
		default:
			unclassified++
		}
	}
	return
}
