package relay

import (
	"sort"
	"time"
)

// ChannelStatus is the observable state of one channel.
type ChannelStatus struct {
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	Members      int       `json:"members"`
	Initiators   int       `json:"initiators"`
	Targets      int       `json:"targets"`
	Unclassified int       `json:"unclassified"`
	QueueDepth   int       `json:"queue_depth"`
	InflightID   string    `json:"inflight_id,omitempty"`
}

// Status is a point-in-time view of the whole relay for the status API.
type Status struct {
	StartedAt   time.Time       `json:"started_at"`
	UptimeSecs  int64           `json:"uptime_seconds"`
	Connections int             `json:"connections"`
	Pending     int             `json:"pending"`
	Channels    []ChannelStatus `json:"channels"`
	Counters    Counters        `json:"counters"`
}

// Snapshot copies the relay's observable state under the service mutex.
func (s *Service) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		StartedAt:   s.startedAt,
		UptimeSecs:  int64(time.Since(s.startedAt).Seconds()),
		Connections: len(s.conns),
		Pending:     len(s.pending),
		Channels:    make([]ChannelStatus, 0, len(s.channels)),
		Counters:    s.counters,
	}
	for _, ch := range s.channels {
		st.Channels = append(st.Channels, channelStatusLocked(ch))
	}
	sort.Slice(st.Channels, func(i, j int) bool {
		return st.Channels[i].Name < st.Channels[j].Name
	})
	return st
}

// ChannelSnapshot returns one channel's state, reporting whether it exists.
func (s *Service) ChannelSnapshot(name string) (ChannelStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		return ChannelStatus{}, false
	}
	return channelStatusLocked(ch), true
}

func channelStatusLocked(ch *Channel) ChannelStatus {
	initiators, targets, unclassified := ch.roleCounts()
	cs := ChannelStatus{
		Name:         ch.name,
		CreatedAt:    ch.createdAt,
		Members:      len(ch.members),
		Initiators:   initiators,
		Targets:      targets,
		Unclassified: unclassified,
		QueueDepth:   len(ch.queue),
	}
	if ch.inflight != nil {
		cs.InflightID = ch.inflight.id
	}
	return cs
}
