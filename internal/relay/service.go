package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/internal/config"
	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/log"
	"github.com/patchbay-dev/patchbay/internal/observability"
	"github.com/patchbay-dev/patchbay/internal/policy"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

// Counters are process-wide operational tallies, mutated only under the
// service mutex.
type Counters struct {
	ConnectionsTotal   uint64 `json:"connections_total"`
	MessagesIn         uint64 `json:"messages_in"`
	MessagesOut        uint64 `json:"messages_out"`
	CommandsEnqueued   uint64 `json:"commands_enqueued"`
	CommandsDispatched uint64 `json:"commands_dispatched"`
	CommandsResolved   uint64 `json:"commands_resolved"`
	CommandsRejected   uint64 `json:"commands_rejected"`
	BroadcastsSent     uint64 `json:"broadcasts_sent"`
	TimeoutsFired      uint64 `json:"timeouts_fired"`
	DisconnectFlushes  uint64 `json:"disconnect_flushes"`
	SessionTakeovers   uint64 `json:"session_takeovers"`
	SweepsRun          uint64 `json:"sweeps_run"`
	EntriesSwept       uint64 `json:"entries_swept"`
	ErrorsSent         uint64 `json:"errors_sent"`
}

// Options carries the service's observational collaborators. Any of them
// may be nil; the relay's correctness never depends on them.
type Options struct {
	Policy   *policy.Engine
	Events   EventSink
	Recorder Recorder
}

// Service owns every mutable relay registry: connections, channels, the
// global pending-request table, and the session table. All of them are
// instance state so tests can run several relays side by side.
//
// One mutex serializes every event (inbound frame, join, disconnect, timer
// fire, sweep tick, snapshot); each handler runs to completion before the
// next touches shared state.
type Service struct {
	cfg      config.RelayConfig
	logger   *slog.Logger
	policy   *policy.Engine
	sink     EventSink
	recorder Recorder

	mu        sync.Mutex
	conns     map[string]*Conn
	channels  map[string]*Channel
	pending   map[string]*pendingRequest
	sessions  map[string]*Conn
	counters  Counters
	classSeq  uint64
	startedAt time.Time

	pumps     sync.WaitGroup
	sweepStop chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// New builds a relay service. Start launches the background sweeper.
func New(cfg config.RelayConfig, opts Options) *Service {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 120 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = 10 * time.Minute
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}

	engine := opts.Policy
	if engine == nil {
		engine = policy.New(config.PolicyConfig{})
	}

	return &Service{
		cfg:       cfg,
		logger:    log.WithComponent("relay"),
		policy:    engine,
		sink:      opts.Events,
		recorder:  opts.Recorder,
		conns:     make(map[string]*Conn),
		channels:  make(map[string]*Channel),
		pending:   make(map[string]*pendingRequest),
		sessions:  make(map[string]*Conn),
		startedAt: time.Now(),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start launches the periodic pending-table sweeper.
func (s *Service) Start() {
	go s.sweepLoop()
	s.emit(events.SystemStarted, "", nil)
	s.logger.Info("relay started",
		"command_timeout", s.cfg.CommandTimeout,
		"queue_limit", s.cfg.QueueLimit,
		"sweep_interval", s.cfg.SweepInterval)
}

// Stop notifies peers, closes every connection, and waits for the pumps to
// drain or ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.sweepStop) })
	<-s.sweepDone
	s.emit(events.SystemStopping, "", nil)

	s.mu.Lock()
	notice, _ := protocol.NewSystem("", protocol.SystemPayload{
		Event:  protocol.SystemShutdown,
		Reason: "relay shutting down",
	}).Encode()
	for _, c := range s.conns {
		c.SafeSend(notice)
		c.Close("relay shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeConn registers an upgraded WebSocket connection and starts its
// pumps. It returns once the pumps are running.
func (s *Service) ServeConn(ws *websocket.Conn) *Conn {
	c := s.newConn(ws, ws.RemoteAddr().String())
	s.register(c)

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		c.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		c.readPump()
	}()
	return c
}

func (s *Service) register(c *Conn) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.counters.ConnectionsTotal++
	s.mu.Unlock()

	observability.RecordConnectionOpened()
	s.emit(events.ConnectionOpened, "", map[string]any{
		"conn_id": c.ID,
		"remote":  c.remote,
	})
	c.logger.Info("connection accepted", "remote", c.remote)
}

// sendEnvelope encodes and queues a relay-originated envelope. Callers hold
// the service mutex.
func (s *Service) sendEnvelope(c *Conn, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("encode envelope failed", "type", env.Type, "error", err)
		return
	}
	s.sendRaw(c, data)
}

// sendRaw queues a frame. A full send buffer means the peer stopped
// draining; the connection is closed rather than let it wedge the channel.
func (s *Service) sendRaw(c *Conn, data []byte) bool {
	if c.SafeSend(data) {
		s.counters.MessagesOut++
		return true
	}
	if !c.isClosed() {
		c.logger.Warn("send buffer full, closing connection")
		c.Close("send buffer overflow")
		if c.ws != nil {
			_ = c.ws.Close()
		}
	}
	return false
}

// sendError synthesizes a response-shaped error envelope correlated by
// requestID and delivers it to c alone. Callers hold the service mutex.
func (s *Service) sendError(c *Conn, channel, requestID, code, message string) {
	s.counters.ErrorsSent++
	s.sendEnvelope(c, protocol.NewError(channel, requestID, code, message))
}

func (s *Service) emit(eventType, channel string, data any) {
	if s.sink != nil {
		s.sink.Publish(eventType, channel, data)
	}
}

func (s *Service) record(rec history.Record) {
	if s.recorder != nil {
		s.recorder.Record(rec)
	}
}

// terminalRecord assembles the audit record for a request reaching outcome
// and feeds the duration metric. Callers hold the service mutex.
func (s *Service) terminalRecord(req *pendingRequest, outcome history.Outcome, errCode string) history.Record {
	now := time.Now()
	rec := history.Record{
		RequestID:  req.id,
		Channel:    req.channelName,
		Command:    req.command,
		OwnerConn:  req.owner.ID,
		EnqueuedAt: req.enqueuedAt,
		ResolvedAt: now,
		Outcome:    outcome,
		ErrorCode:  errCode,
	}
	if !req.dispatchedAt.IsZero() {
		d := req.dispatchedAt
		rec.DispatchedAt = &d
		ms := now.Sub(d).Milliseconds()
		rec.LatencyMS = &ms
	}
	observability.RecordCommandOutcome(string(outcome), now.Sub(req.enqueuedAt))
	return rec
}
