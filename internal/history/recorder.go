package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/patchbay-dev/patchbay/internal/log"
)

// retentionSweepInterval is how often expired records are purged.
const retentionSweepInterval = time.Hour

// Recorder accepts records from the relay without blocking it. A single
// goroutine drains the buffer into the store; when the buffer is full the
// record is dropped and counted, never queued against the relay.
type Recorder struct {
	store     *Store
	logger    *slog.Logger
	retention time.Duration

	ch      chan Record
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewRecorder starts the writer goroutine. Close must be called after the
// relay has stopped producing records.
func NewRecorder(store *Store, buffer int, retention time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:     store,
		logger:    log.WithComponent("history"),
		retention: retention,
		ch:        make(chan Record, buffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Store exposes the read side for the HTTP surface.
func (r *Recorder) Store() *Store {
	return r.store
}

// Record hands a terminal command record to the writer. Never blocks.
func (r *Recorder) Record(rec Record) {
	if r.closed.Load() {
		return
	}
	select {
	case r.ch <- rec:
	default:
		n := r.dropped.Add(1)
		if n%100 == 1 {
			r.logger.Warn("history buffer full, dropping records", "dropped_total", n)
		}
	}
}

// Dropped reports how many records were lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains buffered records and stops the writer.
func (r *Recorder) Close() {
	if r.closed.Swap(true) {
		return
	}
	close(r.ch)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	r.purgeExpired()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				return
			}
			r.insert(rec)
		case <-ticker.C:
			r.purgeExpired()
		}
	}
}

func (r *Recorder) insert(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Error("persist command record failed",
			"request_id", rec.RequestID, "channel", rec.Channel, "error", err)
	}
}

func (r *Recorder) purgeExpired() {
	if r.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := r.store.PurgeOlderThan(ctx, time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Error("history retention purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("history retention purge", "removed", n)
	}
}
