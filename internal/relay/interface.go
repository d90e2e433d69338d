package relay

import "github.com/patchbay-dev/patchbay/internal/history"

//go:generate mockgen -destination=mocks/mock_sinks.go -package=mocks github.com/patchbay-dev/patchbay/internal/relay Recorder,EventSink

// Recorder receives one audit record per command reaching a terminal
// state. *history.Recorder satisfies it.
type Recorder interface {
	Record(rec history.Record)
}

// EventSink receives operational events for fan-out to observers.
// *events.Hub satisfies it.
type EventSink interface {
	Publish(eventType, channel string, data any)
}
