package api

import (
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/relay"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	Channels      int    `json:"channels"`
	Pending       int    `json:"pending"`
}

// ChannelsResponse is returned by GET /api/v1/channels.
type ChannelsResponse struct {
	Count    int                   `json:"count"`
	Channels []relay.ChannelStatus `json:"channels"`
}

// HistoryResponse is returned by GET /api/v1/history.
type HistoryResponse struct {
	Count   int              `json:"count"`
	Records []history.Record `json:"records"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
