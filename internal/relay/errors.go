package relay

// Error codes carried on response-shaped error envelopes. Every failure the
// relay synthesizes is correlated by the original request id and delivered
// only to the owning connection.
const (
	CodeValidation = "validation_error"
	CodeCapacity   = "capacity_error"
	CodeRouting    = "routing_error"
	CodeTimeout    = "timeout_error"
	CodeDisconnect = "disconnect_error"
	CodeProtocol   = "protocol_error"
)
