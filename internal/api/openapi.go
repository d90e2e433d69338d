package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the reporting
// surface. The WebSocket endpoint is listed for discoverability even
// though OpenAPI cannot describe its framing.
func buildOpenAPIDoc() map[string]any {
	jsonResponse := func(description string) map[string]any {
		return map[string]any{
			"200": map[string]any{"description": description},
		}
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness probe with relay headline numbers",
				"responses":   jsonResponse("Service health"),
			},
		},
		"/ws": map[string]any{
			"get": map[string]any{
				"operationId": "relay_connect",
				"summary":     "WebSocket upgrade onto the command relay",
				"responses": map[string]any{
					"101": map[string]any{"description": "Switching protocols"},
				},
			},
		},
		"/api/v1/status": map[string]any{
			"get": map[string]any{
				"operationId": "status",
				"summary":     "Full relay snapshot: channels, queues, counters",
				"responses":   jsonResponse("Relay status"),
			},
		},
		"/api/v1/channels": map[string]any{
			"get": map[string]any{
				"operationId": "channels_list",
				"summary":     "Active channels",
				"responses":   jsonResponse("Channel list"),
			},
		},
		"/api/v1/channels/{channel}": map[string]any{
			"get": map[string]any{
				"operationId": "channel_get",
				"summary":     "One channel's members, roles and queue",
				"parameters": []map[string]any{
					{
						"name":     "channel",
						"in":       "path",
						"required": true,
						"schema":   map[string]any{"type": "string"},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Channel status"},
					"404": map[string]any{"description": "Channel not found"},
				},
			},
		},
		"/api/v1/history": map[string]any{
			"get": map[string]any{
				"operationId": "history_recent",
				"summary":     "Most recent command audit records",
				"parameters": []map[string]any{
					{
						"name":   "limit",
						"in":     "query",
						"schema": map[string]any{"type": "integer", "default": defaultHistoryLimit},
					},
				},
				"responses": jsonResponse("Audit records, newest first"),
			},
		},
		"/api/v1/history/summary": map[string]any{
			"get": map[string]any{
				"operationId": "history_summary",
				"summary":     "Outcome and latency rollup of the command audit",
				"parameters": []map[string]any{
					{
						"name":   "since",
						"in":     "query",
						"schema": map[string]any{"type": "string", "example": "24h"},
					},
				},
				"responses": jsonResponse("Audit summary"),
			},
		},
		"/api/v1/events": map[string]any{
			"get": map[string]any{
				"operationId": "events_stream",
				"summary":     "Relay lifecycle events as server-sent events",
				"responses": map[string]any{
					"200": map[string]any{"description": "text/event-stream"},
				},
			},
		},
		"/metrics": map[string]any{
			"get": map[string]any{
				"operationId": "metrics",
				"summary":     "Prometheus metrics",
				"responses":   jsonResponse("Prometheus exposition format"),
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Patchbay Relay",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
