// Command echo-target is a development target for the relay. It joins a
// channel, classifies itself by answering the first command it sees, and
// echoes every command's name and params back as the result. Useful for
// exercising initiators, queueing, and history without a real design tool
// on the other end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patchbay-dev/patchbay/internal/log"
	"github.com/patchbay-dev/patchbay/internal/protocol"
)

const reconnectDelay = 2 * time.Second

type options struct {
	URL      string
	Channel  string
	Session  string
	Delay    time.Duration
	Progress bool
	// Fail lists command names answered with an error body instead of a
	// result, for driving initiator error paths.
	Fail map[string]bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("echo-target", flag.ExitOnError)
	url := fs.String("url", "ws://127.0.0.1:3055/ws", "Relay WebSocket URL")
	channel := fs.String("channel", "dev", "Channel to join")
	session := fs.String("session", "", "Session token; reconnecting with the same token replaces the previous connection")
	delay := fs.Duration("delay", 0, "Artificial processing delay before each response")
	progress := fs.Bool("progress", false, "Send a progress update before each result")
	fail := fs.String("fail", "", "Comma-separated command names to answer with an error")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	log.Setup(*logLevel)
	logger := log.WithComponent("echo-target")

	opts := options{
		URL:      *url,
		Channel:  *channel,
		Session:  *session,
		Delay:    *delay,
		Progress: *progress,
		Fail:     parseFailSet(*fail),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("echo target starting", "url", opts.URL, "channel", opts.Channel)

	for {
		err := serveOnce(ctx, opts, logger)
		if ctx.Err() != nil {
			logger.Info("echo target stopped")
			return 0
		}
		logger.Warn("connection lost, reconnecting", "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			logger.Info("echo target stopped")
			return 0
		case <-time.After(reconnectDelay):
		}
	}
}

// serveOnce runs one connection: dial, join, then answer commands until the
// relay goes away or ctx is cancelled.
func serveOnce(ctx context.Context, opts options, logger *slog.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer conn.Close()

	// Unblock the read loop on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := writeEnvelope(conn, joinEnvelope(opts.Channel, opts.Session)); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeSystem:
			var sys protocol.SystemPayload
			if json.Unmarshal(env.Message, &sys) == nil {
				logger.Info("system notice", "event", sys.Event, "channel", sys.Channel, "members", sys.Members)
			}

		case protocol.TypeError:
			var ep protocol.ErrorPayload
			if json.Unmarshal(env.Message, &ep) == nil {
				logger.Warn("relay error", "code", ep.Error.Code, "message", ep.Error.Message, "request_id", ep.ID)
			}

		case protocol.TypeMessage, protocol.TypeBroadcast:
			// Broadcast frames are the classification bootstrap: answering
			// one is how this process becomes the channel's target.
			p, ok := commandFrom(env)
			if !ok {
				continue
			}
			logger.Info("command received", "channel", env.Channel, "request_id", p.ID, "command", p.Command)

			if opts.Delay > 0 {
				time.Sleep(opts.Delay)
			}
			if opts.Progress {
				if err := writeEnvelope(conn, progressEnvelope(env.Channel, p.ID, p.Command)); err != nil {
					return fmt.Errorf("send progress: %w", err)
				}
			}

			var resp *protocol.Envelope
			if opts.Fail[p.Command] {
				resp = errorResponseEnvelope(env.Channel, p.ID, p.Command)
			} else {
				resp = resultEnvelope(env.Channel, p.ID, p.Command, p.Params)
			}
			if err := writeEnvelope(conn, resp); err != nil {
				return fmt.Errorf("send response: %w", err)
			}
			logger.Debug("response sent", "request_id", p.ID, "failed", opts.Fail[p.Command])

		default:
			// queue_position and anything newer is initiator business.
			logger.Debug("ignoring frame", "type", env.Type)
		}
	}
}

// commandFrom extracts the command payload of a message or broadcast
// envelope. Responses and pass-through traffic from other peers are not
// ours to answer.
func commandFrom(env *protocol.Envelope) (*protocol.Payload, bool) {
	p, err := protocol.DecodePayload(env.Message)
	if err != nil || !p.IsCommand() || p.IsResponse() {
		return nil, false
	}
	if p.ID == "" {
		return nil, false
	}
	return p, true
}

func joinEnvelope(channel, session string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      protocol.TypeJoin,
		Channel:   channel,
		SessionID: session,
	}
}

func resultEnvelope(channel, requestID, command string, params map[string]any) *protocol.Envelope {
	result, _ := json.Marshal(map[string]any{
		"command":   command,
		"params":    params,
		"echoed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	msg, _ := json.Marshal(protocol.Payload{ID: requestID, Result: result})
	return &protocol.Envelope{
		Type:    protocol.TypeMessage,
		Channel: channel,
		ID:      requestID,
		Message: msg,
	}
}

func errorResponseEnvelope(channel, requestID, command string) *protocol.Envelope {
	errBody, _ := json.Marshal(protocol.ErrorBody{
		Code:    "echo_failure",
		Message: fmt.Sprintf("command %q configured to fail", command),
	})
	msg, _ := json.Marshal(protocol.Payload{ID: requestID, Error: errBody})
	return &protocol.Envelope{
		Type:    protocol.TypeMessage,
		Channel: channel,
		ID:      requestID,
		Message: msg,
	}
}

func progressEnvelope(channel, requestID, command string) *protocol.Envelope {
	msg, _ := json.Marshal(map[string]any{
		"id": requestID,
		"progress": map[string]any{
			"status":  "processing",
			"command": command,
		},
	})
	return &protocol.Envelope{
		Type:    protocol.TypeProgressUpdate,
		Channel: channel,
		ID:      requestID,
		Message: msg,
	}
}

func writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func parseFailSet(csv string) map[string]bool {
	out := make(map[string]bool)
	for _, item := range strings.Split(csv, ",") {
		if name := strings.TrimSpace(item); name != "" {
			out[name] = true
		}
	}
	return out
}
