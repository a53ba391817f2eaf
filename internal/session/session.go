// Package session speaks the minimal MCP handshake-and-call protocol over a
// line-oriented transport: initialize, the initialized notification, then
// tools/list or tools/call, correlating responses to requests by id while
// tolerating interleaved notifications and non-JSON diagnostic output.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/onemcp/onemcp/internal/protocol"
	"github.com/onemcp/onemcp/internal/transport"
)

const (
	// defaultTimeout bounds each request/response exchange.
	defaultTimeout = 10 * time.Second

	// maxPollInterval caps a single blocking read so the overall deadline
	// is re-checked even while unrelated traffic trickles in.
	maxPollInterval = time.Second
)

// Transport is the line-oriented duplex channel a session speaks over.
type Transport interface {
	WriteLine(line string) error
	ReadLine(timeout time.Duration) (string, error)
}

// ProtocolError reports a failed JSON-RPC exchange: the server answered
// with an error member, the response never arrived in time, or the stream
// died mid-exchange.
type ProtocolError struct {
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp %s failed: %v", e.Method, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Session drives one MCP conversation over one transport. It is not safe
// for concurrent overlapping calls — MCP as spoken here is strictly
// request-then-response over a single ordered stream, so callers must
// serialize access per instance.
type Session struct {
	ch      Transport
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout overrides the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// New creates a session over the given transport.
func New(ch Transport, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{ch: ch, timeout: defaultTimeout, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize performs the MCP handshake: the initialize request (id 1) with
// an empty capability set, then — once the matching response arrives without
// an error member — the notifications/initialized message, which expects no
// reply. Returns the raw initialize response.
func (s *Session) Initialize(ctx context.Context, protocolVersion string) (*protocol.Response, error) {
	if err := s.send(protocol.NewInitializeRequest(protocolVersion)); err != nil {
		return nil, &ProtocolError{Method: "initialize", Err: err}
	}

	resp, err := s.readUntil(ctx, protocol.InitializeID, s.timeout)
	if err != nil {
		return nil, &ProtocolError{Method: "initialize", Err: err}
	}
	if resp.Error != nil {
		return nil, &ProtocolError{Method: "initialize", Err: resp.Error}
	}

	if err := s.send(protocol.NewInitializedNotification()); err != nil {
		return nil, &ProtocolError{Method: "notifications/initialized", Err: err}
	}
	return resp, nil
}

// ListTools sends tools/list (id 2) and returns the ordered tools array
// from the result. Initialize must have completed on this session first.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := s.exchange(ctx, protocol.NewListToolsRequest())
	if err != nil {
		return nil, err
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Method: "tools/list", Err: fmt.Errorf("decoding result: %w", err)}
	}
	return result.Tools, nil
}

// Call sends an arbitrary MCP request with the given id and returns the
// matching response envelope. Used for tools/call and any other
// post-handshake method.
func (s *Session) Call(ctx context.Context, id int64, method string, params any) (*protocol.Response, error) {
	return s.exchange(ctx, protocol.NewRequest(id, method, params))
}

// CallRaw forwards a caller-supplied request body verbatim, rewriting its
// id so correlation stays within this session's id space. Returns the raw
// response envelope, error member included — the caller owns interpretation.
func (s *Session) CallRaw(ctx context.Context, body map[string]any) (*protocol.Response, error) {
	method, _ := body["method"].(string)
	if method == "" {
		method = "tools/call"
	}
	body["jsonrpc"] = mcp.JSONRPC_VERSION
	body["id"] = protocol.CallID

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &ProtocolError{Method: method, Err: fmt.Errorf("encoding request: %w", err)}
	}
	if err := s.ch.WriteLine(string(data)); err != nil {
		return nil, &ProtocolError{Method: method, Err: err}
	}

	resp, err := s.readUntil(ctx, protocol.CallID, s.timeout)
	if err != nil {
		return nil, &ProtocolError{Method: method, Err: err}
	}
	return resp, nil
}

// exchange sends a request and waits for the response matched by id,
// converting an error member into a ProtocolError.
func (s *Session) exchange(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	if req.ID == nil {
		return nil, &ProtocolError{Method: req.Method, Err: errors.New("request has no id")}
	}
	if err := s.send(req); err != nil {
		return nil, &ProtocolError{Method: req.Method, Err: err}
	}

	resp, err := s.readUntil(ctx, *req.ID, s.timeout)
	if err != nil {
		return nil, &ProtocolError{Method: req.Method, Err: err}
	}
	if resp.Error != nil {
		return nil, &ProtocolError{Method: req.Method, Err: resp.Error}
	}
	return resp, nil
}

func (s *Session) send(req protocol.Request) error {
	line, err := req.Encode()
	if err != nil {
		return err
	}
	return s.ch.WriteLine(line)
}

// readUntil reads lines until a parsed message carries the expected id.
// Non-JSON lines are logged and discarded — a misbehaving server may print
// diagnostics on the same stream. Notifications and mismatched ids are
// discarded too. The overall deadline is re-checked on every iteration, no
// matter how much other traffic arrives.
func (s *Session) readUntil(ctx context.Context, expectID int64, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for response id=%d: %w", expectID, transport.ErrReadTimeout)
		}
		poll := remaining
		if poll > maxPollInterval {
			poll = maxPollInterval
		}

		line, err := s.ch.ReadLine(poll)
		if err != nil {
			if errors.Is(err, transport.ErrReadTimeout) {
				continue
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg protocol.Response
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("discarding non-JSON line from server",
				slog.String("line", truncate(line, 200)),
			)
			continue
		}

		if msg.IsNotification() {
			s.logger.Debug("ignoring server notification", slog.String("method", msg.Method))
			continue
		}
		if msg.ID != nil && *msg.ID == expectID {
			return &msg, nil
		}
		s.logger.Warn("discarding message with unexpected id",
			slog.Int64("expected", expectID),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
