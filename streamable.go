package mcpwire

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// StreamableHTTPConnection talks to an MCP server over the streamable HTTP
// transport. Each request goes out as a POST and the server chooses the
// response shape per exchange: a direct JSON body, or a short-lived SSE body
// that may interleave notifications around the response. Event ids seen on
// those bodies are remembered and replayed as Last-Event-ID so the server can
// resume a cut stream.
type StreamableHTTPConnection struct {
	*conn

	endpoint   string
	httpClient *http.Client
}

var _ Connection = (*StreamableHTTPConnection)(nil)

// NewStreamableHTTPConnection creates a connection POSTing to the given
// endpoint. No network activity happens until Connect is called.
func NewStreamableHTTPConnection(endpoint string, options ...ConnectionOption) *StreamableHTTPConnection {
	t := &StreamableHTTPConnection{endpoint: endpoint}
	t.conn = newConn(t, options)
	t.httpClient = t.opts.httpClient
	return t
}

func (t *StreamableHTTPConnection) open(ctx context.Context) error {
	return t.handshake(ctx, protocolVersionHTTP, false)
}

func (t *StreamableHTTPConnection) send(ctx context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	resp, err := postEnvelope(ctx, t.httpClient, t.endpoint, msg, t.opts.headers, &t.sess,
		"application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if msg.Method == methodInitialize {
		t.sess.captureFromResponse(resp.Header, t.logger)
	}
	if err := httpStatusError(resp.StatusCode); err != nil {
		return nil, err
	}
	if msg.ID == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readEventBody(resp.Body, *msg.ID)
	}

	var out JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Message: "failed to decode response body", Err: err}
	}
	return &out, nil
}

// readEventBody drains a per-request SSE body, dispatching interleaved
// notifications as they appear and returning the frame answering wantID. The
// body is finite; the server closes it once the response has been written.
func (t *StreamableHTTPConnection) readEventBody(body io.Reader, wantID int64) (*JSONRPCMessage, error) {
	events, err := readSSEBody(body)
	if err != nil {
		return nil, &TransportError{Message: "failed to read response stream", Err: err}
	}

	var direct *JSONRPCMessage
	for _, ev := range events {
		if ev.Type != "message" {
			t.logger.Warn("unhandled event type", slog.String("type", ev.Type))
			continue
		}
		t.sess.captureEventID(ev)
		if ev.Data == "" {
			return nil, &TransportError{Message: "missing SSE data in response"}
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			return nil, &TransportError{Message: "failed to unmarshal response", Err: err}
		}
		if msg.ID != nil && *msg.ID == wantID {
			m := msg
			direct = &m
			continue
		}
		t.handleIncoming(msg)
	}

	if direct == nil {
		return nil, &TransportError{Message: "response stream carried no response"}
	}
	return direct, nil
}

func (t *StreamableHTTPConnection) close() {
	t.httpClient.CloseIdleConnections()
}

// Terminate explicitly ends the server-side session, if one was established.
// The local session state is cleared regardless of the server's answer; the
// return value reports whether the server acknowledged the termination.
func (t *StreamableHTTPConnection) Terminate(ctx context.Context) (bool, error) {
	return t.sess.terminate(ctx, t.httpClient, t.endpoint, t.logger)
}

// Cleanup terminates the session best-effort before releasing resources.
func (t *StreamableHTTPConnection) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.requestTimeout)
	defer cancel()
	_, _ = t.Terminate(ctx)
	return t.conn.Cleanup()
}
