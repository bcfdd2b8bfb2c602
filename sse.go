package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// SSEConnection talks to an MCP server over the HTTP+SSE transport pair: a
// long-lived GET stream carries server-to-client events while requests go out
// as POSTs to a per-connection message endpoint the server announces on the
// stream. Responses arrive asynchronously on the stream and are matched to
// their requests by id.
type SSEConnection struct {
	*conn

	baseURL    string
	httpClient *http.Client

	streamMu     sync.Mutex
	streamBody   io.ReadCloser
	streamCancel context.CancelFunc
	endpointURL  string
	readerDone   chan struct{}
}

var _ Connection = (*SSEConnection)(nil)

// NewSSEConnection creates a connection to the SSE stream at connectURL. No
// network activity happens until Connect is called.
func NewSSEConnection(connectURL string, options ...ConnectionOption) *SSEConnection {
	t := &SSEConnection{baseURL: connectURL}
	t.conn = newConn(t, options)
	t.httpClient = t.opts.httpClient
	return t
}

func (t *SSEConnection) open(ctx context.Context) error {
	// The stream must outlive the connect call, so it hangs off its own
	// cancellable context instead of the caller's.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.opts.headers {
		req.Header.Set(k, v)
	}

	// The read loop owns the response body from here on.
	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return &ConnectionError{Message: "failed to connect to SSE stream", Err: err}
	}
	if err := httpStatusError(resp.StatusCode); err != nil {
		resp.Body.Close()
		cancel()
		return err
	}

	ready := make(chan struct{})
	done := make(chan struct{})
	t.streamMu.Lock()
	t.streamBody = resp.Body
	t.streamCancel = cancel
	t.endpointURL = ""
	t.readerDone = done
	t.streamMu.Unlock()

	go t.readLoop(resp.Body, ready, done)

	// The server must announce the message endpoint before any JSON-RPC
	// traffic can flow.
	select {
	case <-ready:
	case <-ctx.Done():
		return &ConnectionError{Message: "Timed out waiting for SSE endpoint", Err: ctx.Err()}
	}

	t.streamMu.Lock()
	endpoint := t.endpointURL
	t.streamMu.Unlock()
	if endpoint == "" {
		return &ConnectionError{Message: "SSE stream closed before announcing an endpoint"}
	}

	return t.handshake(ctx, protocolVersion, false)
}

// readLoop consumes the event stream, resolving the endpoint announcement
// first and routing every subsequent message frame into the connection.
func (t *SSEConnection) readLoop(body io.ReadCloser, ready chan struct{}, done chan struct{}) {
	defer close(done)

	endpointSeen := false
	defer func() {
		if !endpointSeen {
			close(ready)
		}
	}()

	parser := &sseParser{}
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.feed(buf[:n]) {
				if !endpointSeen {
					if ev.Type != "endpoint" {
						t.logger.Warn("expected endpoint event first",
							slog.String("type", ev.Type))
						continue
					}
					if t.resolveEndpoint(ev.Data) {
						endpointSeen = true
						close(ready)
					}
					continue
				}
				t.handleEvent(ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) &&
				!errors.Is(err, http.ErrBodyReadAfterClose) {
				t.logger.Error("failed to read SSE stream", slog.Any("err", err))
			}
			t.noteSendFailure(&ConnectionError{Message: "SSE stream closed", Err: err})
			return
		}
	}
}

// resolveEndpoint turns the endpoint announcement into an absolute message URL,
// resolving relative paths against the stream URL.
func (t *SSEConnection) resolveEndpoint(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.logger.Error("endpoint event carried no URL")
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.logger.Error("failed to parse endpoint URL", slog.Any("err", err))
		return false
	}
	if base, err := url.Parse(t.baseURL); err == nil {
		u = base.ResolveReference(u)
	}

	t.streamMu.Lock()
	t.endpointURL = u.String()
	t.streamMu.Unlock()
	return true
}

func (t *SSEConnection) handleEvent(ev sseEvent) {
	switch ev.Type {
	case "message":
		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Error("failed to unmarshal message", slog.Any("err", err))
			return
		}
		t.handleIncoming(msg)
	case "endpoint":
		// The endpoint is fixed for the life of the stream.
		t.logger.Warn("ignoring repeated endpoint event")
	default:
		t.logger.Warn("unhandled event type", slog.String("type", ev.Type))
	}
}

// send POSTs one envelope to the announced message endpoint. The matching
// response, if any, arrives on the stream rather than on this exchange.
func (t *SSEConnection) send(ctx context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	t.streamMu.Lock()
	endpoint := t.endpointURL
	t.streamMu.Unlock()
	if endpoint == "" {
		return nil, &ConnectionError{Message: "SSE connection is not established"}
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.opts.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Message: "failed to send message", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := httpStatusError(resp.StatusCode); err != nil {
		return nil, err
	}
	if authErr := detectAuthError(body); authErr != nil {
		return nil, authErr
	}
	return nil, nil
}

// detectAuthError inspects the direct body of an accepted message POST. Some
// servers reject a request with an inline JSON-RPC error instead of a stream
// frame; an authorization-flavored one is fatal to the connection rather than
// an answer to the one request.
func detectAuthError(body []byte) *ConnectionError {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var probe struct {
		Error *JSONRPCError `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Error == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(probe.Error.Message), "auth") {
		return &ConnectionError{Message: "Authorization failed", Err: probe.Error}
	}
	return nil
}

func (t *SSEConnection) close() {
	t.streamMu.Lock()
	body := t.streamBody
	cancel := t.streamCancel
	done := t.readerDone
	t.streamBody = nil
	t.streamCancel = nil
	t.readerDone = nil
	t.endpointURL = ""
	t.streamMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
	}
	if done != nil {
		<-done
	}
}

// httpStatusError maps a non-2xx status to the package error taxonomy: 401 and
// 403 are authorization failures at the connection level, everything else is a
// server-side failure carrying its status for retry classification.
func httpStatusError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ConnectionError{Message: "Authorization failed"}
	case status < 200 || status >= 300:
		return &ServerError{Status: status, Message: fmt.Sprintf("server returned status %d", status)}
	}
	return nil
}
