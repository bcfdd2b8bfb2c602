package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPConnection talks to an MCP server over plain request/response HTTP:
// every JSON-RPC envelope goes out as a POST and its answer, when one is due,
// comes back as the response body of the same exchange. There is no persistent
// channel, so connecting is nothing more than the initialize handshake and
// server-initiated notifications never arrive.
//
// When the server issues a session id on the initialize response, it is echoed
// on every subsequent request and released with a DELETE on Cleanup.
type HTTPConnection struct {
	*conn

	endpoint   string
	httpClient *http.Client
}

var _ Connection = (*HTTPConnection)(nil)

// NewHTTPConnection creates a connection POSTing to the given endpoint. No
// network activity happens until Connect is called.
func NewHTTPConnection(endpoint string, options ...ConnectionOption) *HTTPConnection {
	t := &HTTPConnection{endpoint: endpoint}
	t.conn = newConn(t, options)
	t.httpClient = t.opts.httpClient
	return t
}

func (t *HTTPConnection) open(ctx context.Context) error {
	return t.handshake(ctx, protocolVersionHTTP, false)
}

func (t *HTTPConnection) send(ctx context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	resp, err := postEnvelope(ctx, t.httpClient, t.endpoint, msg, t.opts.headers, &t.sess, "application/json")
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
		// Notification; any body is irrelevant.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}

	var out JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Message: "failed to decode response body", Err: err}
	}
	return &out, nil
}

func (t *HTTPConnection) close() {
	t.httpClient.CloseIdleConnections()
}

// Terminate explicitly ends the server-side session, if one was established.
// The local session state is cleared regardless of the server's answer; the
// return value reports whether the server acknowledged the termination.
func (t *HTTPConnection) Terminate(ctx context.Context) (bool, error) {
	return t.sess.terminate(ctx, t.httpClient, t.endpoint, t.logger)
}

// Cleanup terminates the session best-effort before releasing resources.
func (t *HTTPConnection) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.requestTimeout)
	defer cancel()
	_, _ = t.Terminate(ctx)
	return t.conn.Cleanup()
}

// postEnvelope sends one JSON-RPC envelope to endpoint with the session and
// custom headers attached, mapping a failed exchange to a ConnectionError.
func postEnvelope(
	ctx context.Context,
	client *http.Client,
	endpoint string,
	msg JSONRPCMessage,
	headers map[string]string,
	sess *sessionState,
	accept string,
) (*http.Response, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	sess.annotateRequest(req.Header, msg.Method == methodInitialize)

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Message: "failed to send message", Err: err}
	}
	return resp, nil
}
