package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-process transportHooks implementation answering every
// request synchronously, like the plain HTTP variant does.
type fakeTransport struct {
	c *conn

	mu      sync.Mutex
	opened  int
	closed  int
	sent    []JSONRPCMessage
	openErr error
	sendErr error
	handler func(msg JSONRPCMessage) *JSONRPCMessage
}

func (f *fakeTransport) open(ctx context.Context) error {
	f.mu.Lock()
	f.opened++
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.c.handshake(ctx, protocolVersion, false)
}

func (f *fakeTransport) send(_ context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	err := f.sendErr
	handler := f.handler
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if msg.ID == nil {
		return nil, nil
	}
	if handler != nil {
		return handler(msg), nil
	}
	return fakeResponse(msg), nil
}

func (f *fakeTransport) close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeTransport) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	methods := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		methods = append(methods, msg.Method)
	}
	return methods
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func fakeResponse(msg JSONRPCMessage) *JSONRPCMessage {
	switch msg.Method {
	case methodInitialize:
		res, _ := json.Marshal(initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ServerCapabilities{Tools: &CapabilityFlags{ListChanged: true}},
			ServerInfo:      Info{Name: "fake-server", Version: "1.0.0"},
		})
		return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: res}
	case methodPing:
		return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(`{}`)}
	case methodToolsList:
		return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(
			`{"tools":[{"name":"echo","description":"echoes input","inputSchema":{"type":"object"}}]}`)}
	case methodToolsCall:
		return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(
			`{"content":[{"type":"text","text":"hello"}]}`)}
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Error:   &JSONRPCError{Code: -32601, Message: "method not found"},
	}
}

func newFakeConn(t *testing.T, opts ...ConnectionOption) (*conn, *fakeTransport) {
	t.Helper()
	f := &fakeTransport{}
	opts = append([]ConnectionOption{WithLogger(testLogger())}, opts...)
	c := newConn(f, opts)
	f.c = c
	t.Cleanup(func() { _ = c.Cleanup() })
	return c, f
}

func waitForState(t *testing.T, c *conn, want ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state never became %v, still %v", want, c.State())
}

func TestConnectBecomesReady(t *testing.T) {
	c, f := newFakeConn(t)

	if c.State() != StateIdle {
		t.Fatalf("expected idle before connect, got %v", c.State())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("expected ready, got %v", c.State())
	}
	if info := c.ServerInfo(); info.Name != "fake-server" {
		t.Errorf("unexpected server info %+v", info)
	}
	if caps := c.ServerCapabilities(); caps.Tools == nil || !caps.Tools.ListChanged {
		t.Errorf("unexpected server capabilities %+v", caps)
	}

	// Connecting again is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error on second connect: %v", err)
	}
	f.mu.Lock()
	opened := f.opened
	f.mu.Unlock()
	if opened != 1 {
		t.Errorf("expected 1 open, got %d", opened)
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	c, f := newFakeConn(t)
	f.handler = func(msg JSONRPCMessage) *JSONRPCMessage {
		return &JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &JSONRPCError{Code: -32600, Message: "unsupported protocol version"},
		}
	}

	err := c.Connect(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after failed connect, got %v", c.State())
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed == 0 {
		t.Error("expected the channel to be closed after a failed handshake")
	}
}

func TestRequestConnectsTransparently(t *testing.T) {
	c, _ := newFakeConn(t)

	// No explicit Connect; the first request drives the state machine itself.
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("expected ready, got %v", c.State())
	}
}

func TestListToolsCaching(t *testing.T) {
	c, f := newFakeConn(t)

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools %+v", tools)
	}
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	listCalls := 0
	for _, m := range f.sentMethods() {
		if m == methodToolsList {
			listCalls++
		}
	}
	if listCalls != 1 {
		t.Errorf("expected 1 tools/list on the wire, got %d", listCalls)
	}

	// A list_changed notification invalidates the cache.
	c.handleIncoming(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsToolsListChanged,
	})
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	listCalls = 0
	for _, m := range f.sentMethods() {
		if m == methodToolsList {
			listCalls++
		}
	}
	if listCalls != 2 {
		t.Errorf("expected 2 tools/list after invalidation, got %d", listCalls)
	}
}

func TestCallToolServerErrorNotRetried(t *testing.T) {
	c, f := newFakeConn(t, WithMaxRetries(3))
	f.handler = func(msg JSONRPCMessage) *JSONRPCMessage {
		if msg.Method == methodToolsCall {
			return &JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error:   &JSONRPCError{Code: -32602, Message: "unknown tool"},
			}
		}
		return fakeResponse(msg)
	}

	_, err := c.CallTool(context.Background(), "missing", nil)
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %T: %v", err, err)
	}
	if se.Message != "unknown tool" {
		t.Errorf("unexpected message %q", se.Message)
	}

	callCalls := 0
	for _, m := range f.sentMethods() {
		if m == methodToolsCall {
			callCalls++
		}
	}
	if callCalls != 1 {
		t.Errorf("expected a definitive error not to be retried, got %d calls", callCalls)
	}
}

func TestCallToolStreamSingleResult(t *testing.T) {
	c, _ := newFakeConn(t)

	var results []any
	for res, err := range c.CallToolStream(context.Background(), "echo", map[string]any{"text": "hi"}) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		results = append(results, res)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 streamed result, got %d", len(results))
	}
}

func TestToolCallDelegation(t *testing.T) {
	c, _ := newFakeConn(t)

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := tools[0].Call(context.Background(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Error("expected a result")
	}
}

func TestNotificationDispatch(t *testing.T) {
	c, _ := newFakeConn(t)

	got := make(chan string, 1)
	c.OnNotification(func(method string, _ json.RawMessage) {
		got <- method
	})

	c.handleIncoming(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsResourcesUpdated,
		Params:  json.RawMessage(`{"uri":"file:///tmp/x"}`),
	})

	select {
	case m := <-got:
		if m != methodNotificationsResourcesUpdated {
			t.Errorf("unexpected method %s", m)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestCleanupFailsInflightRequests(t *testing.T) {
	c, f := newFakeConn(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Swallow the next request so it stays pending.
	f.handler = func(msg JSONRPCMessage) *JSONRPCMessage { return nil }

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RPCRequest(context.Background(), methodToolsList, nil)
		errCh <- err
	}()

	// Give the request time to get in flight, then tear down underneath it.
	time.Sleep(50 * time.Millisecond)
	if err := c.Cleanup(); err != nil {
		t.Fatalf("unexpected cleanup error: %v", err)
	}

	select {
	case err := <-errCh:
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConnectionError, got %T: %v", err, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request hung after cleanup")
	}

	if c.State() != StateIdle {
		t.Errorf("expected idle after cleanup, got %v", c.State())
	}
}

func TestCleanupIdempotent(t *testing.T) {
	c, _ := newFakeConn(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Cleanup(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Cleanup(); err != nil {
		t.Fatalf("unexpected error on second cleanup: %v", err)
	}

	// The connection is reusable after cleanup.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error reconnecting after cleanup: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("expected ready, got %v", c.State())
	}
}
