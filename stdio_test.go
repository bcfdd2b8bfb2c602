package mcpwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"
)

// fakeProcess wires a StdioConnection to an in-process server over pipes
// instead of spawning a subprocess. Every line the client writes is decoded and
// answered by handle; the server may also push extra lines through push.
type fakeProcess struct {
	mu       sync.Mutex
	received []JSONRPCMessage
	out      *io.PipeWriter
}

func (p *fakeProcess) push(line string) {
	_, _ = p.out.Write([]byte(line + "\n"))
}

func (p *fakeProcess) receivedMethods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	methods := make([]string, 0, len(p.received))
	for _, msg := range p.received {
		methods = append(methods, msg.Method)
	}
	return methods
}

func newTestStdioConnection(
	t *testing.T,
	handle func(msg JSONRPCMessage) *JSONRPCMessage,
	opts ...ConnectionOption,
) (*StdioConnection, *fakeProcess) {
	t.Helper()

	opts = append([]ConnectionOption{WithLogger(testLogger())}, opts...)
	c := NewStdioConnection("fake-server", nil, nil, opts...)
	p := &fakeProcess{}

	c.start = func() (io.WriteCloser, io.ReadCloser, *exec.Cmd, error) {
		clientReads, serverWrites := io.Pipe()
		serverReads, clientWrites := io.Pipe()
		p.mu.Lock()
		p.out = serverWrites
		p.mu.Unlock()

		go func() {
			scanner := bufio.NewScanner(serverReads)
			for scanner.Scan() {
				var msg JSONRPCMessage
				if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
					continue
				}
				p.mu.Lock()
				p.received = append(p.received, msg)
				p.mu.Unlock()
				if msg.ID == nil {
					continue
				}
				if res := handle(msg); res != nil {
					bs, _ := json.Marshal(res)
					_, _ = serverWrites.Write(append(bs, '\n'))
				}
			}
		}()
		return clientWrites, clientReads, nil, nil
	}

	t.Cleanup(func() { _ = c.Cleanup() })
	return c, p
}

func TestStdioConnectSendsInitialized(t *testing.T) {
	c, p := newTestStdioConnection(t, fakeResponse)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info := c.ServerInfo(); info.Name != "fake-server" {
		t.Errorf("unexpected server info %+v", info)
	}

	// The initialized notification follows the handshake on this transport.
	// The fake records messages on a background goroutine, so give it a
	// moment to observe the notification before asserting.
	methods := p.receivedMethods()
	for deadline := time.Now().Add(time.Second); len(methods) < 2 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
		methods = p.receivedMethods()
	}
	if len(methods) < 2 || methods[0] != methodInitialize || methods[1] != methodNotificationsInitialized {
		t.Errorf("unexpected handshake sequence %v", methods)
	}
}

func TestStdioCallTool(t *testing.T) {
	c, _ := newTestStdioConnection(t, fakeResponse)

	res, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", res)
	}
	if _, ok := obj["content"]; !ok {
		t.Errorf("unexpected result %v", obj)
	}
}

func TestStdioConcurrentRequests(t *testing.T) {
	c, _ := newTestStdioConnection(t, fakeResponse)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Ping(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestStdioDropsIDLessLines(t *testing.T) {
	c, p := newTestStdioConnection(t, fakeResponse, WithRequestTimeout(2*time.Second))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fired := make(chan struct{}, 1)
	c.OnNotification(func(string, json.RawMessage) {
		fired <- struct{}{}
	})

	// Notifications, garbage, and blank lines must all be ignored without
	// disturbing request correlation.
	p.push(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	p.push("not json at all")
	p.push("")

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed after noise on the stream: %v", err)
	}

	select {
	case <-fired:
		t.Error("id-less lines must not be dispatched as notifications")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStdioStartFailure(t *testing.T) {
	c := NewStdioConnection("fake-server", nil, nil, WithLogger(testLogger()))
	c.start = func() (io.WriteCloser, io.ReadCloser, *exec.Cmd, error) {
		return nil, nil, nil, errors.New("no such binary")
	}

	err := c.Connect(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %T: %v", err, err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after failed start, got %v", c.State())
	}
}
