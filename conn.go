package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// conn is the shared core of every transport variant: the lifecycle state
// machine, the pending-request correlator, the tool cache, the liveness
// counters, and the session state all live here, guarded by a single mutex.
// State transitions are broadcast by swapping a closed channel so that blocked
// callers wake as soon as the connection becomes ready or fails, rather than
// polling.
type conn struct {
	opts   options
	logger *slog.Logger
	tr     transportHooks

	corr *correlator

	mu           sync.Mutex
	state        ConnState
	stateChanged chan struct{}
	serverInfo   Info
	serverCaps   ServerCapabilities
	tools        []Tool
	handlers     []NotificationHandler
	live         livenessState
	sess         sessionState
}

func newConn(tr transportHooks, opts []ConnectionOption) *conn {
	o := buildOptions(opts)
	return &conn{
		opts:         o,
		logger:       o.logger,
		tr:           tr,
		corr:         newCorrelator(o.logger),
		state:        StateIdle,
		stateChanged: make(chan struct{}),
	}
}

func (c *conn) setStateLocked(s ConnState) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

func (c *conn) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

// State returns the current lifecycle state.
func (c *conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the server identity captured during the handshake.
func (c *conn) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capability groups the server advertised.
func (c *conn) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// touch refreshes the liveness activity timestamp. Every received frame counts
// as activity, preventing unnecessary pings during genuine traffic.
func (c *conn) touch() {
	c.mu.Lock()
	c.live.lastActivity = time.Now()
	c.mu.Unlock()
}

// Connect establishes the underlying channel and performs the initialize
// handshake. Idempotent: returns immediately when already Ready. When another
// goroutine is mid-connect, this one waits for the transition instead of
// opening a second channel.
func (c *conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	for {
		switch c.state {
		case StateReady:
			c.mu.Unlock()
			return nil
		case StateClosed:
			c.mu.Unlock()
			return &ConnectionError{Message: "connection is closed"}
		case StateIdle:
		default:
			// Connecting, Handshaking, Degraded, or Reconnecting: a caller or
			// the liveness monitor is already driving a transition.
			ch := c.stateChanged
			c.mu.Unlock()
			select {
			case <-ch:
				c.mu.Lock()
				continue
			case <-ctx.Done():
				return &ConnectionError{Message: "Timed out waiting for connection", Err: ctx.Err()}
			}
		}
		break
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.setState(StateIdle)
		return err
	}

	c.startMonitor()
	return nil
}

// establish runs the variant's open under the connect timeout and moves the
// connection to Ready. Handshake failure is fatal to the whole attempt; the
// attempt is not retried here.
func (c *conn) establish(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	if err := c.tr.open(dctx); err != nil {
		c.tr.close()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &ConnectionError{
				Message: fmt.Sprintf("Timed out connecting after %s", c.opts.connectTimeout),
			}
		}
		return connectFailure(err)
	}

	c.mu.Lock()
	c.setStateLocked(StateReady)
	c.live.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// connectFailure passes taxonomy errors through unchanged and wraps anything
// else (dial-level net and url errors) as a ConnectionError.
func connectFailure(err error) error {
	var ce *ConnectionError
	var te *TransportError
	var se *ServerError
	if errors.As(err, &ce) || errors.As(err, &te) || errors.As(err, &se) {
		return err
	}
	return &ConnectionError{Message: "failed to connect", Err: err}
}

// handshake sends the initialize request and captures the server's identity
// and capabilities. Variants call it from open once their channel is up; the
// Stdio variant additionally sends the initialized notification afterward.
func (c *conn) handshake(ctx context.Context, proto string, notifyInitialized bool) error {
	c.setState(StateHandshaking)

	raw, err := c.roundTrip(ctx, methodInitialize, initializeParams{
		ProtocolVersion: proto,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.opts.clientInfo,
	})
	if err != nil {
		// Authorization and dial failures already carry the right shape.
		var ce *ConnectionError
		if errors.As(err, &ce) {
			return err
		}
		return &ConnectionError{Message: "handshake failed", Err: err}
	}

	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return &ConnectionError{Message: "handshake failed: malformed initialize result", Err: err}
	}

	c.mu.Lock()
	c.serverInfo = res.ServerInfo
	c.serverCaps = res.Capabilities
	c.mu.Unlock()

	c.logger.Info("connected to server",
		slog.String("name", res.ServerInfo.Name),
		slog.String("version", res.ServerInfo.Version),
		slog.String("protocolVersion", res.ProtocolVersion))

	if notifyInitialized {
		msg, err := newNotification(methodNotificationsInitialized, nil)
		if err != nil {
			return err
		}
		if _, err := c.tr.send(ctx, msg); err != nil {
			return &ConnectionError{Message: "handshake failed", Err: err}
		}
	}
	return nil
}

// ensureReady returns once the connection is Ready, connecting synchronously
// when Idle and waiting out transitions already in flight. The wait is bounded
// so no caller blocks forever.
func (c *conn) ensureReady(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.connectTimeout)
	for {
		c.mu.Lock()
		state := c.state
		ch := c.stateChanged
		c.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateClosed:
			return &ConnectionError{Message: "connection is closed"}
		case StateIdle:
			if err := c.Connect(ctx); err != nil {
				return err
			}
			continue
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ch:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			return &ConnectionError{Message: "Timed out waiting for connection to become ready"}
		}
	}
}

// roundTrip sends one request and blocks for its correlated response. It does
// not check connection state; callers go through ensureReady, or run during
// the handshake.
func (c *conn) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	pc := c.corr.register()

	msg, err := newRequest(pc.id, method, params)
	if err != nil {
		c.corr.drop(pc.id)
		return nil, err
	}

	direct, err := c.tr.send(ctx, msg)
	if err != nil {
		c.corr.drop(pc.id)
		c.noteSendFailure(err)
		return nil, err
	}
	if direct != nil {
		// Request/response transports resolve through the correlator too,
		// keeping a single fulfillment path for all variants.
		c.corr.fulfill(*direct)
	}

	res, err := pc.await(ctx, c.opts.requestTimeout)
	if err != nil {
		c.corr.drop(pc.id)
		return nil, err
	}
	c.touch()
	return parseResult(res)
}

// noteSendFailure degrades a Ready connection when a send fails at the
// connection level, waking the liveness monitor's reconnect path.
func (c *conn) noteSendFailure(err error) {
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		return
	}
	c.mu.Lock()
	if c.state == StateReady {
		c.setStateLocked(StateDegraded)
	}
	c.mu.Unlock()
}

// opError propagates taxonomy errors to the caller unchanged and wraps
// genuinely unexpected failures as a ToolCallError carrying the operation
// context.
func opError(op string, err error) error {
	var ce *ConnectionError
	var te *TransportError
	var se *ServerError
	var tce *ToolCallError
	if errors.As(err, &ce) || errors.As(err, &te) || errors.As(err, &se) || errors.As(err, &tce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ToolCallError{Op: op, Err: err}
}

// RPCRequest issues a raw JSON-RPC request, transparently connecting when the
// connection was previously torn down, and retrying transient failures with
// backoff.
func (c *conn) RPCRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := withRetry(ctx, c.logger, method, c.opts.maxRetries,
		func(ctx context.Context) (json.RawMessage, error) {
			if err := c.ensureReady(ctx); err != nil {
				return nil, err
			}
			return c.roundTrip(ctx, method, params)
		})
	if err != nil {
		return nil, opError(method, err)
	}
	return raw, nil
}

// RPCNotify sends a raw JSON-RPC notification; no response is expected.
func (c *conn) RPCNotify(ctx context.Context, method string, params any) error {
	if err := c.ensureReady(ctx); err != nil {
		return err
	}
	msg, err := newNotification(method, params)
	if err != nil {
		return opError(method, err)
	}
	if _, err := c.tr.send(ctx, msg); err != nil {
		c.noteSendFailure(err)
		return opError(method, err)
	}
	return nil
}

// Ping sends a protocol ping and waits for its response.
func (c *conn) Ping(ctx context.Context) error {
	_, err := c.RPCRequest(ctx, methodPing, nil)
	return err
}

// livePing is the liveness monitor's ping: no readiness check and no retry, so
// a broken channel fails fast and feeds the failure counter.
func (c *conn) livePing(ctx context.Context) error {
	_, err := c.roundTrip(ctx, methodPing, nil)
	return err
}

type toolsListResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
		Schema      json.RawMessage `json:"schema,omitempty"`
	} `json:"tools"`
}

// ListTools returns the server's tools, from cache when one exists. The cache
// is replaced wholesale on refresh; a notifications/tools/list_changed push or
// InvalidateToolCache clears it.
func (c *conn) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	if c.tools != nil {
		tools := slices.Clone(c.tools)
		c.mu.Unlock()
		return tools, nil
	}
	c.mu.Unlock()

	raw, err := c.RPCRequest(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &TransportError{Message: "failed to unmarshal tools list", Err: err}
	}

	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		// Servers disagree on the schema key name; accept both.
		schema := t.InputSchema
		if schema == nil {
			schema = t.Schema
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
			conn:        c,
		})
	}

	c.mu.Lock()
	c.tools = slices.Clone(tools)
	c.mu.Unlock()
	return tools, nil
}

// InvalidateToolCache clears the cached tool list, forcing the next ListTools
// to refresh from the server.
func (c *conn) InvalidateToolCache() {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
}

// CallTool invokes a named tool and returns the raw result object.
func (c *conn) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := c.RPCRequest(ctx, methodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, opError(fmt.Sprintf("call tool %q", name), err)
	}
	if raw == nil {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &TransportError{Message: "failed to unmarshal tool result", Err: err}
	}
	return result, nil
}

// CallToolStream invokes a tool as a result sequence. None of the wire
// transports in this package supports true streaming, so the sequence
// degrades to a single element holding the one result; the shape exists so
// callers written against it keep working when a streaming transport lands.
func (c *conn) CallToolStream(ctx context.Context, name string, args map[string]any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(c.CallTool(ctx, name, args))
	}
}

// OnNotification registers a handler for server-initiated notifications.
func (c *conn) OnNotification(handler NotificationHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// dispatchNotification routes a server-initiated notification to registered
// handlers. A tools/list_changed push also invalidates the cached tool list
// under the same lock that guards connection state, so a stale list is never
// served concurrently with a refresh.
func (c *conn) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	if method == methodNotificationsToolsListChanged {
		c.tools = nil
	}
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(method, params)
	}
}

// handleIncoming is the shared reader path: responses carrying an id resolve
// the correlator, id-less messages are dispatched as notifications. Every
// received frame counts as activity.
func (c *conn) handleIncoming(msg JSONRPCMessage) {
	c.touch()
	if msg.ID != nil {
		c.corr.fulfill(msg)
		return
	}
	if msg.Method == "" {
		return
	}
	c.dispatchNotification(msg.Method, msg.Params)
}

// Cleanup tears down all owned resources: the monitor and reader goroutines,
// the underlying channel, the cached tool list, and any session state.
// In-flight requests observe a ConnectionError instead of hanging. The
// liveness failure and attempt counters survive cleanup; only a successful
// reconnect resets them.
func (c *conn) Cleanup() error {
	c.stopMonitor()
	c.teardown(&ConnectionError{Message: "connection closed"})

	c.mu.Lock()
	if c.state != StateClosed {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	return nil
}

// teardown closes the channel and fails in-flight requests without touching
// the monitor, so the reconnect path can reuse it while staying alive.
func (c *conn) teardown(reason error) {
	c.tr.close()
	c.corr.failAll(reason)

	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
	c.sess.clear()
}
