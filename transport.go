package mcpwire

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"time"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

// Connection lifecycle states. Every transport variant shares the same shape:
// Idle → Connecting → Handshaking → Ready, degrading to Degraded when liveness
// checks or sends fail, from where the liveness monitor either restores Ready
// via Reconnecting or gives up and moves to Closed.
const (
	StateIdle ConnState = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// NotificationHandler receives server-initiated notifications: the method name
// and the raw params payload.
type NotificationHandler func(method string, params json.RawMessage)

// Connection is a single MCP server connection. One Connection exists per
// configured server; connections are fully independent and share no underlying
// resources. All blocking operations are timeout-bounded and safe for
// concurrent use from multiple goroutines.
type Connection interface {
	// Connect establishes the underlying channel and performs the MCP
	// initialize handshake. It is idempotent: calling it on a Ready connection
	// returns immediately. A handshake failure is fatal to the whole attempt.
	Connect(ctx context.Context) error

	// ListTools returns the server's tools, from cache when one exists. The
	// cache is replaced wholesale on refresh and invalidated by a
	// notifications/tools/list_changed push.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes a named tool with the given arguments and returns the
	// raw result object.
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)

	// CallToolStream invokes a tool as a result sequence. None of the wire
	// transports in this package supports true streaming, so the sequence
	// degrades to a single element holding the one result.
	CallToolStream(ctx context.Context, name string, args map[string]any) iter.Seq2[any, error]

	// Ping sends a protocol ping. The liveness monitor uses the same method
	// internally.
	Ping(ctx context.Context) error

	// RPCRequest issues a raw JSON-RPC request and blocks for its correlated
	// response.
	RPCRequest(ctx context.Context, method string, params any) (json.RawMessage, error)

	// RPCNotify sends a raw JSON-RPC notification; no response is expected.
	RPCNotify(ctx context.Context, method string, params any) error

	// OnNotification registers a handler for server-initiated notifications.
	OnNotification(handler NotificationHandler)

	// ServerInfo returns the server identity captured during the handshake.
	ServerInfo() Info

	// State returns the current lifecycle state.
	State() ConnState

	// Cleanup tears down all owned resources. It is idempotent and safe to
	// call concurrently with in-flight requests, which then fail with a
	// ConnectionError instead of hanging.
	Cleanup() error
}

// transportHooks is the narrow surface each wire transport implements under
// the shared connection core.
type transportHooks interface {
	// open establishes the underlying channel and performs the initialize
	// handshake. It is called with the connection in Connecting state and
	// must leave server info populated on success.
	open(ctx context.Context) error

	// send transmits one encoded envelope. Transports whose response arrives
	// on the request's own HTTP exchange return it directly; stream transports
	// return nil and let their reader path resolve the correlator.
	send(ctx context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error)

	// close releases the channel resources. It must be idempotent and safe to
	// call concurrently with in-flight requests.
	close()
}

type options struct {
	logger     *slog.Logger
	clientInfo Info

	connectTimeout time.Duration
	requestTimeout time.Duration

	pingInterval    time.Duration
	closeAfter      time.Duration
	maxPingFailures int

	maxReconnects      int
	reconnectBaseDelay time.Duration
	reconnectMaxDelay  time.Duration

	maxRetries int

	headers    map[string]string
	httpClient *http.Client
}

var (
	defaultConnectTimeout = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second

	defaultPingInterval    = 30 * time.Second
	defaultCloseAfter      = 5 * time.Minute
	defaultMaxPingFailures = 3

	defaultMaxReconnects      = 5
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 30 * time.Second

	defaultMaxRetries = 2
)

// ConnectionOption is a function that configures a connection.
type ConnectionOption func(*options)

// WithLogger sets the logger for the connection.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClientInfo sets the client identity sent during the initialize handshake.
func WithClientInfo(info Info) ConnectionOption {
	return func(o *options) {
		o.clientInfo = info
	}
}

// WithConnectTimeout bounds how long Connect may take, handshake included.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// WithRequestTimeout bounds how long a single request waits for its response.
func WithRequestTimeout(timeout time.Duration) ConnectionOption {
	return func(o *options) {
		o.requestTimeout = timeout
	}
}

// WithPingInterval sets the idle duration after which the liveness monitor
// starts pinging the server.
func WithPingInterval(interval time.Duration) ConnectionOption {
	return func(o *options) {
		o.pingInterval = interval
	}
}

// WithCloseAfter sets the idle duration after which the liveness monitor
// proactively closes the connection to conserve resources. The next call
// reconnects transparently.
func WithCloseAfter(d time.Duration) ConnectionOption {
	return func(o *options) {
		o.closeAfter = d
	}
}

// WithMaxPingFailures sets how many consecutive ping failures the liveness
// monitor tolerates before escalating to reconnection.
func WithMaxPingFailures(n int) ConnectionOption {
	return func(o *options) {
		o.maxPingFailures = n
	}
}

// WithMaxReconnects sets how many reconnect attempts the liveness monitor
// makes before permanently closing the connection.
func WithMaxReconnects(n int) ConnectionOption {
	return func(o *options) {
		o.maxReconnects = n
	}
}

// WithReconnectDelay sets the base and maximum delay of the exponential
// backoff between reconnect attempts.
func WithReconnectDelay(base, max time.Duration) ConnectionOption {
	return func(o *options) {
		o.reconnectBaseDelay = base
		o.reconnectMaxDelay = max
	}
}

// WithMaxRetries sets how many times a transiently failed request is retried
// before the error surfaces to the caller.
func WithMaxRetries(n int) ConnectionOption {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithHeaders sets custom headers attached to every request on HTTP-based
// transports.
func WithHeaders(headers map[string]string) ConnectionOption {
	return func(o *options) {
		o.headers = headers
	}
}

// WithHTTPClient sets the HTTP client used by HTTP-based transports. If nil,
// the default HTTP client is used.
func WithHTTPClient(client *http.Client) ConnectionOption {
	return func(o *options) {
		o.httpClient = client
	}
}

func buildOptions(opts []ConnectionOption) options {
	o := options{
		logger:             slog.Default(),
		clientInfo:         Info{Name: "mcpwire", Version: "0.2.0"},
		connectTimeout:     defaultConnectTimeout,
		requestTimeout:     defaultRequestTimeout,
		pingInterval:       defaultPingInterval,
		closeAfter:         defaultCloseAfter,
		maxPingFailures:    defaultMaxPingFailures,
		maxReconnects:      defaultMaxReconnects,
		reconnectBaseDelay: defaultReconnectBaseDelay,
		reconnectMaxDelay:  defaultReconnectMaxDelay,
		maxRetries:         defaultMaxRetries,
		httpClient:         http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
