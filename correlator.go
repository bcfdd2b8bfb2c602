package mcpwire

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// rpcOutcome is what a waiting caller receives: either the correlated response
// message or the error that tore the connection down underneath it.
type rpcOutcome struct {
	msg JSONRPCMessage
	err error
}

// pendingCall represents one outstanding request. The issuing goroutine blocks
// on await while the reader path fulfills the call out of band.
type pendingCall struct {
	id int64
	ch chan rpcOutcome
}

// correlator maps outstanding request ids to the goroutines awaiting their
// results. Ids are connection-scoped, monotonically increasing, and never
// reused while still pending. Each id is fulfilled at most once; a second
// response for the same id is logged and dropped, since servers are not
// trusted to be well-behaved.
type correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		logger:  logger,
		pending: make(map[int64]*pendingCall),
	}
}

// register allocates the next request id and records a pending call for it.
func (c *correlator) register() *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	pc := &pendingCall{
		id: c.nextID,
		ch: make(chan rpcOutcome, 1),
	}
	c.pending[pc.id] = pc
	return pc
}

// fulfill resolves the pending call matching the message id, waking its waiter.
// Messages without an id, with an unknown id, or with an id that was already
// fulfilled are dropped.
func (c *correlator) fulfill(msg JSONRPCMessage) {
	if msg.ID == nil {
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("dropping response with no pending request", slog.Int64("id", *msg.ID))
		return
	}
	pc.ch <- rpcOutcome{msg: msg}
}

// drop removes a pending call without fulfilling it, after its waiter gave up.
func (c *correlator) drop(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// failAll wakes every waiter with err and clears the pending set. Called when
// the connection is torn down so no in-flight request hangs forever.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- rpcOutcome{err: err}
	}
}

// await blocks until the call is fulfilled, the timeout elapses, or ctx is
// cancelled. The channel-based wakeup is immediate on fulfillment; there is no
// polling interval.
func (pc *pendingCall) await(ctx context.Context, timeout time.Duration) (JSONRPCMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.ch:
		return out.msg, out.err
	case <-timer.C:
		return JSONRPCMessage{}, &TransportError{Message: "timed out waiting for response"}
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}
}
