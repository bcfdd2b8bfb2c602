package mcpwire

import (
	"context"
	"log/slog"
	"time"
)

// monitorTick is how often the liveness loop wakes to inspect the connection.
const monitorTick = time.Second

// livenessState tracks the health of a connection across its whole lifetime.
// The counters survive cleanup and individual reconnect attempts; only a
// successful reconnect resets them, so escalation persists while the monitor
// keeps trying.
type livenessState struct {
	lastActivity time.Time
	pingFailures int
	reconnects   int

	monitorStop chan struct{}
	monitorDone chan struct{}
}

// startMonitor launches the liveness loop if one is not already running. It is
// called whenever the connection becomes Ready.
func (c *conn) startMonitor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live.monitorStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.live.monitorStop = stop
	c.live.monitorDone = done
	go c.runMonitor(stop, done)
}

// stopMonitor signals the liveness loop to exit and waits until it has.
func (c *conn) stopMonitor() {
	c.mu.Lock()
	stop := c.live.monitorStop
	done := c.live.monitorDone
	c.live.monitorStop = nil
	c.live.monitorDone = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// runMonitor is the per-connection liveness loop. Every tick it closes
// connections idle past closeAfter, pings connections idle past pingInterval,
// and escalates to reconnection once consecutive ping failures reach the
// configured threshold or the connection has degraded. The loop exits as soon
// as the connection is no longer established.
func (c *conn) runMonitor(stop, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.live.monitorDone == done {
			c.live.monitorStop = nil
			c.live.monitorDone = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(monitorTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		state := c.state
		idle := time.Since(c.live.lastActivity)
		failures := c.live.pingFailures
		c.mu.Unlock()

		switch state {
		case StateClosed, StateIdle:
			return
		case StateConnecting, StateHandshaking, StateReconnecting:
			// Another goroutine is mid-transition; look again next tick.
			continue
		}

		if idle >= c.opts.closeAfter {
			// Resource conservation, not an error. The next call reconnects
			// transparently.
			c.logger.Info("closing idle connection", slog.Duration("idle", idle))
			c.teardown(&ConnectionError{Message: "connection closed while idle"})
			c.setState(StateIdle)
			return
		}

		if idle < c.opts.pingInterval && state != StateDegraded {
			continue
		}

		if state == StateDegraded || failures >= c.opts.maxPingFailures {
			if !c.reconnectLoop(stop) {
				// No further automatic recovery; subsequent calls fail with a
				// ConnectionError.
				c.teardown(&ConnectionError{Message: "reconnect attempts exhausted"})
				c.setState(StateClosed)
				return
			}
			continue
		}

		pctx, cancel := context.WithTimeout(context.Background(), c.opts.requestTimeout)
		err := c.livePing(pctx)
		cancel()
		if err != nil {
			c.mu.Lock()
			c.live.pingFailures++
			n := c.live.pingFailures
			c.mu.Unlock()
			// Full detail on the first failure, abbreviated thereafter.
			if n == 1 {
				c.logger.Error("ping failed", slog.Any("err", err))
			} else {
				c.logger.Warn("ping failed", slog.Int("failures", n))
			}
			continue
		}

		c.mu.Lock()
		c.live.pingFailures = 0
		c.live.lastActivity = time.Now()
		c.mu.Unlock()
	}
}

// reconnectLoop retries cleanup+connect with exponential backoff until it
// succeeds or the attempt budget is spent. A successful reconnect resets both
// the ping-failure and the reconnect-attempt counters; a failed attempt
// increments the attempt counter and nothing else. Returns false when the
// budget is exhausted, true otherwise (including when told to stop early).
func (c *conn) reconnectLoop(stop chan struct{}) bool {
	for {
		c.mu.Lock()
		attempts := c.live.reconnects
		if attempts >= c.opts.maxReconnects {
			c.mu.Unlock()
			c.logger.Error("giving up reconnecting", slog.Int("attempts", attempts))
			return false
		}
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		delay := backoffDelay(c.opts.reconnectBaseDelay, c.opts.reconnectMaxDelay, attempts)
		c.logger.Info("reconnecting",
			slog.Int("attempt", attempts+1),
			slog.Duration("delay", delay))

		// Sleep without holding the connection lock.
		select {
		case <-stop:
			return true
		case <-time.After(delay):
		}

		c.teardown(&ConnectionError{Message: "connection lost, reconnecting"})

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.connectTimeout)
		err := c.establish(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.live.pingFailures = 0
			c.live.reconnects = 0
			c.live.lastActivity = time.Now()
			c.mu.Unlock()
			c.logger.Info("reconnected")
			return true
		}

		c.mu.Lock()
		c.live.reconnects++
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed", slog.Any("err", err))
	}
}
