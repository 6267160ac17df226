// Package lifecycle drives the connection state machine: dialing, pairing,
// reconnect scheduling, and the flow of credential mutations back into the
// record store. At most one connection handle is live at any time.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrelcm/zapkeeper/internal/bus"
	"github.com/andrelcm/zapkeeper/internal/conn"
	"github.com/andrelcm/zapkeeper/internal/creds"
	"github.com/andrelcm/zapkeeper/internal/status"
)

// ErrNotConnected is returned for operations that need an open connection.
var ErrNotConnected = errors.New("not connected")

// Backoff bounds the reconnect delay. Delay doubles from Min per
// consecutive failure, capped at Max, and resets on a successful open.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff matches the configured defaults.
var DefaultBackoff = Backoff{Min: 2 * time.Second, Max: time.Minute}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Min
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Snapshot is the caller-facing status surface: the readiness flag and,
// while pending, the current pairing challenge.
type Snapshot struct {
	SessionID string
	State     status.State
	Open      bool
	Challenge string
}

// Controller owns the single active connection instance.
type Controller struct {
	factory conn.Factory
	adapter *creds.Adapter
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	backoff Backoff

	mu        sync.Mutex
	gen       uint64 // attempt generation; bumping it makes older handles inert
	dialing   bool
	handle    conn.Handle
	open      bool
	challenge string
	attempt   int
	timer     *time.Timer
	stopped   bool

	writes sync.WaitGroup // in-flight credential writes
	loops  sync.WaitGroup // event loop goroutines
}

// New creates a controller. Nothing starts until Start.
func New(factory conn.Factory, adapter *creds.Adapter, machine *status.Machine, b *bus.Bus, logger *zap.Logger, backoff Backoff) *Controller {
	if backoff.Min <= 0 {
		backoff = DefaultBackoff
	}
	return &Controller{
		factory: factory,
		adapter: adapter,
		machine: machine,
		bus:     b,
		logger:  logger,
		backoff: backoff,
	}
}

// Start launches the first connection attempt.
func (c *Controller) Start() {
	go c.connect()
}

// Stop supersedes any live handle and pending timer and waits for
// in-flight credential writes to land. The controller cannot be restarted.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	h := c.handle
	c.handle = nil
	c.open = false
	c.mu.Unlock()

	if h != nil {
		h.Close()
	}
	c.writes.Wait()
	c.loops.Wait()
}

// Snapshot returns the externally observable connection status.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID: c.adapter.SessionID(),
		State:     c.machine.Current(),
		Open:      c.open,
		Challenge: c.challenge,
	}
}

// SendText sends through the live handle. Fails fast when not open.
func (c *Controller) SendText(ctx context.Context, recipient, text string) (string, error) {
	h, err := c.liveHandle()
	if err != nil {
		return "", err
	}
	return h.SendText(ctx, recipient, text)
}

// CheckRecipient checks recipient existence through the live handle.
func (c *Controller) CheckRecipient(ctx context.Context, recipient string) (bool, error) {
	h, err := c.liveHandle()
	if err != nil {
		return false, err
	}
	return h.CheckRecipient(ctx, recipient)
}

// Logout asks the live handle to invalidate the session server-side. The
// resulting logged-out close event halts reconnection; stored rows are
// kept unless Wipe is called explicitly.
func (c *Controller) Logout(ctx context.Context) error {
	h, err := c.liveHandle()
	if err != nil {
		return err
	}
	return h.Logout(ctx)
}

// Wipe deletes this session's stored rows. Explicit cleanup only.
func (c *Controller) Wipe(ctx context.Context) (int64, error) {
	return c.adapter.Wipe(ctx)
}

func (c *Controller) liveHandle() (conn.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.handle == nil {
		return nil, ErrNotConnected
	}
	return c.handle, nil
}

// connect runs one connection attempt. Credentials are loaded fresh from
// the store on every attempt so out-of-process changes are observed.
func (c *Controller) connect() {
	c.mu.Lock()
	if c.stopped || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.gen++
	gen := c.gen
	old := c.handle
	c.handle = nil
	c.open = false
	c.mu.Unlock()

	// The prior instance must be fully superseded before dialing.
	if old != nil {
		old.Close()
	}

	_ = c.machine.Transition(status.Connecting)

	ctx := context.Background()
	rec, err := c.adapter.Load(ctx)
	if err != nil {
		c.retry(gen, err)
		return
	}

	h, err := c.factory.Dial(ctx, conn.AuthState{Creds: rec, Store: c.adapter})
	if err != nil {
		c.retry(gen, err)
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.dialing = false
		c.mu.Unlock()
		// Never adopted, so nothing consumes its events; drain until
		// Close ends the stream so its producers cannot block.
		go func() {
			for range h.Events() {
			}
		}()
		h.Close()
		return
	}
	c.handle = h
	c.dialing = false
	c.mu.Unlock()

	c.loops.Add(1)
	go c.eventLoop(gen, h)
}

// eventLoop consumes one handle's events in order. Running on a single
// goroutine per handle is what guarantees a credentials-changed event is
// observed before a subsequent close.
func (c *Controller) eventLoop(gen uint64, h conn.Handle) {
	defer c.loops.Done()

	for evt := range h.Events() {
		if c.stale(gen) {
			// Superseded: keep draining so the handle's producers never
			// block; Close ends the stream.
			continue
		}
		switch evt.Kind {
		case conn.EventPairing:
			c.handlePairing(evt.Challenge)
		case conn.EventOpen:
			c.handleOpen()
		case conn.EventCreds:
			c.handleCreds(evt.Creds)
		case conn.EventClosed:
			// Contract: the close event is the last one delivered.
			c.handleClosed(gen, evt.Code)
			return
		}
	}
	// Channel closed without a close event: the handle died silently.
	if !c.stale(gen) {
		c.handleClosed(gen, conn.CodeUnknown)
	}
}

func (c *Controller) stale(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen || c.stopped
}

func (c *Controller) handlePairing(challenge string) {
	c.mu.Lock()
	if challenge == c.challenge {
		// Unconsumed challenge re-emitted; do not re-prompt.
		c.mu.Unlock()
		return
	}
	c.challenge = challenge
	c.mu.Unlock()

	if c.machine.Current() == status.Connecting {
		_ = c.machine.Transition(status.Pairing)
	}
	c.logger.Info("pairing challenge issued")
	c.bus.Publish(bus.Event{Topic: "conn.pairing", Data: challenge})
}

func (c *Controller) handleOpen() {
	c.mu.Lock()
	c.open = true
	c.challenge = ""
	c.attempt = 0
	c.mu.Unlock()

	_ = c.machine.Transition(status.Open)
	c.logger.Info("connection open")
	c.bus.Publish(bus.Event{Topic: "conn.open"})
}

// handleCreds dispatches the store write without blocking the event loop;
// the protocol callback must never stall on a slow store. The in-memory
// record stays authoritative regardless of the write's outcome.
func (c *Controller) handleCreds(rec *creds.CredentialRecord) {
	if rec == nil {
		return
	}
	snapshot := *rec
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := c.adapter.SaveCredentials(context.Background(), &snapshot); err != nil {
			c.logger.Error("credential save failed", zap.Error(err))
			c.bus.Publish(bus.Event{Topic: "creds.save_failed", Data: err.Error()})
			return
		}
		c.bus.Publish(bus.Event{Topic: "creds.saved"})
	}()
}

func (c *Controller) handleClosed(gen uint64, code int) {
	// Let the last key rotation land before deciding what happens next.
	c.writes.Wait()

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.challenge = ""
	c.handle = nil
	c.mu.Unlock()

	_ = c.machine.Transition(status.Closed)
	c.bus.Publish(bus.Event{Topic: "conn.closed", Data: code})

	if conn.Terminal(code) {
		c.mu.Lock()
		c.stopped = true
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.mu.Unlock()
		c.logger.Warn("logged out, reconnection halted", zap.Int("code", code))
		c.bus.Publish(bus.Event{Topic: "conn.logged_out", Data: code})
		return
	}

	c.logger.Warn("connection closed, will reconnect", zap.Int("code", code))
	c.scheduleReconnect()
}

// retry handles a failed attempt (load or dial). Unbounded retries by
// design: availability over fast-fail.
func (c *Controller) retry(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.dialing = false
	c.mu.Unlock()

	_ = c.machine.Transition(status.Closed)
	c.logger.Error("connection attempt failed", zap.Error(err))
	c.bus.Publish(bus.Event{Topic: "conn.closed", Data: conn.CodeUnknown})
	c.scheduleReconnect()
}

func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.timer != nil || c.dialing {
		// An attempt or timer is already in flight; never stack two.
		return
	}
	delay := c.backoff.delay(c.attempt)
	c.attempt++
	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.connect()
	})
}
