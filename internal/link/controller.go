package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"gpslink/internal/gps"
)

// Config controls a Controller. Zero values select the defaults noted on
// each field.
type Config struct {
	// Dialer opens the transport. Default: NewTCPDialer(DialTimeout, KeepAlive).
	Dialer Dialer
	// Clock drives the reconnect and waiting timers. Default: wall clock.
	Clock clock.Clock

	// ReconnectDelay is the fixed pause before re-dialing after a failure. 5s.
	ReconnectDelay time.Duration
	// WaitingRetry is how often a Waiting transport re-dials on its own. 1s.
	WaitingRetry time.Duration
	DialTimeout  time.Duration // 5s
	KeepAlive    time.Duration // 15s

	// ReadBufferBytes caps a single transport read. 4096.
	ReadBufferBytes  int
	MaxFragmentBytes int

	ValidateChecksum bool
}

// Controller owns the transport lifecycle for one NMEA source and publishes
// connection state plus fused fixes.
//
// All mutable state lives in the run goroutine; Connect, Disconnect and
// Reconnect only enqueue commands, and observers read through Subscribe and
// Last.
type Controller struct {
	cfg   Config
	clock clock.Clock
	dec   gps.Decoder
	bc    *Broadcaster

	// mu orders Start against Close; closed is also read lock-free by send.
	mu      sync.Mutex
	started bool
	closed  atomic.Bool

	cmds   chan command
	events chan any
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// Owned by run.
	gen      uint64
	endpoint *Endpoint
	state    State
	lastFix  *gps.GeoFix
	reasm    gps.Reassembler
	session  context.CancelFunc
	retry    *clock.Timer
	seq      uint64
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdReconnect
)

type command struct {
	kind     commandKind
	endpoint Endpoint
}

type stateEvent struct {
	gen    uint64
	phase  Phase
	reason string
}

// chunkEvent hands one read to run. data is only valid until ack is closed.
type chunkEvent struct {
	gen  uint64
	data []byte
	ack  chan struct{}
}

type peerClosedEvent struct {
	gen uint64
}

type retryEvent struct {
	gen uint64
}

func New(cfg Config) *Controller {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WaitingRetry <= 0 {
		cfg.WaitingRetry = 1 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = 4096
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewTCPDialer(cfg.DialTimeout, cfg.KeepAlive)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	c := &Controller{
		cfg:    cfg,
		clock:  cfg.Clock,
		dec:    gps.Decoder{ValidateChecksum: cfg.ValidateChecksum},
		cmds:   make(chan command, 16),
		events: make(chan any),
		done:   make(chan struct{}),
		state:  State{Phase: Idle},
		reasm:  gps.Reassembler{MaxFragmentBytes: cfg.MaxFragmentBytes},
	}
	c.bc = NewBroadcaster(Update{State: c.state, Status: c.state.Status(), At: c.clock.Now().UTC()})
	return c
}

// Start launches the controller goroutine. Commands issued before Start are
// queued and applied once it runs.
func (c *Controller) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("link controller is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("link controller is closed")
	}
	if c.started {
		return fmt.Errorf("link controller already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops the controller, drops the transport and ends all subscriptions.
func (c *Controller) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return
	}
	started, cancel := c.started, c.cancel
	if !started {
		// run never owned done; release callers blocked in send.
		close(c.done)
	}
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	c.wg.Wait()
	c.bc.Close()
}

// Connect tears down any current connection and dials host:port.
func (c *Controller) Connect(host string, port int) {
	c.send(command{kind: cmdConnect, endpoint: Endpoint{Host: host, Port: port}})
}

// Disconnect drops the connection and forgets the endpoint, so reconnects
// already scheduled by an earlier failure never fire. The last fix stays
// published.
func (c *Controller) Disconnect() {
	c.send(command{kind: cmdDisconnect})
}

// Reconnect re-dials the last endpoint. It is a no-op when none was set.
func (c *Controller) Reconnect() {
	c.send(command{kind: cmdReconnect})
}

func (c *Controller) Subscribe(buffer int) (int, <-chan Update) {
	if c == nil {
		return 0, nil
	}
	return c.bc.Subscribe(buffer)
}

func (c *Controller) Unsubscribe(id int) {
	if c == nil {
		return
	}
	c.bc.Unsubscribe(id)
}

func (c *Controller) Last() Update {
	if c == nil {
		return Update{}
	}
	return c.bc.Last()
}

func (c *Controller) send(cmd command) {
	if c == nil || c.closed.Load() {
		return
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// post delivers an event to run unless ctx ends first.
func (c *Controller) post(ctx context.Context, ev any) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdConnect:
		if err := cmd.endpoint.Validate(); err != nil {
			log.Printf("link connect rejected: %v", err)
			return
		}
		c.connect(ctx, cmd.endpoint)
	case cmdDisconnect:
		c.teardown()
		c.gen++
		c.endpoint = nil
		c.setState(State{Phase: Cancelled})
	case cmdReconnect:
		if c.endpoint == nil {
			return
		}
		c.connect(ctx, *c.endpoint)
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case chunkEvent:
		defer close(ev.ack)
		if ev.gen != c.gen {
			return
		}
		c.consume(ev.data)
	case stateEvent:
		if ev.gen != c.gen {
			return
		}
		if ev.phase == Failed {
			c.fail(ctx, ev.reason)
			return
		}
		c.setState(State{Phase: ev.phase, Reason: ev.reason})
	case peerClosedEvent:
		if ev.gen != c.gen {
			return
		}
		// Same data-flow teardown as Disconnect, but the endpoint is kept
		// so the reconnect path stays armed.
		c.fail(ctx, "connection closed by peer")
	case retryEvent:
		if ev.gen != c.gen || c.endpoint == nil {
			return
		}
		c.retry = nil
		log.Printf("link reconnecting endpoint=%s", c.endpoint)
		c.connect(ctx, *c.endpoint)
	}
}

func (c *Controller) consume(data []byte) {
	for _, line := range c.reasm.Feed(data) {
		fix, ok := c.dec.Decode(c.clock.Now().UTC(), line)
		if !ok {
			continue
		}
		fused := gps.Merge(c.lastFix, fix, line)
		c.lastFix = &fused
		c.publish()
	}
}

func (c *Controller) connect(ctx context.Context, ep Endpoint) {
	c.teardown()
	c.gen++
	c.endpoint = &ep
	c.setState(State{Phase: Connecting})

	sessionCtx, cancel := context.WithCancel(ctx)
	c.session = cancel
	c.wg.Add(1)
	go func(gen uint64) {
		defer c.wg.Done()
		c.runSession(sessionCtx, gen, ep)
	}(c.gen)
}

// fail publishes the failure and schedules exactly one reconnect for the
// current generation.
func (c *Controller) fail(ctx context.Context, reason string) {
	c.teardown()
	if c.endpoint != nil {
		gen := c.gen
		c.retry = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
			c.post(ctx, retryEvent{gen: gen})
		})
		log.Printf("link reconnect scheduled in=%s endpoint=%s", c.cfg.ReconnectDelay, c.endpoint)
	}
	c.setState(State{Phase: Failed, Reason: reason})
}

// teardown stops the session and any pending reconnect and clears the
// fragment buffer. It does not touch the endpoint or the published fix.
func (c *Controller) teardown() {
	if c.session != nil {
		c.session()
		c.session = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.reasm.Reset()
}

func (c *Controller) setState(s State) {
	if s != c.state {
		if s.Reason != "" {
			log.Printf("link state=%s reason=%q", s.Phase, s.Reason)
		} else {
			log.Printf("link state=%s", s.Phase)
		}
	}
	c.state = s
	c.publish()
}

func (c *Controller) publish() {
	c.seq++
	u := Update{
		Seq:      c.seq,
		State:    c.state,
		Status:   c.state.Status(),
		Endpoint: c.endpoint,
		Fix:      c.lastFix,
		At:       c.clock.Now().UTC(),
	}
	c.bc.Publish(u)
}

// runSession dials ep and pumps reads into run until the connection ends or
// ctx is cancelled. It owns the socket; only one read is in flight and the
// next is issued after run acknowledges the previous chunk.
func (c *Controller) runSession(ctx context.Context, gen uint64, ep Endpoint) {
	addr := ep.Address()
	var conn net.Conn
	for {
		var err error
		conn, err = c.cfg.Dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if isTransient(err) {
			if !c.post(ctx, stateEvent{gen: gen, phase: Waiting, reason: err.Error()}) {
				return
			}
			if !c.sleep(ctx, c.cfg.WaitingRetry) {
				return
			}
			continue
		}
		c.post(ctx, stateEvent{gen: gen, phase: Failed, reason: err.Error()})
		return
	}
	defer func() { _ = conn.Close() }()
	// Unblock a pending Read when the session is torn down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if !c.post(ctx, stateEvent{gen: gen, phase: Ready}) {
		return
	}

	buf := make([]byte, c.cfg.ReadBufferBytes)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			ack := make(chan struct{})
			if !c.post(ctx, chunkEvent{gen: gen, data: buf[:n], ack: ack}) {
				return
			}
			select {
			case <-ack:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, io.EOF) {
				c.post(ctx, peerClosedEvent{gen: gen})
				return
			}
			c.post(ctx, stateEvent{gen: gen, phase: Failed, reason: err.Error()})
			return
		}
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
