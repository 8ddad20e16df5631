package link

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	testRMC = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A\r\n"
	testGGA = "$GPGGA,123520,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n"
)

type dialResult struct {
	conn net.Conn
	err  error
}

// fakeDialer hands out queued results in order and records every dial.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   chan string
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results, dials: make(chan string, 32)}
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials <- address
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r.conn, r.err
}

func newTestController(t *testing.T, d Dialer) (*Controller, *clock.Mock, <-chan Update) {
	t.Helper()
	mock := clock.NewMock()
	c := New(Config{Dialer: d, Clock: mock})
	_, updates := c.Subscribe(256)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Close)
	return c, mock, updates
}

func waitUpdate(t *testing.T, updates <-chan Update, what string, pred func(Update) bool) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				t.Fatalf("updates closed while waiting for %s", what)
			}
			if pred(u) {
				return u
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func phaseIs(p Phase) func(Update) bool {
	return func(u Update) bool { return u.State.Phase == p }
}

func waitDial(t *testing.T, d *fakeDialer) string {
	t.Helper()
	select {
	case addr := <-d.dials:
		return addr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dial")
		return ""
	}
}

func expectNoDial(t *testing.T, d *fakeDialer) {
	t.Helper()
	select {
	case addr := <-d.dials:
		t.Fatalf("unexpected dial to %s", addr)
	case <-time.After(150 * time.Millisecond):
	}
}

// expectPeerClosed waits for the controller side of a pipe to be closed.
// The controller never writes, so any Read return means it closed.
func expectPeerClosed(t *testing.T, server net.Conn) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := server.Read(make([]byte, 1))
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected closed transport, read succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transport not closed")
	}
}

// writeAsync writes pieces in order from one goroutine; net.Pipe writes
// block until the session reads them.
func writeAsync(conn net.Conn, pieces ...string) {
	go func() {
		for _, p := range pieces {
			if _, err := conn.Write([]byte(p)); err != nil {
				return
			}
		}
	}()
}

func TestController_PublishesFusedFix(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := newFakeDialer(dialResult{conn: client})
	c, _, updates := newTestController(t, d)

	c.Connect("gps.local", 10110)
	if addr := waitDial(t, d); addr != "gps.local:10110" {
		t.Fatalf("dial addr=%q", addr)
	}
	waitUpdate(t, updates, "ready", phaseIs(Ready))

	// The RMC sentence straddles two reads.
	writeAsync(server, "noise\n"+testRMC[:20], testRMC[20:], "$GPXXX,garbage\n", testGGA)

	rmc := waitUpdate(t, updates, "rmc fix", func(u Update) bool { return u.Fix != nil })
	if rmc.Fix.Speed < 11.52 || rmc.Fix.Speed > 11.54 {
		t.Fatalf("speed=%v", rmc.Fix.Speed)
	}
	if rmc.Fix.Course != 84.4 {
		t.Fatalf("course=%v", rmc.Fix.Course)
	}

	gga := waitUpdate(t, updates, "gga fix", func(u Update) bool { return u.Fix != nil && u.Fix.Altitude != 0 })
	if gga.Fix.Altitude != 545.4 {
		t.Fatalf("alt=%v", gga.Fix.Altitude)
	}
	if gga.Fix.Speed != rmc.Fix.Speed || gga.Fix.Course != 84.4 {
		t.Fatalf("velocity not carried forward: speed=%v course=%v", gga.Fix.Speed, gga.Fix.Course)
	}
	if gga.State.Phase != Ready || gga.Status != "connected" {
		t.Fatalf("state=%+v status=%q", gga.State, gga.Status)
	}
	if gga.Endpoint == nil || gga.Endpoint.Address() != "gps.local:10110" {
		t.Fatalf("endpoint=%v", gga.Endpoint)
	}
	if last := c.Last(); last.Seq != gga.Seq {
		t.Fatalf("Last().Seq=%d want %d", last.Seq, gga.Seq)
	}
}

func TestController_FailureSchedulesSingleReconnect(t *testing.T) {
	d := newFakeDialer(dialResult{err: errors.New("connection refused")})
	c, mock, updates := newTestController(t, d)

	c.Connect("10.0.0.5", 2947)
	waitDial(t, d)
	u := waitUpdate(t, updates, "failed", phaseIs(Failed))
	if !strings.Contains(u.Status, "connection refused") {
		t.Fatalf("status=%q", u.Status)
	}

	mock.Add(4 * time.Second)
	expectNoDial(t, d)

	mock.Add(1 * time.Second)
	if addr := waitDial(t, d); addr != "10.0.0.5:2947" {
		t.Fatalf("reconnect addr=%q", addr)
	}
	waitUpdate(t, updates, "connecting", phaseIs(Connecting))
	waitUpdate(t, updates, "failed again", phaseIs(Failed))

	// Retries continue at the same fixed delay.
	mock.Add(5 * time.Second)
	waitDial(t, d)
	expectNoDial(t, d)
}

func TestController_DisconnectCancelsPendingReconnect(t *testing.T) {
	d := newFakeDialer(dialResult{err: errors.New("connection reset by peer")})
	c, mock, updates := newTestController(t, d)

	c.Connect("10.0.0.5", 2947)
	waitDial(t, d)
	waitUpdate(t, updates, "failed", phaseIs(Failed))

	c.Disconnect()
	u := waitUpdate(t, updates, "cancelled", phaseIs(Cancelled))
	if u.Endpoint != nil {
		t.Fatalf("endpoint=%v want nil", u.Endpoint)
	}
	if u.Status != "disconnected" {
		t.Fatalf("status=%q", u.Status)
	}

	mock.Add(30 * time.Second)
	expectNoDial(t, d)

	// With the endpoint gone, Reconnect has nothing to reuse.
	c.Reconnect()
	expectNoDial(t, d)
}

func TestController_NewConnectDropsStaleReconnect(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := newFakeDialer(dialResult{err: errors.New("no route to host")}, dialResult{conn: client})
	c, mock, updates := newTestController(t, d)

	c.Connect("old.example", 1)
	waitDial(t, d)
	waitUpdate(t, updates, "failed", phaseIs(Failed))

	c.Connect("new.example", 2)
	if addr := waitDial(t, d); addr != "new.example:2" {
		t.Fatalf("addr=%q", addr)
	}
	waitUpdate(t, updates, "ready", phaseIs(Ready))

	mock.Add(10 * time.Second)
	expectNoDial(t, d)
}

func TestController_PeerCloseIsRecoverable(t *testing.T) {
	client, server := net.Pipe()
	client2, server2 := net.Pipe()
	defer server2.Close()
	d := newFakeDialer(dialResult{conn: client}, dialResult{conn: client2})
	c, mock, updates := newTestController(t, d)

	c.Connect("gps.local", 10110)
	waitDial(t, d)
	waitUpdate(t, updates, "ready", phaseIs(Ready))
	writeAsync(server, testRMC)
	waitUpdate(t, updates, "fix", func(u Update) bool { return u.Fix != nil })

	// Half a sentence, then the peer goes away.
	writeAsync(server, "$GPGGA,123520,4807")
	_ = server.Close()
	u := waitUpdate(t, updates, "failed", phaseIs(Failed))
	if u.State.Reason != "connection closed by peer" {
		t.Fatalf("reason=%q", u.State.Reason)
	}
	if u.Fix == nil {
		t.Fatalf("last fix dropped on peer close")
	}
	if u.Endpoint == nil {
		t.Fatalf("endpoint cleared on peer close")
	}

	mock.Add(5 * time.Second)
	waitDial(t, d)
	waitUpdate(t, updates, "ready again", phaseIs(Ready))

	// The stale fragment from the first connection must not prefix new data.
	writeAsync(server2, ",N,01131.000,E,1,08,0.9,999.9,M,46.9,M,,\r\n", testGGA)
	g := waitUpdate(t, updates, "gga", func(u Update) bool { return u.Fix != nil && u.Fix.Altitude != 0 })
	if g.Fix.Altitude != 545.4 {
		t.Fatalf("alt=%v want 545.4", g.Fix.Altitude)
	}
}

// errConn is a connected transport whose reads fail with err.
type errConn struct {
	net.Conn
	err error
}

func (c errConn) Read([]byte) (int, error) { return 0, c.err }
func (c errConn) Close() error             { return nil }

func TestController_ReadErrorFailsAndReconnects(t *testing.T) {
	d := newFakeDialer(dialResult{conn: errConn{err: errors.New("read: connection reset by peer")}})
	c, mock, updates := newTestController(t, d)

	c.Connect("gps.local", 10110)
	waitDial(t, d)
	waitUpdate(t, updates, "ready", phaseIs(Ready))
	u := waitUpdate(t, updates, "failed", phaseIs(Failed))
	if u.State.Reason != "read: connection reset by peer" {
		t.Fatalf("reason=%q", u.State.Reason)
	}
	if u.Endpoint == nil || u.Endpoint.String() != (Endpoint{Host: "gps.local", Port: 10110}).String() {
		t.Fatalf("endpoint=%v want gps.local:10110 kept", u.Endpoint)
	}

	mock.Add(4 * time.Second)
	expectNoDial(t, d)

	mock.Add(1 * time.Second)
	if addr := waitDial(t, d); addr != "gps.local:10110" {
		t.Fatalf("reconnect addr=%q", addr)
	}
	expectNoDial(t, d)
}

func TestController_DisconnectKeepsLastFix(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := newFakeDialer(dialResult{conn: client})
	c, mock, updates := newTestController(t, d)

	c.Connect("gps.local", 10110)
	waitDial(t, d)
	waitUpdate(t, updates, "ready", phaseIs(Ready))
	writeAsync(server, testRMC)
	waitUpdate(t, updates, "fix", func(u Update) bool { return u.Fix != nil })

	c.Disconnect()
	u := waitUpdate(t, updates, "cancelled", phaseIs(Cancelled))
	if u.Fix == nil || !u.Fix.Valid {
		t.Fatalf("fix=%+v want last known fix", u.Fix)
	}

	expectPeerClosed(t, server)
	mock.Add(time.Minute)
	expectNoDial(t, d)
}

func TestController_ReconnectReusesEndpoint(t *testing.T) {
	c1, s1 := net.Pipe()
	c2, s2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()
	d := newFakeDialer(dialResult{conn: c1}, dialResult{conn: c2})
	c, _, updates := newTestController(t, d)

	c.Reconnect()
	expectNoDial(t, d)

	c.Connect("gps.local", 10110)
	waitDial(t, d)
	waitUpdate(t, updates, "ready", phaseIs(Ready))

	c.Reconnect()
	if addr := waitDial(t, d); addr != "gps.local:10110" {
		t.Fatalf("addr=%q", addr)
	}
	waitUpdate(t, updates, "connecting", phaseIs(Connecting))
	waitUpdate(t, updates, "ready", phaseIs(Ready))
	expectPeerClosed(t, s1)
}

func TestController_WaitingIsInformational(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	temp := &net.DNSError{Err: "temporary failure in name resolution", Name: "gps.local", IsTemporary: true}
	d := newFakeDialer(dialResult{err: temp}, dialResult{conn: client})
	c, mock, updates := newTestController(t, d)

	c.Connect("gps.local", 10110)
	waitDial(t, d)
	u := waitUpdate(t, updates, "waiting", phaseIs(Waiting))
	if !strings.HasPrefix(u.Status, "waiting: ") {
		t.Fatalf("status=%q", u.Status)
	}

	// The transport re-dials on its own; the session registers its timer
	// after publishing Waiting, so step the clock until it fires.
	redialed := false
	for i := 0; i < 50 && !redialed; i++ {
		mock.Add(1 * time.Second)
		select {
		case <-d.dials:
			redialed = true
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !redialed {
		t.Fatalf("waiting transport never re-dialed")
	}
	for {
		u := waitUpdate(t, updates, "ready", func(u Update) bool { return u.State.Phase != Waiting })
		if u.State.Phase == Failed {
			t.Fatalf("waiting must not turn into failed: %+v", u.State)
		}
		if u.State.Phase == Ready {
			break
		}
	}
}

func TestController_InvalidEndpointIgnored(t *testing.T) {
	d := newFakeDialer()
	c, _, updates := newTestController(t, d)

	c.Connect("", 10110)
	c.Connect("gps.local", 0)
	expectNoDial(t, d)
	if got := c.Last().State.Phase; got != Idle {
		t.Fatalf("phase=%s want idle", got)
	}
	select {
	case u := <-updates:
		if u.State.Phase != Idle {
			t.Fatalf("unexpected update %+v", u)
		}
	default:
	}
}

func TestController_CloseEndsSubscriptions(t *testing.T) {
	c := New(Config{Dialer: newFakeDialer(), Clock: clock.NewMock()})
	_, updates := c.Subscribe(1)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected error on second Start")
	}
	c.Close()
	for range updates {
	}
	// Commands after Close are dropped, not blocked.
	c.Connect("gps.local", 1)
	c.Disconnect()
}

func TestController_CloseUnstartedReleasesQueuedCommands(t *testing.T) {
	c := New(Config{Dialer: newFakeDialer(), Clock: clock.NewMock()})

	// Fill the command queue so the next send has to wait.
	for i := 0; i < cap(c.cmds); i++ {
		c.Reconnect()
	}
	sent := make(chan struct{})
	go func() {
		c.Connect("gps.local", 10110)
		close(sent)
	}()

	c.Close()
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("Connect still blocked after Close on an unstarted controller")
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatalf("expected error on Start after Close")
	}
	c.Close()
}

func TestController_ConcurrentStartClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := New(Config{Dialer: newFakeDialer(), Clock: clock.NewMock()})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			c.Close()
		}()

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			c.Close()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: Start/Close did not return", i)
		}
	}
}
