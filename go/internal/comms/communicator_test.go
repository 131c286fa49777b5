package comms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/roomnode/go/internal/protocol"
)

const testMAC = "b8:27:eb:00:00:01"

type published struct {
	subject string
	data    []byte
	msgID   string
}

type fakeConn struct {
	mu        sync.Mutex
	subs      map[string]Handler
	published []published
	closed    bool
	failures  int
	onClosed  func()
	pubCh     chan published
	failCh    chan published
}

func newFakeConn(onClosed func()) *fakeConn {
	return &fakeConn{
		subs:     make(map[string]Handler),
		onClosed: onClosed,
		pubCh:    make(chan published, 64),
		failCh:   make(chan published, 64),
	}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	return c.record(published{subject: subject, data: data})
}

func (c *fakeConn) PublishDurable(ctx context.Context, subject string, data []byte, msgID string) error {
	return c.record(published{subject: subject, data: data, msgID: msgID})
}

func (c *fakeConn) record(p published) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		c.failCh <- p
		return errors.New("nats: timeout")
	}
	c.published = append(c.published, p)
	c.mu.Unlock()
	c.pubCh <- p
	return nil
}

// failPublishes makes the next n publishes fail.
func (c *fakeConn) failPublishes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
}

type fakeSub struct {
	conn    *fakeConn
	subject string
}

func (s fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s.subject)
	return nil
}

func (c *fakeConn) Subscribe(subject string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subject] = h
	return fakeSub{conn: c, subject: subject}, nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.onClosed()
}

func (c *fakeConn) subscribed(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[subject]
	return ok
}

func (c *fakeConn) deliver(t *testing.T, subject string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	h, ok := c.subs[subject]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", subject)
	}
	h(subject, data)
}

func (c *fakeConn) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.published {
		if p.subject == subject {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	conns    chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, addr string, port int, onClosed func()) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn(onClosed)
	d.conns <- conn
	return conn, nil
}

type configResult struct {
	cfg *protocol.RoomConfig
	err error
}

type fakeListener struct {
	connected chan struct{}
	lost      chan struct{}
	configs   chan configResult
	own       chan protocol.Message
	paired    chan protocol.Message
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		connected: make(chan struct{}, 8),
		lost:      make(chan struct{}, 8),
		configs:   make(chan configResult, 8),
		own:       make(chan protocol.Message, 8),
		paired:    make(chan protocol.Message, 8),
	}
}

func (l *fakeListener) ServerConnected() { l.connected <- struct{}{} }
func (l *fakeListener) ServerLost()      { l.lost <- struct{}{} }
func (l *fakeListener) ConfigReceived(cfg *protocol.RoomConfig, err error) {
	l.configs <- configResult{cfg, err}
}
func (l *fakeListener) RoomMessage(msg protocol.Message)       { l.own <- msg }
func (l *fakeListener) PairedRoomMessage(msg protocol.Message) { l.paired <- msg }

type fakeHost struct{}

func (fakeHost) IPv4() string     { return "10.0.0.20" }
func (fakeHost) Hostname() string { return "room-3" }

type harness struct {
	comm     *Communicator
	clock    *clockwork.FakeClock
	dialer   *fakeDialer
	listener *fakeListener
}

func newHarness(t *testing.T, failures int) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		dialer:   newFakeDialer(failures),
		listener: newFakeListener(),
	}
	h.comm = New(DefaultOptions(testMAC), h.dialer, fakeHost{}, h.clock, nil)
	h.comm.SetListener(h.listener)
	t.Cleanup(h.comm.Close)
	return h
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connect brings the harness to a connected state and returns the live connection.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	h.comm.Connect("10.0.0.1", 4222)
	conn := wait(t, h.dialer.conns, "dial")
	wait(t, h.listener.connected, "connected callback")
	return conn
}

// handshake answers the config request with cfg and waits for the listener.
func (h *harness) handshake(t *testing.T, conn *fakeConn, cfg map[string]any) configResult {
	t.Helper()
	conn.deliver(t, protocol.ConfigReceiveSubject(testMAC), cfg)
	return wait(t, h.listener.configs, "config callback")
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	h := newHarness(t, 1)

	h.comm.Connect("10.0.0.1", 4222)
	blockUntil(t, h.clock, 1)
	expectNone(t, h.listener.connected, "connected callback after failed dial")

	h.clock.Advance(7 * time.Second)
	conn := wait(t, h.dialer.conns, "second dial")
	wait(t, h.listener.connected, "connected callback")

	if !conn.subscribed(protocol.ConfigReceiveSubject(testMAC)) {
		t.Error("config subject not subscribed after connect")
	}
	if !h.comm.IsConnected() {
		t.Error("IsConnected = false after connect")
	}

	// The connect job cancelled itself, so further time passing dials nothing.
	h.clock.Advance(time.Minute)
	expectNone(t, h.dialer.conns, "dial after success")
}

func TestConfigRequestStopsAfterAck(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t)
	subject := protocol.ConfigRequestSubject(testMAC)

	h.comm.SendConfigRequest()
	first := wait(t, conn.pubCh, "initial config request")
	if first.subject != subject {
		t.Fatalf("first publish on %s", first.subject)
	}

	var req protocol.ConfigRequest
	if err := json.Unmarshal(first.data, &req); err != nil {
		t.Fatal(err)
	}
	if req.MAC != testMAC || req.Type != "room" || req.IP != "10.0.0.20" || req.Hostname != "room-3" {
		t.Errorf("config request = %+v", req)
	}

	blockUntil(t, h.clock, 1)
	h.clock.Advance(6 * time.Second)
	if p := wait(t, conn.pubCh, "resend"); p.subject != subject {
		t.Fatalf("resend on %s", p.subject)
	}

	h.handshake(t, conn, map[string]any{"room": "3", "points": []int{100, 200}})

	h.clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if n := conn.count(subject); n != 2 {
		t.Errorf("config requests = %d, want 2", n)
	}
}

func TestRemovedRoomIsReportedAsHandshakeFailure(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t)

	res := h.handshake(t, conn, map[string]any{"room": "removed"})
	if !errors.Is(res.err, protocol.ErrRoomRemoved) || res.cfg != nil {
		t.Fatalf("result = %+v", res)
	}
	if conn.subscribed(protocol.SetStatusSubject("removed")) {
		t.Error("subscribed to subjects of a removed room")
	}
	if n := conn.count(protocol.AliveSubject); n != 0 {
		t.Errorf("heartbeats = %d, want 0", n)
	}
}

func TestHandshakeSubscribesRoomAndPair(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t)

	res := h.handshake(t, conn, map[string]any{
		"room":         3,
		"points":       []int{100, 200, 300},
		"roomType":     "competitive",
		"otherRoomNbr": 7,
	})
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.cfg.RoomID != "3" || res.cfg.PairedRoomID != "7" || res.cfg.RoomType != protocol.RoomTypeCompetition {
		t.Errorf("config = %+v", res.cfg)
	}

	for _, subject := range []string{
		protocol.SetStatusSubject("3"),
		protocol.DoorStatusSubject("3"),
		protocol.TagScanSubject("3"),
		protocol.RoomStatusSubject("7"),
		protocol.DoorStatusSubject("7"),
	} {
		if !conn.subscribed(subject) {
			t.Errorf("missing subscription %s", subject)
		}
	}

	hb := wait(t, conn.pubCh, "heartbeat")
	if hb.subject != protocol.AliveSubject {
		t.Fatalf("first publish after handshake on %s", hb.subject)
	}
}

func TestDispatchKeepsPairedMessagesApart(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t)
	h.handshake(t, conn, map[string]any{"room": "3", "points": []int{1}, "roomType": "cooperative", "otherRoomNbr": "7"})

	conn.deliver(t, protocol.DoorStatusSubject("7"), map[string]any{"info": "Door Opened (Failed)"})
	msg := wait(t, h.listener.paired, "paired message")
	if msg.Room != "7" || msg.Info != protocol.DoorOpenedFailed {
		t.Errorf("paired message = %+v", msg)
	}
	expectNone(t, h.listener.own, "own message for paired subject")

	conn.deliver(t, protocol.DoorStatusSubject("3"), map[string]any{"info": "Idle"})
	msg = wait(t, h.listener.own, "own message")
	if msg.Room != "3" || msg.Channel != protocol.ChannelDoorStatus || msg.Info != protocol.DoorIdle {
		t.Errorf("own message = %+v", msg)
	}
	expectNone(t, h.listener.paired, "paired message for own subject")
}

func TestNewHandshakeReplacesRoomSubscriptions(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t)

	h.handshake(t, conn, map[string]any{"room": "3", "points": []int{1}, "roomType": "competitive", "otherRoomNbr": "7"})
	h.handshake(t, conn, map[string]any{"room": "4", "points": []int{1}})

	for _, subject := range []string{
		protocol.SetStatusSubject("3"),
		protocol.DoorStatusSubject("3"),
		protocol.TagScanSubject("3"),
		protocol.RoomStatusSubject("7"),
		protocol.DoorStatusSubject("7"),
	} {
		if conn.subscribed(subject) {
			t.Errorf("stale subscription %s", subject)
		}
	}
	if !conn.subscribed(protocol.SetStatusSubject("4")) {
		t.Error("new room not subscribed")
	}
	if !conn.subscribed(protocol.ConfigReceiveSubject(testMAC)) {
		t.Error("config subscription was dropped")
	}
}

func TestConnectionDropReportsLost(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.connect(t)

	conn.Close()
	wait(t, h.listener.lost, "lost callback")
	if h.comm.IsConnected() {
		t.Error("still connected after drop")
	}

	// A second disconnect has nothing left to close.
	h.comm.Disconnect(false)
	expectNone(t, h.listener.lost, "second lost callback")
}

func TestQuietDisconnectSuppressesLost(t *testing.T) {
	h := newHarness(t, 0)
	h.connect(t)

	h.comm.Disconnect(true)
	expectNone(t, h.listener.lost, "lost callback")
	if h.comm.IsConnected() {
		t.Error("still connected")
	}
}

func TestDisconnectReportsLostOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.connect(t)

	h.comm.Disconnect(false)
	wait(t, h.listener.lost, "lost callback")
	expectNone(t, h.listener.lost, "duplicate lost callback")
}

func TestSendRoomStatus(t *testing.T) {
	h := newHarness(t, 0)

	if err := h.comm.SendRoomStatus(protocol.RoomStatusReady, nil); !errors.Is(err, ErrNoRoom) {
		t.Errorf("before handshake: err = %v, want ErrNoRoom", err)
	}

	conn := h.connect(t)
	h.handshake(t, conn, map[string]any{"room": "3", "points": []int{100}})
	wait(t, conn.pubCh, "heartbeat")

	level := 1
	if err := h.comm.SendResult(protocol.RoomStatusWon, &level, "ep-1-won"); err != nil {
		t.Fatal(err)
	}
	p := wait(t, conn.pubCh, "result")
	if p.subject != protocol.RoomStatusSubject("3") || p.msgID != "ep-1-won" {
		t.Errorf("result published as %+v", p)
	}
	var report protocol.RoomStatusReport
	if err := json.Unmarshal(p.data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != protocol.RoomStatusWon || report.Room != "3" || report.Level == nil || *report.Level != 1 {
		t.Errorf("report = %+v", report)
	}

}

// ready sets up a configured room and drains the first heartbeat.
func (h *harness) ready(t *testing.T) *fakeConn {
	t.Helper()
	conn := h.connect(t)
	h.handshake(t, conn, map[string]any{"room": "3", "points": []int{100}})
	wait(t, conn.pubCh, "heartbeat")
	return conn
}

func decodeReport(t *testing.T, p published) protocol.RoomStatusReport {
	t.Helper()
	var report protocol.RoomStatusReport
	if err := json.Unmarshal(p.data, &report); err != nil {
		t.Fatal(err)
	}
	return report
}

func TestSendResultRetriesAfterPublishFailure(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.ready(t)
	conn.failPublishes(1)

	if err := h.comm.SendResult(protocol.RoomStatusWon, nil, "ep-1-won"); err != nil {
		t.Fatalf("SendResult = %v, want the failure queued", err)
	}
	wait(t, conn.failCh, "failed first attempt")
	expectNone(t, conn.pubCh, "result before retry")

	// Ping and result retry.
	blockUntil(t, h.clock, 2)
	h.clock.Advance(4 * time.Second)
	p := wait(t, conn.pubCh, "retried result")
	if p.msgID != "ep-1-won" || decodeReport(t, p).Status != protocol.RoomStatusWon {
		t.Errorf("retried result = %+v", p)
	}

	eventually(t, func() bool { return !h.comm.sched.Active(jobResult + "ep-1-won") }, "retry job to stop")
	h.clock.Advance(10 * time.Second)
	expectNone(t, conn.pubCh, "second delivery")
}

func TestSendRoomStatusRetriesAcrossReconnect(t *testing.T) {
	h := newHarness(t, 0)
	h.ready(t)

	h.comm.Disconnect(true)
	if err := h.comm.SendRoomStatus(protocol.RoomStatusReady, nil); err != nil {
		t.Fatalf("SendRoomStatus while disconnected = %v, want it queued", err)
	}

	conn := h.connect(t)
	blockUntil(t, h.clock, 1)
	h.clock.Advance(4 * time.Second)
	p := wait(t, conn.pubCh, "status after reconnect")
	if p.subject != protocol.RoomStatusSubject("3") || decodeReport(t, p).Status != protocol.RoomStatusReady {
		t.Errorf("status published as %+v", p)
	}
}

func TestNewerStatusReplacesPendingRetry(t *testing.T) {
	h := newHarness(t, 0)
	conn := h.ready(t)
	conn.failPublishes(1)

	if err := h.comm.SendRoomStatus(protocol.RoomStatusReady, nil); err != nil {
		t.Fatal(err)
	}
	wait(t, conn.failCh, "failed ready")
	if err := h.comm.SendRoomStatus(protocol.RoomStatusReset, nil); err != nil {
		t.Fatal(err)
	}
	if got := decodeReport(t, wait(t, conn.pubCh, "reset")).Status; got != protocol.RoomStatusReset {
		t.Fatalf("published %q, want reset", got)
	}
	if h.comm.sched.Active(jobStatus) {
		t.Fatal("stale ready retry still scheduled")
	}

	h.clock.Advance(10 * time.Second)
	expectNone(t, conn.pubCh, "stale ready")
}

func TestResultRetriesStopAfterWindow(t *testing.T) {
	h := newHarness(t, 0)
	h.comm.opts.RetryWindow = time.Nanosecond
	conn := h.ready(t)
	conn.failPublishes(100)

	if err := h.comm.SendResult(protocol.RoomStatusLost, nil, "ep-1-lost"); err != nil {
		t.Fatal(err)
	}
	wait(t, conn.failCh, "first attempt")
	blockUntil(t, h.clock, 2)
	h.clock.Advance(4 * time.Second)
	wait(t, conn.failCh, "retry")

	eventually(t, func() bool { return !h.comm.sched.Active(jobResult + "ep-1-lost") }, "retries to stop")
	h.clock.Advance(10 * time.Second)
	expectNone(t, conn.failCh, "retry after the window closed")
}
