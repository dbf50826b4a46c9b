package central

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/blelink/event"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/transfer"
)

var (
	testService = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")
	testNotify  = uuid.MustParse("00001102-0000-1000-8000-00805f9b34fb")
	testWrite   = uuid.MustParse("00001104-0000-1000-8000-00805f9b34fb")

	headUnit = Peripheral{Name: "HeadUnit", Address: "AA:BB:CC:DD:EE:01"}
	other    = Peripheral{Name: "Other", Address: "AA:BB:CC:DD:EE:02"}
)

// fakeCentral records every call the controller makes
type fakeCentral struct {
	mu        sync.Mutex
	calls     []string
	writes    [][]byte
	mtuErr    error
	notifyErr error
	writeErr  error
}

func (f *fakeCentral) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCentral) Scan(uuid.UUID) error { f.record("scan"); return nil }
func (f *fakeCentral) StopScan() error { f.record("stop_scan"); return nil }
func (f *fakeCentral) Connect(addr string) error { f.record("connect " + addr); return nil }
func (f *fakeCentral) CancelConnection(addr string) error {
	f.record("cancel " + addr)
	return nil
}
func (f *fakeCentral) DiscoverServices(addr string, _ uuid.UUID) error {
	f.record("discover " + addr)
	return nil
}
func (f *fakeCentral) RequestMTU(addr string, mtu int) error {
	f.record("request_mtu " + addr)
	return f.mtuErr
}
func (f *fakeCentral) SetNotify(addr string, _, _ uuid.UUID, _ bool) error {
	f.record("notify " + addr)
	return f.notifyErr
}
func (f *fakeCentral) WriteCharacteristic(addr string, _, char uuid.UUID, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if char != testWrite {
		return errors.New("wrong characteristic")
	}
	f.writes = append(f.writes, append([]byte(nil), value...))
	return f.writeErr
}

func (f *fakeCentral) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeCentral) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeCentral) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// busRecorder collects published control events
type busRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (b *busRecorder) Publish(e event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *busRecorder) find(k event.Kind) (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Kind == k {
			return e, true
		}
	}
	return event.Event{}, false
}

func newTestController(t *testing.T) (*Controller, *fakeCentral, *busRecorder) {
	t.Helper()
	fc := &fakeCentral{}
	bus := &busRecorder{}
	c := NewController(fc, bus, Config{
		ServiceUUID:          testService,
		NotificationCharUUID: testNotify,
		WriteCharUUID:        testWrite,
		Transfer:             transfer.DefaultOptions(),
	})
	return c, fc, bus
}

// bringUp drives the controller from Idle to Ready with the given MTU
func bringUp(t *testing.T, c *Controller, p Peripheral, mtu int) {
	t.Helper()
	if err := c.Scan(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	c.Handle(Event{Kind: Discovered, Peripheral: p})
	c.Handle(Event{Kind: Connected, Peripheral: p})
	c.Handle(Event{Kind: ServicesDiscovered, Peripheral: p})
	c.Handle(Event{Kind: MTUChanged, Peripheral: p, MTU: mtu})
	c.Handle(Event{Kind: NotifyStateChanged, Peripheral: p, Characteristic: testNotify})
	if c.State() != Ready {
		t.Fatalf("State() = %s after bring-up, want ready", c.State())
	}
}

func TestControllerBringUp(t *testing.T) {
	c, fc, bus := newTestController(t)

	steps := []struct {
		name      string
		ev        Event
		wantState State
		wantCall  string
	}{
		{"discovered", Event{Kind: Discovered, Peripheral: headUnit}, Connecting, "connect " + headUnit.Address},
		{"connected", Event{Kind: Connected, Peripheral: headUnit}, Connecting, "discover " + headUnit.Address},
		{"services", Event{Kind: ServicesDiscovered, Peripheral: headUnit}, ServicesReady, "request_mtu " + headUnit.Address},
		{"mtu", Event{Kind: MTUChanged, Peripheral: headUnit, MTU: 185}, MTUNegotiated, "notify " + headUnit.Address},
		{"notify", Event{Kind: NotifyStateChanged, Peripheral: headUnit, Characteristic: testNotify}, Ready, "notify " + headUnit.Address},
	}

	if err := c.Scan(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if c.State() != Scanning {
		t.Fatalf("State() = %s, want scanning", c.State())
	}

	for _, step := range steps {
		c.Handle(step.ev)
		if c.State() != step.wantState {
			t.Fatalf("%s: State() = %s, want %s", step.name, c.State(), step.wantState)
		}
		if got := fc.last(); got != step.wantCall {
			t.Fatalf("%s: last call = %q, want %q", step.name, got, step.wantCall)
		}
	}

	if fc.count("stop_scan") != 1 {
		t.Errorf("stop_scan calls = %d, want 1", fc.count("stop_scan"))
	}
	if got := c.Session().Writer.MTU(); got != 185 {
		t.Errorf("writer MTU = %d, want 185", got)
	}
	if got := c.Session().Reader.MTU(); got != 185 {
		t.Errorf("reader MTU = %d, want 185", got)
	}

	connected, ok := bus.find(event.DeviceConnected)
	if !ok || connected.Name != "HeadUnit" || connected.Address != headUnit.Address {
		t.Errorf("DeviceConnected = %+v, %v", connected, ok)
	}
	if _, ok := bus.find(event.LinkReady); !ok {
		t.Error("LinkReady not published")
	}
}

func TestControllerIgnoresDiscoveriesWhileConnecting(t *testing.T) {
	c, fc, _ := newTestController(t)
	_ = c.Scan()

	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
	c.Handle(Event{Kind: Discovered, Peripheral: other})
	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})

	if fc.count("connect "+headUnit.Address) != 1 || fc.count("connect "+other.Address) != 0 {
		t.Errorf("calls = %v, want exactly one connect to %s", fc.calls, headUnit.Address)
	}
	p, _ := c.Peripheral()
	if p.Address != headUnit.Address {
		t.Errorf("Peripheral() = %s, want %s", p.Address, headUnit.Address)
	}
}

func TestControllerMTUFailureKeepsDefault(t *testing.T) {
	c, _, _ := newTestController(t)
	_ = c.Scan()
	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
	c.Handle(Event{Kind: Connected, Peripheral: headUnit})
	c.Handle(Event{Kind: ServicesDiscovered, Peripheral: headUnit})
	c.Handle(Event{Kind: MTUChanged, Peripheral: headUnit, MTU: 247, Err: errors.New("gatt error 0x85")})

	if got := c.Session().Writer.MTU(); got != frame.DefaultMTU {
		t.Errorf("writer MTU = %d, want %d", got, frame.DefaultMTU)
	}
	if c.State() != MTUNegotiated {
		t.Errorf("State() = %s, want mtu_negotiated", c.State())
	}
}

func TestControllerSyncMTUErrorStillSubscribes(t *testing.T) {
	c, fc, _ := newTestController(t)
	fc.mtuErr = errors.New("mtu request not supported")
	_ = c.Scan()
	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
	c.Handle(Event{Kind: Connected, Peripheral: headUnit})
	c.Handle(Event{Kind: ServicesDiscovered, Peripheral: headUnit})

	if got := fc.last(); got != "notify "+headUnit.Address {
		t.Errorf("last call = %q, want notify", got)
	}
	c.Handle(Event{Kind: NotifyStateChanged, Peripheral: headUnit, Characteristic: testNotify})
	if c.State() != Ready {
		t.Errorf("State() = %s, want ready", c.State())
	}
}

func TestControllerSendAndAck(t *testing.T) {
	c, fc, _ := newTestController(t)
	bringUp(t, c, headUnit, frame.DefaultMTU)

	if err := c.Send(bytes.Repeat([]byte{7}, 40)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if fc.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1 before ack", fc.writeCount())
	}

	// An ack from another device is not ours.
	c.Handle(Event{Kind: WriteComplete, Peripheral: other})
	if fc.writeCount() != 1 {
		t.Fatalf("writes = %d after foreign ack, want 1", fc.writeCount())
	}

	c.Handle(Event{Kind: WriteComplete, Peripheral: headUnit, Characteristic: testWrite})
	c.Handle(Event{Kind: WriteComplete, Peripheral: headUnit, Characteristic: testWrite})
	if fc.writeCount() != 3 {
		t.Errorf("writes = %d, want 3", fc.writeCount())
	}
}

func TestControllerSendBeforeReady(t *testing.T) {
	c, fc, _ := newTestController(t)
	_ = c.Scan()
	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
	c.Handle(Event{Kind: Connected, Peripheral: headUnit})

	if err := c.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() while discovering = %v, want ErrNotConnected", err)
	}
	c.Handle(Event{Kind: ServicesDiscovered, Peripheral: headUnit})
	c.Handle(Event{Kind: MTUChanged, Peripheral: headUnit, MTU: frame.DefaultMTU})
	if err := c.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() before notifications = %v, want ErrNotConnected", err)
	}
	c.Handle(Event{Kind: NotifyStateChanged, Peripheral: headUnit, Characteristic: testNotify})
	if fc.writeCount() != 0 {
		t.Fatalf("writes = %d before ready, want 0", fc.writeCount())
	}

	if err := c.Send(make([]byte, 40)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	c.Handle(Event{Kind: WriteComplete, Peripheral: headUnit, Characteristic: testWrite})
	if fc.writeCount() != 2 {
		t.Errorf("writes = %d after one ack, want 2", fc.writeCount())
	}
	if !c.Session().Writer.InFlight() {
		t.Error("second frame not in flight")
	}
}

func TestControllerWriteFailureStalls(t *testing.T) {
	c, fc, _ := newTestController(t)
	bringUp(t, c, headUnit, frame.DefaultMTU)

	_ = c.Send(make([]byte, 40))
	c.Handle(Event{Kind: WriteComplete, Peripheral: headUnit, Err: errors.New("write rejected")})

	if fc.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", fc.writeCount())
	}
	if !c.Session().Writer.InFlight() {
		t.Error("writer not stalled in flight")
	}
}

func TestControllerNotifyFailureTearsDown(t *testing.T) {
	tests := []struct {
		name  string
		sync  bool
		async bool
	}{
		{"rejected by stack", true, false},
		{"reported failed", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fc, bus := newTestController(t)
			if tt.sync {
				fc.notifyErr = errors.New("not permitted")
			}
			_ = c.Scan()
			c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
			c.Handle(Event{Kind: Connected, Peripheral: headUnit})
			c.Handle(Event{Kind: ServicesDiscovered, Peripheral: headUnit})
			c.Handle(Event{Kind: MTUChanged, Peripheral: headUnit, MTU: 185})
			if tt.async {
				c.Handle(Event{Kind: NotifyStateChanged, Peripheral: headUnit, Characteristic: testNotify, Err: errors.New("cccd write failed")})
			}

			if fc.count("cancel "+headUnit.Address) != 1 {
				t.Fatalf("cancel calls = %d, want 1", fc.count("cancel "+headUnit.Address))
			}
			if _, ok := bus.find(event.LinkReady); ok {
				t.Error("LinkReady published without notifications")
			}

			c.Handle(Event{Kind: Disconnected, Peripheral: headUnit})
			if c.State() != Scanning || fc.count("scan") != 2 {
				t.Errorf("State() = %s scans = %d, want scanning/2", c.State(), fc.count("scan"))
			}
			if c.Session() != nil {
				t.Error("session not dropped")
			}
		})
	}
}

func TestControllerLateConnectAfterDisconnect(t *testing.T) {
	c, fc, bus := newTestController(t)
	_ = c.Scan()
	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
	c.Disconnect()
	if fc.count("cancel "+headUnit.Address) != 1 {
		t.Fatalf("cancel calls = %d, want 1", fc.count("cancel "+headUnit.Address))
	}

	c.Handle(Event{Kind: Connected, Peripheral: headUnit})

	if fc.count("cancel "+headUnit.Address) != 2 {
		t.Errorf("cancel calls = %d after late connect, want 2", fc.count("cancel "+headUnit.Address))
	}
	if c.State() != Idle || c.Session() != nil {
		t.Errorf("State() = %s session = %v, want idle/nil", c.State(), c.Session())
	}
	if _, ok := bus.find(event.DeviceConnected); ok {
		t.Error("DeviceConnected published for a cancelled attempt")
	}
}

func TestControllerSendWithoutPeripheral(t *testing.T) {
	c, _, _ := newTestController(t)
	if err := c.Send([]byte("hello")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestControllerNotificationDelivers(t *testing.T) {
	c, _, bus := newTestController(t)
	bringUp(t, c, headUnit, frame.DefaultMTU)

	c.Handle(Event{Kind: Notification, Peripheral: headUnit, Characteristic: testNotify, Value: []byte{0, 0, 0, 1, 'H', 'E', 'L', 'L', 'O', ' ', 'W', 'O', 'R', 'L'}})
	c.Handle(Event{Kind: Notification, Peripheral: headUnit, Characteristic: testWrite, Value: []byte{0, 0, 0, 0, 'X'}})
	c.Handle(Event{Kind: Notification, Peripheral: headUnit, Characteristic: testNotify, Value: []byte{0, 0, 0, 0, 'D'}})

	got, ok := bus.find(event.MessageReceived)
	if !ok {
		t.Fatal("MessageReceived not published")
	}
	if string(got.Payload) != "HELLO WORLD" {
		t.Errorf("payload = %q, want %q", got.Payload, "HELLO WORLD")
	}
}

func TestControllerDisconnectOfCurrentRestartsScan(t *testing.T) {
	c, fc, bus := newTestController(t)
	bringUp(t, c, headUnit, 185)
	_ = c.Send(make([]byte, 1000))
	old := c.Session()

	c.Handle(Event{Kind: Disconnected, Peripheral: headUnit})

	if c.State() != Scanning {
		t.Errorf("State() = %s, want scanning", c.State())
	}
	if c.Session() != nil {
		t.Error("session not dropped")
	}
	if old.Writer.Pending() != 0 || old.Writer.InFlight() {
		t.Error("old session queue not reset")
	}
	if fc.count("scan") != 2 {
		t.Errorf("scan calls = %d, want 2", fc.count("scan"))
	}
	d, ok := bus.find(event.DeviceDisconnected)
	if !ok || d.Address != headUnit.Address {
		t.Errorf("DeviceDisconnected = %+v, %v", d, ok)
	}
}

func TestControllerIgnoresForeignDisconnect(t *testing.T) {
	c, _, bus := newTestController(t)
	bringUp(t, c, headUnit, 185)

	c.Handle(Event{Kind: Disconnected, Peripheral: other})

	if c.State() != Ready {
		t.Errorf("State() = %s, want ready", c.State())
	}
	if _, ok := bus.find(event.DeviceDisconnected); ok {
		t.Error("DeviceDisconnected published for foreign device")
	}
}

func TestControllerExternalDisconnect(t *testing.T) {
	c, fc, bus := newTestController(t)
	bringUp(t, c, headUnit, 185)

	c.Disconnect()

	if c.State() != Idle {
		t.Errorf("State() = %s, want idle", c.State())
	}
	if fc.count("cancel "+headUnit.Address) != 1 {
		t.Errorf("cancel calls = %d, want 1", fc.count("cancel "+headUnit.Address))
	}

	// The stack's own disconnect callback must not restart scanning.
	c.Handle(Event{Kind: Disconnected, Peripheral: headUnit})
	if c.State() != Idle || fc.count("scan") != 1 {
		t.Errorf("State() = %s scans = %d, want idle/1", c.State(), fc.count("scan"))
	}
	if _, ok := bus.find(event.DeviceDisconnected); ok {
		t.Error("DeviceDisconnected published after external disconnect")
	}
}

func TestControllerDisconnectWhileScanning(t *testing.T) {
	c, fc, _ := newTestController(t)
	_ = c.Scan()
	c.Disconnect()
	if c.State() != Idle || fc.count("stop_scan") != 1 {
		t.Errorf("State() = %s stop_scan = %d, want idle/1", c.State(), fc.count("stop_scan"))
	}
}

func TestControllerConnectFailureRescans(t *testing.T) {
	c, fc, _ := newTestController(t)
	_ = c.Scan()
	c.Handle(Event{Kind: Discovered, Peripheral: headUnit})
	c.Handle(Event{Kind: ConnectFailed, Peripheral: headUnit, Err: errors.New("hci 0x3e")})

	if c.State() != Scanning {
		t.Errorf("State() = %s, want scanning", c.State())
	}
	if _, ok := c.Peripheral(); ok {
		t.Error("peripheral still tracked after failure")
	}
	if fc.count("scan") != 2 {
		t.Errorf("scan calls = %d, want 2", fc.count("scan"))
	}
}

func TestControllerScanWhileActive(t *testing.T) {
	c, _, _ := newTestController(t)
	bringUp(t, c, headUnit, 185)
	if err := c.Scan(); !errors.Is(err, ErrBusy) {
		t.Errorf("Scan() error = %v, want ErrBusy", err)
	}
}

func TestControllerRun(t *testing.T) {
	c, _, _ := newTestController(t)
	_ = c.Scan()

	events := make(chan Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, events) }()

	events <- Event{Kind: Discovered, Peripheral: headUnit}

	deadline := time.After(2 * time.Second)
	for c.State() != Connecting {
		select {
		case <-deadline:
			t.Fatalf("State() = %s, want connecting", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestStateNames(t *testing.T) {
	for s := Idle; s <= Ready; s++ {
		b, _ := s.MarshalText()
		if string(b) != s.String() || s.String() == "" {
			t.Errorf("state %d name = %q", int(s), s.String())
		}
	}
}
