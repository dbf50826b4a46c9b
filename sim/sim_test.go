package sim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/blelink/central"
	"github.com/user/blelink/event"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/transfer"
)

var (
	service = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")
	notify  = uuid.MustParse("00001102-0000-1000-8000-00805f9b34fb")
	write   = uuid.MustParse("00001104-0000-1000-8000-00805f9b34fb")
)

func headUnit(maxMTU int) Peripheral {
	return Peripheral{
		Name:       "HeadUnit",
		Address:    "SIM:00:01",
		Service:    service,
		NotifyChar: notify,
		WriteChar:  write,
		MaxMTU:     maxMTU,
		Echo:       true,
	}
}

type harness struct {
	sim    *Central
	ctrl   *central.Controller
	bus    *event.Bus
	events <-chan event.Event
	cancel context.CancelFunc
}

func newHarness(t *testing.T, p Peripheral) *harness {
	t.Helper()
	s := NewCentral(InstantConfig())
	s.AddPeripheral(p)

	bus := event.NewBus()
	events, unsub := bus.Subscribe()
	ctrl := central.NewController(s, bus, central.Config{
		ServiceUUID:          service,
		NotificationCharUUID: notify,
		WriteCharUUID:        write,
		PreferredMTU:         frame.PreferredMTU,
		Transfer:             transfer.DefaultOptions(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx, s.Events())

	t.Cleanup(func() {
		cancel()
		unsub()
		s.Close()
	})
	return &harness{sim: s, ctrl: ctrl, bus: bus, events: events, cancel: cancel}
}

func (h *harness) wait(t *testing.T, kind event.Kind) event.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s (controller state %s)", kind, h.ctrl.State())
		}
	}
}

func TestSimEchoRoundTrip(t *testing.T) {
	h := newHarness(t, headUnit(185))
	if err := h.ctrl.Scan(); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	h.wait(t, event.LinkReady)

	if got := h.ctrl.Session().Writer.MTU(); got != 185 {
		t.Fatalf("negotiated MTU = %d, want 185", got)
	}

	msg := make([]byte, 5000)
	for i := range msg {
		msg[i] = byte(i % 251)
	}
	if err := h.ctrl.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := h.wait(t, event.MessageReceived)
	if !bytes.Equal(got.Payload, msg) {
		t.Errorf("echo = %d bytes, want %d", len(got.Payload), len(msg))
	}
}

func TestSimMTURejectedKeepsDefault(t *testing.T) {
	p := headUnit(512)
	p.RejectMTU = true
	h := newHarness(t, p)
	_ = h.ctrl.Scan()
	h.wait(t, event.LinkReady)

	if got := h.ctrl.Session().Writer.MTU(); got != frame.DefaultMTU {
		t.Fatalf("MTU = %d, want %d", got, frame.DefaultMTU)
	}

	msg := bytes.Repeat([]byte("small mtu "), 20)
	_ = h.ctrl.Send(msg)
	if got := h.wait(t, event.MessageReceived); !bytes.Equal(got.Payload, msg) {
		t.Errorf("echo mismatch at default MTU")
	}
}

func TestSimDropReconnects(t *testing.T) {
	p := headUnit(247)
	h := newHarness(t, p)
	_ = h.ctrl.Scan()
	h.wait(t, event.LinkReady)

	if err := h.sim.Drop(p.Address); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if e := h.wait(t, event.DeviceDisconnected); e.Address != p.Address {
		t.Errorf("DeviceDisconnected address = %s, want %s", e.Address, p.Address)
	}

	// Scanning restarts and finds the head unit again.
	h.wait(t, event.LinkReady)
	if err := h.ctrl.Send([]byte("after reconnect")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := h.wait(t, event.MessageReceived); string(got.Payload) != "after reconnect" {
		t.Errorf("echo = %q", got.Payload)
	}
}

func TestSimPeripheralReceives(t *testing.T) {
	received := make(chan []byte, 1)
	p := headUnit(64)
	p.Echo = false
	p.OnMessage = func(m []byte) { received <- m }
	h := newHarness(t, p)
	_ = h.ctrl.Scan()
	h.wait(t, event.LinkReady)

	msg := bytes.Repeat([]byte{0xC3}, 1000)
	_ = h.ctrl.Send(msg)

	select {
	case got := <-received:
		if !bytes.Equal(got, msg) {
			t.Errorf("peripheral got %d bytes, want %d", len(got), len(msg))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peripheral never received message")
	}
}

func TestSimRejectsOversizedWrite(t *testing.T) {
	s := NewCentral(InstantConfig())
	defer s.Close()
	s.AddPeripheral(headUnit(512))

	_ = s.Connect("SIM:00:01")
	if e := <-s.Events(); e.Kind != central.Connected {
		t.Fatalf("event = %s, want connected", e.Kind)
	}

	_ = s.WriteCharacteristic("SIM:00:01", service, write, make([]byte, 30))
	e := <-s.Events()
	if e.Kind != central.WriteComplete || e.Err == nil {
		t.Errorf("event = %s err=%v, want write_complete with error", e.Kind, e.Err)
	}
}
