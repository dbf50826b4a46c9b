package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/blelink/classic"
	"github.com/user/blelink/event"
)

// callLog is shared by every fake so tests can assert call order
type callLog struct {
	ch chan string
}

func newCallLog() *callLog {
	return &callLog{ch: make(chan string, 64)}
}

func (l *callLog) add(call string) {
	l.ch <- call
}

func (l *callLog) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-l.ch:
			if got != w {
				t.Fatalf("call = %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for call %q", w)
		}
	}
}

type fakeBLE struct {
	log     *callLog
	sendErr error
}

func (f *fakeBLE) Scan() error { f.log.add("ble.scan"); return nil }
func (f *fakeBLE) Disconnect() { f.log.add("ble.disconnect") }
func (f *fakeBLE) Send(message []byte) error { f.log.add("ble.send " + string(message)); return f.sendErr }

type fakeClassic struct {
	log   *callLog
	mu    sync.Mutex
	state classic.State
}

func (f *fakeClassic) Listen() error { f.log.add("classic.listen"); return nil }
func (f *fakeClassic) StartDiscovery() error { f.log.add("classic.discovery"); return nil }
func (f *fakeClassic) Disconnect() { f.log.add("classic.disconnect") }
func (f *fakeClassic) Write(message []byte) error {
	f.log.add("classic.write " + string(message))
	return nil
}
func (f *fakeClassic) State() classic.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type fakeNative struct {
	log       *callLog
	mu        sync.Mutex
	envelopes [][]byte
}

func (f *fakeNative) Open(ctx context.Context) error { f.log.add("native.open"); return nil }
func (f *fakeNative) EstablishConnection() error { f.log.add("native.establish"); return nil }
func (f *fakeNative) Forward(message []byte) error {
	f.log.add("native.forward " + string(message))
	return nil
}
func (f *fakeNative) SendControl(envelope []byte) error {
	f.mu.Lock()
	f.envelopes = append(f.envelopes, envelope)
	f.mu.Unlock()
	f.log.add("native.control")
	return nil
}
func (f *fakeNative) CloseConnection() error { f.log.add("native.close_connection"); return nil }
func (f *fakeNative) Close() error { f.log.add("native.close"); return nil }

func (f *fakeNative) lastEnvelope() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envelopes[len(f.envelopes)-1]
}

type fixture struct {
	bus     *event.Bus
	log     *callLog
	ble     *fakeBLE
	classic *fakeClassic
	native  *fakeNative
	relay   *Relay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := newCallLog()
	f := &fixture{
		bus:     event.NewBus(),
		log:     log,
		ble:     &fakeBLE{log: log},
		classic: &fakeClassic{log: log},
		native:  &fakeNative{log: log},
	}
	f.relay = New(f.bus, f.ble, f.classic, f.native, Options{ScanDelay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.relay.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Run subscribes asynchronously; wait until it is listening.
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	return f
}

func TestRelayStartLinkScans(t *testing.T) {
	f := newFixture(t)
	started, unsub := f.bus.Subscribe(event.ScanStarted)
	defer unsub()

	f.bus.Publish(event.Event{Kind: event.StartLink})
	f.log.expect(t, "native.open", "ble.scan")

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("ScanStarted not published")
	}
}

func TestRelayDeviceLifecycle(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(event.Connected("HeadUnit", "AA:BB"))
	f.log.expect(t, "native.control")
	action, params, err := ParseEnvelope(f.native.lastEnvelope())
	if err != nil || action != ActionDeviceConnected || params["name"] != "HeadUnit" {
		t.Errorf("connected envelope = %q %v %v", action, params, err)
	}

	f.bus.Publish(event.Event{Kind: event.LinkReady, Address: "AA:BB"})
	f.log.expect(t, "native.establish")

	f.bus.Publish(event.Received([]byte("from phone")))
	f.log.expect(t, "native.forward from phone")

	f.bus.Publish(event.Send([]byte("to phone")))
	f.log.expect(t, "ble.send to phone")

	f.bus.Publish(event.Disconnected("AA:BB"))
	f.log.expect(t, "native.control", "native.close_connection")
	action, params, _ = ParseEnvelope(f.native.lastEnvelope())
	if action != ActionDeviceDisconnected || params["address"] != "AA:BB" {
		t.Errorf("disconnected envelope = %q %v", action, params)
	}
}

func TestRelayClassicFallback(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(event.Event{Kind: event.StartClassicFallback})
	f.log.expect(t, "ble.disconnect", "classic.listen", "classic.discovery")

	if err := f.relay.Send([]byte("early")); !errors.Is(err, ErrNoLink) {
		t.Errorf("Send() before classic connect = %v, want ErrNoLink", err)
	}

	f.classic.mu.Lock()
	f.classic.state = classic.Connected
	f.classic.mu.Unlock()

	f.bus.Publish(event.Connected("Phone", "00:11"))
	f.log.expect(t, "native.control", "native.establish")

	f.bus.Publish(event.Send([]byte("over rfcomm")))
	f.log.expect(t, "classic.write over rfcomm")
}

func TestRelayStopLink(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(event.Event{Kind: event.StopLink})
	f.log.expect(t, "ble.disconnect", "classic.disconnect", "native.close")
}

func TestRelayAutoStartAndShutdown(t *testing.T) {
	log := newCallLog()
	bus := event.NewBus()
	r := New(bus, &fakeBLE{log: log}, &fakeClassic{log: log}, &fakeNative{log: log}, Options{AutoStart: true, ScanDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	log.expect(t, "native.open")
	cancel()
	log.expect(t, "ble.disconnect", "classic.disconnect", "native.close")
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRelayWithoutClassic(t *testing.T) {
	log := newCallLog()
	r := New(event.NewBus(), &fakeBLE{log: log}, nil, &fakeNative{log: log}, Options{})
	r.handle(context.Background(), event.Event{Kind: event.StartClassicFallback})

	select {
	case call := <-log.ch:
		t.Errorf("unexpected call %q without classic link", call)
	default:
	}
}
