package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	// Publish far more than any fixed buffer before reading anything.
	for i := 0; i < 500; i++ {
		bus.Publish(Received([]byte{byte(i)}))
	}
	for i := 0; i < 500; i++ {
		e := recv(t, ch)
		if e.Payload[0] != byte(i) {
			t.Fatalf("event %d payload = %d, want %d", i, e.Payload[0], byte(i))
		}
		if e.Timestamp.IsZero() {
			t.Fatalf("event %d has no timestamp", i)
		}
	}
}

func TestBusKindFilter(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(DeviceConnected, DeviceDisconnected)
	defer unsub()

	bus.Publish(Event{Kind: LinkReady})
	bus.Publish(Connected("HU", "AA:BB"))
	bus.Publish(Received([]byte("x")))
	bus.Publish(Disconnected("AA:BB"))

	if e := recv(t, ch); e.Kind != DeviceConnected || e.Name != "HU" {
		t.Errorf("first event = %+v, want DeviceConnected HU", e)
	}
	if e := recv(t, ch); e.Kind != DeviceDisconnected || e.Address != "AA:BB" {
		t.Errorf("second event = %+v, want DeviceDisconnected AA:BB", e)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe()
	bus.Publish(Event{Kind: ScanStarted})
	unsub()
	unsub()

	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after unsubscribe")
		}
	}
}

func TestKindNames(t *testing.T) {
	for k := StartLink; k <= SendMessage; k++ {
		name := k.String()
		if strings.HasPrefix(name, "Kind(") {
			t.Errorf("kind %d has no name", int(k))
		}
		back, err := ParseKind(name)
		if err != nil || back != k {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", name, back, err, k)
		}
	}
	if _, err := ParseKind("NOPE"); err == nil {
		t.Error("ParseKind(NOPE) error = nil")
	}
}

func TestEventJSON(t *testing.T) {
	b, err := json.Marshal(Connected("HU", "AA:BB"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["kind"] != "DEVICE_CONNECTED" {
		t.Errorf("kind = %v, want DEVICE_CONNECTED", decoded["kind"])
	}
}
