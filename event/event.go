package event

import (
	"fmt"
	"time"
)

// Kind names a control event exchanged between the link controllers, the
// relay and the native adapter.
type Kind int

const (
	// StartLink asks the relay to bring the BLE link up.
	StartLink Kind = iota
	// BeginScan starts scanning for the head unit service.
	BeginScan
	// StopLink tears the BLE link down.
	StopLink
	// StartClassicFallback disconnects BLE and starts Classic discovery.
	StartClassicFallback
	// LinkReady fires once notifications are enabled on a connected peripheral.
	LinkReady
	// ScanStarted confirms BeginScan.
	ScanStarted
	// DeviceConnected carries the name and address of a connected peer.
	DeviceConnected
	// DeviceDisconnected carries the address of the peer that went away.
	DeviceDisconnected
	// MessageReceived carries a reassembled inbound message.
	MessageReceived
	// SendMessage carries an outbound message for the active link.
	SendMessage
)

var kindNames = map[Kind]string{
	StartLink:            "START_LINK",
	BeginScan:            "BEGIN_SCAN",
	StopLink:             "STOP_LINK",
	StartClassicFallback: "START_CLASSIC_FALLBACK",
	LinkReady:            "LINK_READY",
	ScanStarted:          "SCAN_STARTED",
	DeviceConnected:      "DEVICE_CONNECTED",
	DeviceDisconnected:   "DEVICE_DISCONNECTED",
	MessageReceived:      "MESSAGE_RECEIVED",
	SendMessage:          "SEND_MESSAGE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("event: unknown kind %q", s)
}

// Event is one control notification. Name and Address are set for device
// events, Payload for message events.
type Event struct {
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Address   string    `json:"address,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connected builds a DeviceConnected event
func Connected(name, address string) Event {
	return Event{Kind: DeviceConnected, Name: name, Address: address}
}

// Disconnected builds a DeviceDisconnected event
func Disconnected(address string) Event {
	return Event{Kind: DeviceDisconnected, Address: address}
}

// Received builds a MessageReceived event
func Received(message []byte) Event {
	return Event{Kind: MessageReceived, Payload: message}
}

// Send builds a SendMessage event
func Send(message []byte) Event {
	return Event{Kind: SendMessage, Payload: message}
}
