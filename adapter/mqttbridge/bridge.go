// Package mqttbridge carries the native side of the relay over an MQTT
// broker instead of local sockets.
//
// Topics, relative to the configured root:
//
//	<root>/mobile/rx       reassembled messages from the mobile device
//	<root>/mobile/control  connection envelopes
//	<root>/mobile/tx       messages to send to the mobile device
package mqttbridge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/user/blelink/event"
	"github.com/user/blelink/logger"
)

const (
	prefix = "MQTT"
	qos    = 1
)

var (
	ErrNotOpen        = errors.New("mqttbridge: not connected to broker")
	ErrNotEstablished = errors.New("mqttbridge: data topics not subscribed")
)

// Config of the broker connection
type Config struct {
	Broker    string
	TopicRoot string
	ClientID  string
	Username  string
	Password  string
	// Timeout bounds every broker round trip; zero means 5s
	Timeout time.Duration
}

// Bridge implements relay.Native over MQTT
type Bridge struct {
	cfg       Config
	bus       event.Publisher
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu          sync.Mutex
	client      mqtt.Client
	established bool
}

// New creates a bridge. Nothing is dialed until Open.
func New(cfg Config, bus event.Publisher) *Bridge {
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = "blelink"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "blelink"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Bridge{cfg: cfg, bus: bus, newClient: mqtt.NewClient}
}

// RxTopic receives mobile messages
func (b *Bridge) RxTopic() string { return b.cfg.TopicRoot + "/mobile/rx" }

// ControlTopic receives connection envelopes
func (b *Bridge) ControlTopic() string { return b.cfg.TopicRoot + "/mobile/control" }

// TxTopic is subscribed for messages to the mobile device
func (b *Bridge) TxTopic() string { return b.cfg.TopicRoot + "/mobile/tx" }

func (b *Bridge) wait(ctx context.Context, t mqtt.Token) error {
	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt: timed out after %s", b.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open connects to the broker
func (b *Bridge) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil && b.client.IsConnected() {
		return nil
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%x", b.cfg.ClientID, suffix))
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn(prefix, "connection lost: %v", err)
	})

	client := b.newClient(opts)
	if err := b.wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("failed to connect MQTT: %w", err)
	}
	b.client = client
	logger.Info(prefix, "connected to %s", b.cfg.Broker)
	return nil
}

// EstablishConnection subscribes to the tx topic; every message on it is
// published as a SendMessage event.
func (b *Bridge) EstablishConnection() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return ErrNotOpen
	}
	if b.established {
		return nil
	}
	if err := b.wait(context.Background(), b.client.Subscribe(b.TxTopic(), qos, b.onTx)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.TxTopic(), err)
	}
	b.established = true
	return nil
}

func (b *Bridge) onTx(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	logger.Trace(prefix, "tx message, %d bytes", len(payload))
	b.bus.Publish(event.Send(payload))
}

// Forward publishes a mobile message on the rx topic
func (b *Bridge) Forward(message []byte) error {
	b.mu.Lock()
	client, established := b.client, b.established
	b.mu.Unlock()
	if !established {
		return ErrNotEstablished
	}
	return b.wait(context.Background(), client.Publish(b.RxTopic(), qos, false, message))
}

// SendControl publishes a control envelope on the control topic
func (b *Bridge) SendControl(envelope []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return ErrNotOpen
	}
	return b.wait(context.Background(), client.Publish(b.ControlTopic(), qos, false, envelope))
}

// CloseConnection unsubscribes from the tx topic
func (b *Bridge) CloseConnection() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.established {
		return nil
	}
	b.established = false
	return b.wait(context.Background(), b.client.Unsubscribe(b.TxTopic()))
}

// Close disconnects from the broker
func (b *Bridge) Close() error {
	err := b.CloseConnection()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Disconnect(250)
		b.client = nil
	}
	return err
}
