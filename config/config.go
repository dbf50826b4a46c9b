package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"

	"github.com/user/blelink/frame"
)

// FileName is the config file looked up in the data directory.
const FileName = "androidSmartDeviceLink.ini"

const (
	sectionAndroid = "ANDROID"
	sectionRelay   = "RELAY"
	sectionClassic = "CLASSIC"
)

// Config holds every tunable of the relay. Field names follow the [ANDROID]
// keys of the head unit ini file; the misspelled keys are kept on disk.
type Config struct {
	BufferSize           int
	ReaderSocketAddress  string
	ControlSocketAddress string
	WriterSocketAddress  string

	PreferredMTU int
	InitialMTU   int

	ServiceUUID          uuid.UUID
	NotificationCharUUID uuid.UUID
	ResponseCharUUID     uuid.UUID

	ClassicServiceUUID uuid.UUID
	ClassicServiceName string
	ClassicMTU         int
	ClassicChannel     int

	ScanDelay      time.Duration
	WritePolicy    string
	WriteRetries   int
	LifecycleLog   bool
	MonitorAddr    string
	MQTTBroker     string
	MQTTTopicRoot  string
	MQTTClientID   string
	SerialDevice   string
	SerialBaudRate int
}

// Default returns the built-in defaults used when a key is absent.
func Default() Config {
	return Config{
		BufferSize:           131072,
		ReaderSocketAddress:  "./localBleReader",
		ControlSocketAddress: "./localBleControl",
		WriterSocketAddress:  "./localBleWriter",

		PreferredMTU: 512,
		InitialMTU:   frame.DefaultMTU,

		ServiceUUID:          uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb"),
		NotificationCharUUID: uuid.MustParse("00001102-0000-1000-8000-00805f9b34fb"),
		ResponseCharUUID:     uuid.MustParse("00001104-0000-1000-8000-00805f9b34fb"),

		ClassicServiceUUID: uuid.MustParse("936da01f-9abd-4d9d-80c7-02af85c822a8"),
		ClassicServiceName: "SDLCoreInsecure",
		ClassicMTU:         1024,
		ClassicChannel:     3,

		ScanDelay:      time.Second,
		WritePolicy:    "stall",
		WriteRetries:   3,
		MonitorAddr:    "127.0.0.1:8089",
		MQTTBroker:     "tcp://127.0.0.1:1883",
		MQTTTopicRoot:  "blelink",
		MQTTClientID:   "blelink",
		SerialBaudRate: 115200,
	}
}

// Load reads <dir>/androidSmartDeviceLink.ini over the defaults. A missing
// file is not an error.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, FileName)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("config: load %s: %w", path, err)
	}
	if err := cfg.apply(f); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse reads config from raw ini bytes over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	f, err := ini.Load(data)
	if err != nil {
		return cfg, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.apply(f); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) apply(f *ini.File) error {
	a := f.Section(sectionAndroid)
	c.BufferSize = a.Key("BufferSize").MustInt(c.BufferSize)
	c.ReaderSocketAddress = str(a, "ReaderSocketAdress", c.ReaderSocketAddress)
	c.ControlSocketAddress = str(a, "ControlSocketAdress", c.ControlSocketAddress)
	c.WriterSocketAddress = str(a, "WriterSocketAdress", c.WriterSocketAddress)
	c.PreferredMTU = a.Key("PrefferredMtu").MustInt(c.PreferredMTU)

	var err error
	if c.ServiceUUID, err = uuidKey(a, "SdlTesterServiceUUID", c.ServiceUUID); err != nil {
		return err
	}
	if c.NotificationCharUUID, err = uuidKey(a, "MobileNotificationCharacteristic", c.NotificationCharUUID); err != nil {
		return err
	}
	if c.ResponseCharUUID, err = uuidKey(a, "MobileResponceCharacteristic", c.ResponseCharUUID); err != nil {
		return err
	}

	r := f.Section(sectionRelay)
	c.InitialMTU = r.Key("InitialMtu").MustInt(c.InitialMTU)
	c.ScanDelay = r.Key("ScanDelay").MustDuration(c.ScanDelay)
	c.WritePolicy = strings.ToLower(str(r, "WriteFailurePolicy", c.WritePolicy))
	c.WriteRetries = r.Key("WriteRetries").MustInt(c.WriteRetries)
	c.LifecycleLog = r.Key("LifecycleLog").MustBool(c.LifecycleLog)
	c.MonitorAddr = str(r, "MonitorAddress", c.MonitorAddr)
	c.MQTTBroker = str(r, "MqttBroker", c.MQTTBroker)
	c.MQTTTopicRoot = str(r, "MqttTopicRoot", c.MQTTTopicRoot)
	c.MQTTClientID = str(r, "MqttClientId", c.MQTTClientID)

	cl := f.Section(sectionClassic)
	if c.ClassicServiceUUID, err = uuidKey(cl, "ServiceUUID", c.ClassicServiceUUID); err != nil {
		return err
	}
	c.ClassicServiceName = str(cl, "ServiceName", c.ClassicServiceName)
	c.ClassicMTU = cl.Key("Mtu").MustInt(c.ClassicMTU)
	c.ClassicChannel = cl.Key("Channel").MustInt(c.ClassicChannel)
	c.SerialDevice = str(cl, "SerialDevice", c.SerialDevice)
	c.SerialBaudRate = cl.Key("SerialBaudRate").MustInt(c.SerialBaudRate)
	return nil
}

// Validate fails fast on values the link cannot run with.
func (c Config) Validate() error {
	for name, mtu := range map[string]int{
		"PrefferredMtu": c.PreferredMTU,
		"InitialMtu":    c.InitialMTU,
		"Mtu":           c.ClassicMTU,
	} {
		if _, err := frame.MaxPayload(mtu); err != nil {
			return fmt.Errorf("config: %s=%d: %w", name, mtu, err)
		}
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: BufferSize must be positive, got %d", c.BufferSize)
	}
	switch c.WritePolicy {
	case "stall", "retry", "drop":
	default:
		return fmt.Errorf("config: unknown WriteFailurePolicy %q", c.WritePolicy)
	}
	return nil
}

// str reads a string key, trimming whitespace and surrounding quotes.
func str(s *ini.Section, key, def string) string {
	if !s.HasKey(key) {
		return def
	}
	v := strings.TrimSpace(s.Key(key).String())
	v = strings.Trim(v, `"`)
	if v == "" {
		return def
	}
	return v
}

func uuidKey(s *ini.Section, key string, def uuid.UUID) (uuid.UUID, error) {
	raw := str(s, key, "")
	if raw == "" {
		return def, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return id, nil
}
