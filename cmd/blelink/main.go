// Command blelink relays messages between a mobile device and the head
// unit software, over BLE with a Classic Bluetooth fallback.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/user/blelink/adapter/localsock"
	"github.com/user/blelink/adapter/mqttbridge"
	"github.com/user/blelink/central"
	"github.com/user/blelink/classic"
	"github.com/user/blelink/config"
	"github.com/user/blelink/event"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/monitor"
	"github.com/user/blelink/platform/bluez"
	"github.com/user/blelink/platform/serialport"
	"github.com/user/blelink/platform/tinyble"
	"github.com/user/blelink/relay"
	"github.com/user/blelink/sim"
	"github.com/user/blelink/transfer"
	"github.com/user/blelink/util"
)

const prefix = "Main"

type options struct {
	configDir   string
	logLevel    string
	adapter     string
	hci         string
	simulate    bool
	withMon     bool
	withClassic bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("blelink", pflag.ContinueOnError)
	fs.StringVar(&o.configDir, "config-dir", util.GetDataDir(), "directory holding "+config.FileName)
	fs.StringVar(&o.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	fs.StringVar(&o.adapter, "adapter", "unix", "native side transport: unix or mqtt")
	fs.StringVar(&o.hci, "hci", "hci0", "Bluetooth controller for the Classic link")
	fs.BoolVar(&o.simulate, "sim", false, "use a simulated echoing head unit instead of the radio")
	fs.BoolVar(&o.withMon, "monitor", false, "serve /status and /events on the configured monitor address")
	fs.BoolVar(&o.withClassic, "classic", false, "enable the Classic Bluetooth fallback")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.adapter != "unix" && o.adapter != "mqtt" {
		return o, fmt.Errorf("unknown --adapter %q", o.adapter)
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.SetLevel(logger.ParseLevel(o.logLevel))
	defer logger.Sync()

	if err := run(o); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(prefix, "%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(o options) error {
	cfg, err := config.Load(o.configDir)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := transfer.ParsePolicy(cfg.WritePolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()

	host, hostEvents, closeHost, err := openCentral(o, cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	ctrl := central.NewController(host, bus, central.Config{
		ServiceUUID:          cfg.ServiceUUID,
		NotificationCharUUID: cfg.NotificationCharUUID,
		WriteCharUUID:        cfg.ResponseCharUUID,
		PreferredMTU:         cfg.PreferredMTU,
		Transfer: transfer.Options{
			InitialMTU: cfg.InitialMTU,
			Policy:     policy,
			MaxRetries: cfg.WriteRetries,
		},
		LifecycleLog: cfg.LifecycleLog,
	})
	go ctrl.Run(ctx, hostEvents)

	var classicLink relay.ClassicLink
	var handler *classic.Handler
	if o.withClassic {
		if o.simulate {
			logger.Warn(prefix, "--classic ignored with --sim")
		} else {
			h, closeClassic, err := openClassic(o, cfg, bus)
			if err != nil {
				return err
			}
			defer closeClassic()
			handler, classicLink = h, h
		}
	}

	var native relay.Native
	switch o.adapter {
	case "mqtt":
		native = mqttbridge.New(mqttbridge.Config{
			Broker:    cfg.MQTTBroker,
			TopicRoot: cfg.MQTTTopicRoot,
			ClientID:  cfg.MQTTClientID,
		}, bus)
	default:
		native = localsock.New(localsock.Config{
			ReaderSocket:  cfg.ReaderSocketAddress,
			ControlSocket: cfg.ControlSocketAddress,
			WriterSocket:  cfg.WriterSocketAddress,
			BufferSize:    cfg.BufferSize,
		}, bus)
	}

	if o.withMon {
		mon := monitor.New(bus, func() monitor.Status { return status(ctrl, handler) })
		go func() {
			if err := mon.ListenAndServe(ctx, cfg.MonitorAddr); err != nil {
				logger.Error(prefix, "monitor: %v", err)
			}
		}()
	}

	r := relay.New(bus, ctrl, classicLink, native, relay.Options{ScanDelay: cfg.ScanDelay, AutoStart: true})
	logger.Info(prefix, "relay started (adapter=%s sim=%v classic=%v)", o.adapter, o.simulate, classicLink != nil)
	return r.Run(ctx)
}

func openCentral(o options, cfg config.Config) (central.Central, <-chan central.Event, func(), error) {
	if o.simulate {
		s := sim.NewCentral(sim.DefaultConfig())
		s.AddPeripheral(sim.Peripheral{
			Name:       "SimHeadUnit",
			Address:    "SIM:00:00:00:00:01",
			Service:    cfg.ServiceUUID,
			NotifyChar: cfg.NotificationCharUUID,
			WriteChar:  cfg.ResponseCharUUID,
			MaxMTU:     185,
			Echo:       true,
		})
		return s, s.Events(), func() { s.Close() }, nil
	}
	tb, err := tinyble.New(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return tb, tb.Events(), func() { tb.Close() }, nil
}

func openClassic(o options, cfg config.Config, bus event.Publisher) (*classic.Handler, func(), error) {
	bz, err := bluez.New(bluez.Config{Adapter: o.hci, Channel: uint8(cfg.ClassicChannel)}, nil)
	if err != nil {
		return nil, nil, err
	}
	var a classic.Adapter = bz
	if cfg.SerialDevice != "" {
		a = serialport.Wrap(bz, cfg.SerialDevice, cfg.SerialBaudRate)
	}
	h := classic.NewHandler(a, bus, classic.Config{
		ServiceUUID: cfg.ClassicServiceUUID,
		ServiceName: cfg.ClassicServiceName,
		MTU:         cfg.ClassicMTU,
	})
	bz.SetOnFound(h.OnDeviceFound)
	return h, func() {
		h.Stop()
		bz.Close()
	}, nil
}

func status(ctrl *central.Controller, h *classic.Handler) monitor.Status {
	st := monitor.Status{BLEState: ctrl.State().String()}
	if p, ok := ctrl.Peripheral(); ok {
		st.Peripheral = p.Address
	}
	if s := ctrl.Session(); s != nil {
		st.MTU = s.Writer.MTU()
		st.PendingFrames = s.Writer.Pending()
		st.InFlight = s.Writer.InFlight()
		st.BufferedBytes = s.Reader.Buffered()
	}
	if h != nil {
		st.ClassicState = h.State().String()
		if d, ok := h.Peer(); ok {
			st.ClassicPeer = d.Address
		}
	}
	return st
}
