package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("motorlink v%s\n", version)
	fmt.Println("Serial command bridge for a closed-loop motor controller")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  motorlink [OPTIONS]")
	fmt.Println("  motorlink send [-ipc-socket PATH] COMMAND [ARGS...]")
	fmt.Println("  motorlink ctl [-ipc-socket PATH]")
	fmt.Println("  motorlink watch [-url ws://HOST:PORT/ws]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that turns host channel events (IPC, WebSocket, MQTT) into the")
	fmt.Println("  controller's serial commands: F/L on mode edges, C on calib rising,")
	fmt.Println("  P<n> on position changes and 28-byte S frames for bulk data.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  send     post one operator command and exit")
	fmt.Println("  ctl      interactive operator shell")
	fmt.Println("  watch    print state broadcasts from a running daemon")
	fmt.Println()
	fmt.Println("COMMANDS (send/ctl):")
	for _, name := range ctlCommandNames() {
		fmt.Printf("  %-10s %s\n", name, ctlCommands[name].Help)
	}
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read/write access to the serial device (add user to 'dialout')")
	fmt.Println("  - Write failures are logged and counted; the next command still goes out")
	fmt.Println()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "send":
			os.Exit(runSendSubcommand(os.Args[2:]))
		case "ctl":
			os.Exit(runCtlSubcommand(os.Args[2:]))
		case "watch":
			os.Exit(runWatchSubcommand(os.Args[2:]))
		}
	}

	var (
		configPath    = flag.String("config", "", "Path to YAML config file")
		serialDevice  = flag.String("serial-device", defaultSerialDevice, "Serial device of the motor controller")
		bulkDevice    = flag.String("serial-bulk-device", "", "Serial device for bulk data frames (empty disables; same as -serial-device shares the port)")
		serialBaud    = flag.Int("serial-baud", defaultSerialBaud, "Serial baud rate")
		serialLock    = flag.Bool("serial-lock", false, "Take an advisory lock on the serial device")
		bulkTrigger   = flag.String("bulk-trigger", defaultBulkTriggerChannel, "Channel whose rising edge sends the data buffer (empty disables)")
		ipcSocketPath = flag.String("ipc-socket", defaultIPCSocketPath, "Unix domain socket path for IPC")
		httpEnabled   = flag.Bool("http", true, "Serve /ws, /status and /healthz")
		httpPort      = flag.Int("http-port", defaultHTTPPort, "HTTP listener port")
		mqttBroker    = flag.String("mqtt-broker", "", "MQTT broker URL (e.g. mqtt://localhost:1883); enables the MQTT bridge")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		logFile       = flag.String("log-file", "", "Write logs to a rotated file instead of stdout")
		showVersion   = flag.Bool("version", false, "Print version and exit")
		showHelp      = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the file only when given explicitly.
	var ov FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "serial-device":
			ov.SerialDevice = serialDevice
		case "serial-bulk-device":
			ov.SerialBulkDevice = bulkDevice
		case "serial-baud":
			ov.SerialBaud = serialBaud
		case "serial-lock":
			ov.SerialLock = serialLock
		case "bulk-trigger":
			ov.BulkTrigger = bulkTrigger
		case "ipc-socket":
			ov.IPCSocketPath = ipcSocketPath
		case "http":
			ov.HTTPEnabled = httpEnabled
		case "http-port":
			ov.HTTPPort = httpPort
		case "mqtt-broker":
			ov.MQTTBroker = mqttBroker
		case "log-level":
			ov.LogLevel = logLevelStr
		case "log-file":
			ov.LogFile = logFile
		}
	})
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logger, logCloser, err := setupLoggerFromConfig(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("motorlink stopped", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

// run wires the daemon and its ingress/egress and blocks until a signal arrives or
// one of the components fails.
func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan Event, 64)
	observations := make(chan Event, 64)
	broadcasts := make(chan StateBroadcast, 128)

	serialClient := NewSerialClient(
		cfg.ToSerialClientConfig(),
		OpenTarmPort(cfg.Serial.Device, cfg.Serial.Baud, time.Duration(cfg.Serial.ReadTimeoutMS)*time.Millisecond),
		logger,
	)

	// The controller may still be booting; the reader keeps retrying in the background.
	if err := serialClient.Connect(); err != nil {
		logger.Warn("serial port not available yet", "device", cfg.Serial.Device, "error", err)
	}

	transports := Transports{Motor: serialClient}
	switch enabled, shared := cfg.BulkPort(); {
	case !enabled:
		logger.Info("bulk data port disabled (serial.bulk_device is empty)")
	case shared:
		logger.Warn("bulk frames share the motor port", "device", cfg.Serial.Device)
		transports.Bulk = serialClient
	default:
		bulkClient := NewSerialClient(
			cfg.ToBulkClientConfig(),
			OpenTarmPort(cfg.Serial.BulkDevice, cfg.Serial.Baud, time.Duration(cfg.Serial.ReadTimeoutMS)*time.Millisecond),
			logger,
		)
		defer bulkClient.Close()
		if err := bulkClient.Connect(); err != nil {
			logger.Warn("bulk data port not available yet", "device", cfg.Serial.BulkDevice, "error", err)
		}
		transports.Bulk = bulkClient
	}

	logger.Debug("configuration",
		"serial_device", cfg.Serial.Device,
		"serial_baud", cfg.Serial.Baud,
		"serial_lock", cfg.Serial.Lock,
		"serial_bulk_device", cfg.Serial.BulkDevice,
		"channel_priority", cfg.Channels.Priority,
		"bulk_trigger", cfg.Channels.BulkTrigger,
		"ipc_socket", cfg.IPC.SocketPath,
		"http_enabled", cfg.HTTP.Enabled,
		"http_port", cfg.HTTP.Port,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"log_file", cfg.Logging.File)

	var bridge *MQTTBridge
	if cfg.MQTT.Enabled {
		b, err := NewMQTTBridge(cfg.MQTT, events, logger)
		if err != nil {
			return err
		}
		bridge = b
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serialClient.Run(gctx, func(ev Event) {
			select {
			case observations <- ev:
			case <-gctx.Done():
			}
		})
	})

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger)
	})

	var sinks []BroadcastSink

	if cfg.HTTP.Enabled {
		ws := NewServer(logger, events, ServerConfig{})
		sinks = append(sinks, ws.Hub())
		g.Go(func() error {
			ws.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Port, newHTTPMux(ws, events, logger), logger)
		})
	}

	if bridge != nil {
		sinks = append(sinks, bridge)
		g.Go(func() error {
			return bridge.Run(gctx)
		})
	}

	// Without sinks nobody drains broadcasts; the daemon skips them.
	var daemonBroadcasts chan<- StateBroadcast
	if len(sinks) > 0 {
		daemonBroadcasts = broadcasts
		g.Go(func() error {
			RunBroadcaster(gctx, broadcasts, logger, sinks...)
			return nil
		})
	}

	g.Go(func() error {
		runDaemon(gctx, events, observations, transports, cfg.ToReduceConfig(), newDaemonState(), daemonBroadcasts, logger)
		return nil
	})

	logger.Info("listening", "serial", cfg.Serial.Device, "ipc", cfg.IPC.SocketPath, "http_port", cfg.HTTP.Port)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// ============================================================================
// Subcommands
// ============================================================================

func runSendSubcommand(args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	ipcSocketPath := fs.String("ipc-socket", defaultIPCSocketPath, "Unix domain socket path for IPC")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: motorlink send COMMAND [ARGS...]")
		return 2
	}

	if fs.Arg(0) == "status" {
		snap, err := FetchIPCStatus(*ipcSocketPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		printSnapshot(snap)
		return 0
	}

	ev, err := buildCtlEvent(fs.Arg(0), fs.Args()[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	if err := SendIPCEvent(*ipcSocketPath, ev); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func runCtlSubcommand(args []string) int {
	fs := flag.NewFlagSet("ctl", flag.ExitOnError)
	ipcSocketPath := fs.String("ipc-socket", defaultIPCSocketPath, "Unix domain socket path for IPC")
	_ = fs.Parse(args)

	shell := newCtlShell(
		func(ev Event) error { return SendIPCEvent(*ipcSocketPath, ev) },
		func() (StateSnapshot, error) { return FetchIPCStatus(*ipcSocketPath) },
	)

	// Remaining args run as a single command, like `motorlink ctl status`.
	if fs.NArg() > 0 {
		if err := shell.Process(fs.Args()...); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		return 0
	}

	shell.Println("motorlink ctl, socket", *ipcSocketPath, "(type help)")
	shell.Run()
	return 0
}

func runWatchSubcommand(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	wsURL := fs.String("url", fmt.Sprintf("ws://127.0.0.1:%d/ws", defaultHTTPPort), "motorlink WebSocket URL")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watchStates(ctx, *wsURL, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
