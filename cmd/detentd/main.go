package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"detentd/internal/blink"
	"detentd/internal/encoder"
	"detentd/internal/gpio"
	"detentd/internal/quadrature"
	"detentd/internal/rate"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "detentd v%s\n", version)
	fmt.Fprintln(w, "Rotary encoder driven LED blinker")
}

func printUsage(w io.Writer, flags *flag.FlagSet) {
	printVersion(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  detentd [OPTIONS]")
	fmt.Fprintln(w, "  detentd console [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DESCRIPTION:")
	fmt.Fprintln(w, "  Decodes a quadrature encoder on two GPIO lines. Each detent shortens")
	fmt.Fprintln(w, "  (clockwise) or lengthens (counterclockwise) the blink period of an LED")
	fmt.Fprintln(w, "  by one tenth, within configured bounds.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OPTIONS:")
	flags.SetOutput(w)
	flags.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SUBCOMMANDS:")
	fmt.Fprintln(w, "  console")
	fmt.Fprintln(w, "        Run with the sim backend and an interactive prompt")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "ENVIRONMENT:")
	fmt.Fprintf(w, "  %s, %s, %s (also read from .env)\n", envConfigPath, envMQTTUsername, envMQTTPassword)
	fmt.Fprintln(w)
}

// cliOptions is the parsed command line.
type cliOptions struct {
	ConfigPath  string
	Overrides   FlagOverrides
	ShowVersion bool
	ShowHelp    bool
	Console     bool
}

// parseArgs parses args (without the program name). Only flags that were set
// explicitly end up in Overrides.
func parseArgs(args []string, stderr io.Writer) (cliOptions, *flag.FlagSet, error) {
	var opts cliOptions
	if len(args) > 0 && args[0] == "console" {
		opts.Console = true
		args = args[1:]
	}

	flags := flag.NewFlagSet("detentd", flag.ContinueOnError)
	flags.SetOutput(stderr)

	configPath := flags.String("config", "", "Path to YAML config file (default $"+envConfigPath+")")
	backend := flags.String("backend", defaultBackend, "GPIO backend: gpiocdev|sysfs|periph|sim")
	chip := flags.String("chip", defaultChip, "GPIO chip for the gpiocdev backend")
	pinA := flags.Int("pin-a", defaultPinA, "Encoder line A offset")
	pinB := flags.Int("pin-b", defaultPinB, "Encoder line B offset")
	ledPin := flags.Int("led-pin", defaultLEDPin, "LED output offset (-1 disables)")
	invert := flags.Bool("invert", false, "Swap clockwise and counterclockwise")
	ipcSocket := flags.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
	listen := flags.String("listen", defaultListenAddr, "HTTP listen address for /ws/state (empty disables)")
	mqttEnabled := flags.Bool("mqtt", false, "Enable MQTT telemetry")
	mqttBroker := flags.String("mqtt-broker", defaultMQTTBroker, "MQTT broker URL")
	logLevel := flags.String("log-level", "info", "Log level: error, warn, info, debug")
	showVersion := flags.Bool("version", false, "Print version and exit")
	showHelp := flags.Bool("help", false, "Print help message")

	flags.Usage = func() { printUsage(stderr, flags) }

	if err := flags.Parse(args); err != nil {
		return opts, flags, err
	}
	if flags.NArg() > 0 {
		return opts, flags, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	opts.ConfigPath = *configPath
	opts.ShowVersion = *showVersion
	opts.ShowHelp = *showHelp

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			opts.Overrides.Backend = backend
		case "chip":
			opts.Overrides.Chip = chip
		case "pin-a":
			opts.Overrides.PinA = pinA
		case "pin-b":
			opts.Overrides.PinB = pinB
		case "led-pin":
			opts.Overrides.LEDPin = ledPin
		case "invert":
			opts.Overrides.Invert = invert
		case "ipc-socket":
			opts.Overrides.IPCSocketPath = ipcSocket
		case "listen":
			opts.Overrides.Listen = listen
		case "mqtt":
			opts.Overrides.MQTTEnabled = mqttEnabled
		case "mqtt-broker":
			opts.Overrides.MQTTBroker = mqttBroker
		case "log-level":
			opts.Overrides.LogLevel = logLevel
		}
	})

	return opts, flags, nil
}

// loadConfig layers defaults, the config file, flags and the environment.
func loadConfig(opts cliOptions, getenv func(string) string) (Config, error) {
	path := opts.ConfigPath
	if path == "" {
		path = getenv(envConfigPath)
	}

	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
	}

	opts.Overrides.Apply(&cfg)
	cfg.ApplyEnv(getenv)

	if opts.Console {
		cfg.Encoder.Backend = string(gpio.BackendSim)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, flags, err := parseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	if opts.ShowHelp {
		printUsage(os.Stdout, flags)
		return 0
	}
	if opts.ShowVersion {
		printVersion(os.Stdout)
		return 0
	}

	// A missing .env is normal; anything else is worth reporting.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: loading .env:", err)
	}

	cfg, err := loadConfig(opts, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	level, _ := parseLogLevel(cfg.Logging.Level)

	var rlWriter *readlineWriter
	var logger *slog.Logger
	if opts.Console {
		rlWriter = &readlineWriter{out: os.Stdout}
		logger = newLogger(rlWriter, level)
	} else {
		logger = setupLogger(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting detentd", "version", version, "backend", cfg.Encoder.Backend)
	if err := runApp(ctx, cfg, logger, rlWriter); err != nil {
		logger.Error("detentd stopped", "error", err)
		return 1
	}
	logger.Info("shut down")
	return 0
}

// app holds the wired components. It is built by newApp and started by
// runApp; tests drive it directly.
type app struct {
	cfg    Config
	logger *slog.Logger

	shared  *rate.Shared
	ctrl    *rate.Controller
	lines   gpio.Lines
	out     gpio.Output
	sim     *gpio.Sim
	handler *encoder.Handler
	blinker *blink.Blinker
	events  chan Event
}

func newApp(cfg Config, logger *slog.Logger) (*app, error) {
	shared, err := rate.NewShared(cfg.RateBounds())
	if err != nil {
		return nil, err
	}
	ctrl := rate.NewController(shared)

	lines, out, err := gpio.Open(cfg.GPIOConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		shared: shared,
		ctrl:   ctrl,
		lines:  lines,
		out:    out,
		events: make(chan Event, eventQueueSize),
	}
	a.sim, _ = lines.(*gpio.Sim)

	a.handler = encoder.NewHandler(lines, ctrl, encoder.Options{
		Threshold: cfg.Encoder.Threshold,
		Invert:    cfg.Encoder.Invert,
		Logger:    logger,
		Observer: func(d quadrature.Detent, period uint32, changed bool) {
			trySend(a.events, DetentObserved{
				Direction:   d,
				PeriodTicks: period,
				Changed:     changed,
				Source:      sourceEncoder,
				At:          time.Now(),
			})
		},
	})

	var led blink.Setter
	if out != nil {
		led = out
	}
	a.blinker = blink.New(shared, led, logger)
	a.blinker.OnToggle(func(on bool) {
		trySend(a.events, BlinkToggled{On: on, At: time.Now()})
	})

	return a, nil
}

func (a *app) close() {
	if a.out != nil {
		if err := a.out.Close(); err != nil {
			a.logger.Warn("closing LED output", "error", err)
		}
	}
	if err := a.lines.Close(); err != nil {
		a.logger.Warn("closing encoder lines", "error", err)
	}
}

// runApp wires every component and blocks until ctx is canceled or one of
// them fails. rlWriter is non-nil in console mode.
func runApp(parent context.Context, cfg Config, logger *slog.Logger, rlWriter *readlineWriter) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var sinks []chan<- StateBroadcast

	// Encoder context.
	g.Go(func() error {
		if err := a.lines.Watch(gctx, a.handler.OnEdge); err != nil && gctx.Err() == nil {
			return fmt.Errorf("encoder watch: %w", err)
		}
		return nil
	})

	// Tick context.
	g.Go(func() error {
		a.blinker.Run(gctx, blink.Interval(cfg.Blink.TickHz))
		return nil
	})

	// State websocket.
	if cfg.Server.Listen != "" {
		wsBroadcasts := make(chan StateBroadcast, broadcastQueueSize)
		sinks = append(sinks, wsBroadcasts)

		stateServer := NewStateServer(logger, a.events, HubConfig{})
		mux := http.NewServeMux()
		stateServer.Register(mux, "/ws/state")
		srv := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			stateServer.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, stateServer.Hub(), wsBroadcasts, logger)
			return nil
		})
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.Server.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// MQTT telemetry.
	if cfg.MQTT.Enabled {
		mqttBroadcasts := make(chan StateBroadcast, broadcastQueueSize)
		sinks = append(sinks, mqttBroadcasts)
		g.Go(func() error {
			return runMQTTPublisher(gctx, cfg.MQTT, mqttBroadcasts, logger)
		})
	}

	// Daemon context.
	fx := &effectRunner{ctrl: a.ctrl, handler: a.handler, sim: a.sim, logger: logger}
	state := NewDaemonState(cfg.RateBounds(), cfg.Blink.TickHz)
	g.Go(func() error {
		runDaemon(gctx, a.events, fx, state, cfg.StatsInterval(), sinks, logger)
		return nil
	})

	g.Go(func() error {
		return runIPCServer(gctx, ExpandPath(cfg.IPC.SocketPath), a.events, logger)
	})

	if rlWriter != nil && a.sim != nil {
		c := &console{sim: a.sim, handler: a.handler, events: a.events}
		g.Go(func() error {
			return runConsole(gctx, cancel, c, rlWriter)
		})
	}

	logger.Info("running",
		"backend", cfg.Encoder.Backend,
		"pin_a", cfg.Encoder.PinA,
		"pin_b", cfg.Encoder.PinB,
		"led_pin", cfg.Blink.LEDPin,
		"period_ticks", a.shared.Get(),
		"tick_hz", cfg.Blink.TickHz,
		"ipc", cfg.IPC.SocketPath,
		"listen", cfg.Server.Listen,
		"mqtt", cfg.MQTT.Enabled)

	return g.Wait()
}
