package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navitrack/fleetcore/internal/logger"
	"github.com/navitrack/fleetcore/pkg/alerts"
	"github.com/navitrack/fleetcore/pkg/auth"
	"github.com/navitrack/fleetcore/pkg/commands"
	"github.com/navitrack/fleetcore/pkg/config"
	"github.com/navitrack/fleetcore/pkg/gateway"
	"github.com/navitrack/fleetcore/pkg/hub"
	"github.com/navitrack/fleetcore/pkg/metrics"
	"github.com/navitrack/fleetcore/pkg/model"
	"github.com/navitrack/fleetcore/pkg/notify"
	"github.com/navitrack/fleetcore/pkg/pipeline"
	"github.com/navitrack/fleetcore/pkg/protocol"
	"github.com/navitrack/fleetcore/pkg/protocol/ascii"
	"github.com/navitrack/fleetcore/pkg/protocol/gt06"
	"github.com/navitrack/fleetcore/pkg/protocol/h02"
	"github.com/navitrack/fleetcore/pkg/protocol/teltonika"
	"github.com/navitrack/fleetcore/pkg/storage"
	"github.com/navitrack/fleetcore/pkg/web"
)

const (
	appName    = "fleetcore"
	appVersion = "1.0.0"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = flag.Bool("version", false, "Print version and exit")
)

// Application holds all components.
type Application struct {
	config     *config.Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	store      *storage.Store
	auth       *auth.Service
	codecs     *protocol.Registry
	registry   *gateway.Registry
	pipe       *pipeline.Pipeline
	bridge     *hub.RedisBridge
	hub        *hub.Hub
	engine     *alerts.Engine
	dispatcher *commands.Dispatcher
	gateway    *gateway.Gateway
	web        *web.Server

	cancel  context.CancelFunc
	stopCfg func()
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	app.logger.Info("fleetcore started",
		"version", appVersion, "http", cfg.GetAddr(), "listeners", len(cfg.Listeners))

	app.WaitForShutdown()

	if err := app.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error during shutdown: %v\n", err)
		os.Exit(1)
	}
}

// NewApplication wires every component.
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	log, err := logger.New(logger.Config{
		Path:       cfg.Logs.Path,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.logger = log
	app.metrics = metrics.New()

	store, err := storage.New(storage.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
		MaxIdle:  cfg.Database.MaxIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.store = store

	app.auth = auth.NewService(store, cfg.Security.Secret, cfg.Security.TokenExpiry)

	app.codecs = protocol.NewRegistry()
	app.codecs.Register(teltonika.New())
	app.codecs.Register(gt06.New())
	app.codecs.Register(h02.New())
	app.codecs.Register(ascii.NewGPS103())
	app.codecs.Register(ascii.NewTK103())
	app.codecs.Register(ascii.NewOsmAnd())
	app.codecs.Register(ascii.NewFlespi())
	app.codecs.Register(ascii.NewQueclink())
	app.codecs.Register(ascii.NewTotem())
	for _, name := range app.codecs.Protocols() {
		log.Info("registered protocol codec", "protocol", name)
	}

	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		bridge, err := hub.NewRedisBridge(cfg.Redis.URL, log)
		if err != nil {
			log.Warn("redis unavailable, falling back to in-process fan-out", "error", err)
		} else {
			app.bridge = bridge
		}
	}
	app.hub = hub.New(store, cfg.Hub.SubscriberBuffer, app.bridge, log, app.metrics)

	app.pipe = pipeline.New(store, cfg.Pipeline, log, app.metrics)

	notifier := notify.New(os.Getenv("NOTIFY_RELAY_URL"), log)
	app.engine = alerts.New(store, notifier, app.hub, app.pipe,
		cfg.Alerts.SweepInterval, log, app.metrics)

	app.registry = gateway.NewRegistry()
	app.dispatcher = commands.New(store, sessionView{app.registry}, app.codecs,
		cfg.Commands.AckTimeout, cfg.Commands.DefaultRetries, log, app.metrics)
	app.registry.OnConnect(app.dispatcher.Kick)

	app.pipe.AddSink(app.engine)
	app.pipe.AddSink(hubSink{app.hub})

	app.gateway = gateway.New(cfg.Server.Host, cfg.Listeners, app.codecs,
		store, app.pipe, app.dispatcher, app.registry, log, app.metrics)

	app.web = web.New(web.Config{
		Addr:         cfg.GetAddr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, app.auth, store, app.pipe, app, app.hub, app.dispatcher, app.metrics, log)

	return app, nil
}

// Start launches the background tasks and listeners.
func (app *Application) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	if app.bridge != nil {
		go app.bridge.Run(ctx)
	}
	go app.dispatcher.Run(ctx)
	go app.engine.RunSweep(ctx)

	if err := app.gateway.Start(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		if err := app.web.Start(); err != nil {
			app.logger.Error("web server failed", err)
		}
	}()

	if stop, err := config.Watch(*configPath, func(cfg *config.Config) {
		app.logger.Info("configuration reloaded")
	}); err == nil {
		app.stopCfg = stop
	}
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM.
func (app *Application) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	app.logger.Info("shutdown signal received")
}

// Stop tears everything down gracefully: stop accepting, drain
// in-flight positions, persist state, close sessions.
func (app *Application) Stop() error {
	if app.stopCfg != nil {
		app.stopCfg()
	}
	app.cancel()
	app.gateway.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.web.Shutdown(ctx); err != nil {
		app.logger.Warn("web shutdown incomplete", "error", err)
	}
	if app.bridge != nil {
		app.bridge.Close()
	}
	if err := app.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	app.logger.Info("fleetcore stopped")
	return nil
}

// DeleteDevice implements web.DeviceDeleter: cancel the live session,
// drain the command queue, drop in-memory state, then remove the row
// (positions, trips, rules, alerts and commands cascade).
func (app *Application) DeleteDevice(ctx context.Context, deviceID int64) error {
	app.registry.Evict(deviceID)
	if err := app.dispatcher.DrainDevice(ctx, deviceID); err != nil {
		return err
	}
	app.engine.Forget(deviceID)
	app.pipe.Forget(deviceID)
	return app.store.DeleteDevice(ctx, deviceID)
}

// sessionView adapts the gateway registry to the dispatcher's view.
type sessionView struct {
	registry *gateway.Registry
}

func (v sessionView) Get(deviceID int64) (commands.SessionWriter, bool) {
	h, ok := v.registry.Get(deviceID)
	if !ok {
		return nil, false
	}
	return h, true
}

// hubSink adapts the hub to the pipeline's sink interface; hub
// delivery is asynchronous by construction (bounded buffers).
type hubSink struct {
	hub *hub.Hub
}

func (s hubSink) PositionStored(device *model.Device, pos *model.Position, _ model.DeviceState) {
	s.hub.BroadcastPosition(device.ID, pos)
}
