// slumber is a protocol-aware reverse proxy for a Minecraft server. It
// answers server list pings itself, tunnels logins to the backend and
// suspends the backend after it has been idle for a while.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/api"
	"github.com/slumber-project/slumber/internal/cli"
	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/connector"
	"github.com/slumber-project/slumber/internal/db"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/health"
	"github.com/slumber-project/slumber/internal/idle"
	"github.com/slumber-project/slumber/internal/metrics"
	"github.com/slumber-project/slumber/internal/network"
	"github.com/slumber-project/slumber/internal/scheduler"
	"github.com/slumber-project/slumber/internal/server"
	"github.com/slumber-project/slumber/internal/status"
	"github.com/slumber-project/slumber/internal/telemetry"
	"github.com/slumber-project/slumber/internal/util"
)

const (
	AppName    = "slumber"
	AppVersion = "0.4.0"
	Banner     = `
      _                 _
  ___| |_   _ _ __ ___ | |__   ___ _ __
 / __| | | | | '_ ' _ \| '_ \ / _ \ '__|
 \__ \ | |_| | | | | | | |_) |  __/ |
 |___/_|\__,_|_| |_| |_|_.__/ \___|_|   v%s
 idle-suspend proxy for Minecraft servers
`
)

// counters joins the controller and the proxy for heartbeats.
type counters struct {
	*idle.Controller
	*network.Proxy
}

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting slumber")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appData := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      appData.Logging.Level,
		Directory:  appData.Logging.Directory,
		MaxSizeMB:  appData.Logging.MaxSizeMB,
		MaxBackups: appData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	backendCfg := cfg.GetBackend()

	backend, err := server.NewBackend(backendCfg, eventBus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create backend supervisor")
	}

	controller := idle.New(backend, idle.Options{
		Timeout:    backendCfg.SuspendTimeout(),
		ArmOnStart: backendCfg.SuspendOnStartup,
		Bus:        eventBus,
	})
	controller.HandleCommands(eventBus, backend)

	provider := status.NewProvider(cfg.GetStatus(), controller)

	proxy := network.NewProxy(network.Options{
		Proxy:    cfg.Proxy,
		Backend:  backendCfg,
		Sessions: controller,
		Waker:    backend,
		Status:   provider,
		Bus:      eventBus,
	})

	var history *db.HistoryStore
	if appData.Database.Path != "" {
		history, err = db.NewHistoryStore(appData.Database.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
			history = nil
		} else {
			history.Subscribe(eventBus)
			defer history.Close()
		}
	}

	promMetrics := metrics.New(metrics.Sources{
		ActiveSessions: func() int {
			mctx, mcancel := context.WithTimeout(ctx, time.Second)
			defer mcancel()
			return controller.ActiveSessions(mctx)
		},
		OpenConnections: proxy.OpenConnections,
		ProtocolErrors:  func() uint64 { return proxy.Stats().ProtocolErrors },
	})
	promMetrics.Subscribe(eventBus)

	discord := connector.NewDiscordNotifier(appData.Discord)
	if discord.Enabled() {
		discord.Subscribe(eventBus)
	}

	var mqttHandler *telemetry.MQTTHandler
	mqttHandler, err = telemetry.NewMQTTHandler(appData.MQTT, eventBus, AppVersion)
	if err != nil {
		if !errors.Is(err, telemetry.ErrDisabled) {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
		mqttHandler = nil
	}

	apiDeps := api.Deps{
		Controller: controller,
		Backend:    backend,
		Proxy:      proxy,
		Status:     provider,
		Metrics:    promMetrics.Handler(),
		Version:    AppVersion,
	}
	if history != nil {
		apiDeps.History = history
	}
	apiServer := api.NewServer(cfg, apiDeps)

	healthMgr := health.NewManager(cfg, eventBus, backend, counters{controller, proxy})

	var pruner scheduler.HistoryPruner
	if history != nil {
		pruner = history
	}
	sched := scheduler.NewScheduler(cfg, pruner, proxy)

	cliDeps := cli.Deps{
		Backend:    backend,
		Controller: controller,
		Proxy:      proxy,
	}
	if history != nil {
		cliDeps.History = history
	}
	console := cli.NewCLI(cfg, eventBus, cliDeps, os.Stdin, os.Stdout)

	// quit from the console
	eventBus.Subscribe("main", func(context.Context, events.Event) error {
		cancel()
		return nil
	}, events.EventShutdown)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("task", name).Msg("starting")
			fn()
		}()
	}

	run("idle controller", func() { controller.Run(ctx) })

	if backendCfg.AutoStart {
		run("backend", func() {
			if err := backend.Spawn(ctx); err != nil {
				log.Error().Err(err).Msg("backend failed to start, it will be retried on the next login")
			}
		})
	}

	run("proxy", func() {
		if err := startWithRetry(ctx, "proxy", proxy.Start, 15); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("proxy: %w", err)
		}
	})

	if cfg.GetStatus().LANAnnounce {
		interval := time.Duration(appData.Timers.LANAnnounceInterval) * time.Second
		announcer := network.NewLANAnnouncer(cfg.Proxy.Port, interval, provider.MOTD)
		if ip, err := util.GetLocalIP(); err == nil {
			log.Info().Str("address", fmt.Sprintf("%s:%d", ip, cfg.Proxy.Port)).Msg("announcing on LAN")
		}
		run("LAN announcer", func() {
			if err := announcer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("LAN announcer stopped")
			}
		})
	}

	if appData.API.Enabled {
		run("REST API", func() {
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		})
	}

	if mqttHandler != nil {
		run("MQTT telemetry", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}

	run("health checks", func() { healthMgr.Start(ctx) })
	run("scheduler", func() { sched.Start(ctx) })
	run("console", func() { console.Start(ctx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), backendCfg.StopTimeout()+5*time.Second)
	if err := backend.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("backend did not stop cleanly")
	}
	stopCancel()

	eventBus.Stop()
	log.Info().Msg("slumber stopped")
}

// startWithRetry retries startFn on bind errors at a fixed 3s interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
