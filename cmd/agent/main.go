// Command agent is the entry point for the Modbus polling agent: it wires
// together the connection pool, scheduler, buffers, control channel, config
// watcher, uploader, and status reporter, then serves health and metrics
// over HTTP until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/modbus-agent/internal/buffer"
	"github.com/nexus-edge/modbus-agent/internal/commands"
	"github.com/nexus-edge/modbus-agent/internal/config"
	"github.com/nexus-edge/modbus-agent/internal/configwatcher"
	"github.com/nexus-edge/modbus-agent/internal/controlchannel"
	"github.com/nexus-edge/modbus-agent/internal/domain"
	"github.com/nexus-edge/modbus-agent/internal/health"
	"github.com/nexus-edge/modbus-agent/internal/metrics"
	"github.com/nexus-edge/modbus-agent/internal/modbus"
	"github.com/nexus-edge/modbus-agent/internal/scheduler"
	"github.com/nexus-edge/modbus-agent/internal/statusreporter"
	"github.com/nexus-edge/modbus-agent/internal/uploader"
	"github.com/nexus-edge/modbus-agent/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "modbus-agent"
	serviceVersion = "1.0.0"
)

// fanoutApplier satisfies configwatcher.Applier by pushing a newly fetched
// config to both the scheduler (which owns the poll timers) and the command
// registry (which only needs the device list for deviceId lookups).
type fanoutApplier struct {
	scheduler *scheduler.Scheduler
	registry  *commands.Registry
}

func (f *fanoutApplier) Reconfigure(cfg domain.PollingConfig) {
	f.registry.Reconfigure(cfg)
	f.scheduler.Reconfigure(cfg)
}

// checkerFunc adapts a plain function to internal/health.Checker.
type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func main() {
	token := flag.String("token", "", "registration token issued by the control plane")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(serviceVersion)
		return
	}

	logger := logging.New(serviceName, serviceVersion)
	logger.Info().Msg("starting modbus agent")

	cfg, err := config.Load(*token)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	metricsRegistry := metrics.NewRegistry()
	healthChecker := health.NewChecker(health.Config{ServiceName: serviceName, ServiceVersion: serviceVersion})

	pool := modbus.NewPool(modbus.PoolConfig{
		IdleTimeout:       cfg.Pool.IdleTimeout,
		HealthCheckPeriod: cfg.Pool.HealthCheckPeriod,
	}, logger)
	healthChecker.AddCheck("modbus_pool", pool)

	offline, err := buffer.NewOfflineBuffer(cfg.Buffers.OfflineDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open offline buffer")
	}
	offline.SetBuffering(true)
	healthChecker.AddCheck("offline_buffer", checkerFunc(func(context.Context) error {
		return offline.Writable()
	}))

	cache := buffer.NewValueCache()
	historical := buffer.NewHistoricalBuffer(cfg.Buffers.HistoricalCap)
	historical.SetLogger(logger)
	transmit := buffer.NewTransmitBuffer()

	ccConfig := controlchannel.Config{
		AuthURL:           cfg.AuthURL,
		WebSocketURL:      cfg.WebSocketURL,
		RegistrationToken: cfg.RegistrationToken,
	}
	if cfg.ControlChannel.HeartbeatIntervalMs > 0 {
		ccConfig.HeartbeatInterval = time.Duration(cfg.ControlChannel.HeartbeatIntervalMs) * time.Millisecond
	}
	if cfg.ControlChannel.JWTRefreshMinutes > 0 {
		ccConfig.JWTRefreshInterval = time.Duration(cfg.ControlChannel.JWTRefreshMinutes) * time.Minute
	}
	if cfg.ControlChannel.ReconnectDelayMs > 0 {
		ccConfig.ReconnectDelay = time.Duration(cfg.ControlChannel.ReconnectDelayMs) * time.Millisecond
	}
	channel := controlchannel.New(ccConfig, logger)

	transmitter := uploader.NewTransmitter(cache, transmit, channel, 0, 0, logger)
	sink := uploader.NewPipelineSink(cache, historical, transmit, transmitter)

	sched := scheduler.New(pool, sink, logger)
	sched.SetMetrics(metricsRegistry)

	registry := commands.NewRegistry()
	handlers := commands.NewHandlers(pool, registry, sched, logger)
	handlers.Register(channel)

	statusReporter := statusreporter.New(cfg.AgentStatusURL, cfg.AgentStatusKey, channel, logger)

	bulkUploader := uploader.NewUploader(cfg.IngestURL, channel, channel, historical, offline, statusReporter, 0, logger)
	bulkUploader.SetMetrics(metricsRegistry)

	applier := &fanoutApplier{scheduler: sched, registry: registry}
	watcher := configwatcher.New(cfg.ConfigURL, channel, applier, 0, logger)

	channel.SetCallbacks(controlchannel.Callbacks{
		OnOpen: func() {
			offline.SetBuffering(false)
			bulkUploader.DrainOffline()
			watcher.FetchNow()
		},
		OnDisconnected: func() {
			offline.SetBuffering(true)
		},
		OnWelcome: func(agentID string) {
			logger.Info().Str("agent_id", agentID).Msg("control channel identified")
		},
	})

	if cfg.BootstrapDevicesPath != "" {
		bootstrapCfg, err := config.LoadBootstrapDevices(cfg.BootstrapDevicesPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load bootstrap devices")
		}
		logger.Info().Str("config_id", bootstrapCfg.ConfigID).Int("devices", len(bootstrapCfg.Devices)).
			Msg("applying local bootstrap polling config")
		applier.Reconfigure(bootstrapCfg)
	}

	channel.Start()
	watcher.Start()
	bulkUploader.Start()
	transmitter.Start()

	go reportGauges(channel, pool, offline, transmit, metricsRegistry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		size, _ := offline.Size()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":%q,"version":%q,"controlChannelOpen":%t,"offlineBuffered":%d,"historicalPending":%d,"transmitPending":%d}`,
			serviceName, serviceVersion, channel.IsOpen(), size, historical.Len(), transmit.Len())
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().Msg("modbus agent started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	watcher.Stop()
	transmitter.Stop()
	bulkUploader.Stop()
	if err := channel.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping control channel")
	}
	sched.Stop()
	if err := pool.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing connection pool")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}

	logger.Info().Msg("modbus agent shutdown complete")
}

// reportGauges periodically pushes point-in-time values into the metrics
// registry for the gauges nothing else updates on its own schedule.
func reportGauges(channel *controlchannel.Channel, pool *modbus.Pool, offline *buffer.OfflineBuffer, transmit *buffer.TransmitBuffer, m *metrics.Registry, logger zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastReconnects := channel.Reconnects()
	for range ticker.C {
		m.UpdatePoolConnections(pool.Size())
		m.UpdateControlChannelState(int32(channel.State()))
		m.UpdateTransmitQueueLength(transmit.Len())

		if n, err := offline.Size(); err != nil {
			logger.Debug().Err(err).Msg("failed to read offline buffer size for metrics")
		} else {
			m.UpdateOfflineBufferSize(n)
		}

		if reconnects := channel.Reconnects(); reconnects > lastReconnects {
			for i := uint64(0); i < reconnects-lastReconnects; i++ {
				m.RecordControlChannelReconnect()
			}
			lastReconnects = reconnects
		}
	}
}
