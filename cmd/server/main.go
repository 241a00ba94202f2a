package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/opsgate/internal/api"
	"github.com/t77yq/opsgate/internal/auth"
	"github.com/t77yq/opsgate/internal/config"
	"github.com/t77yq/opsgate/internal/events"
	"github.com/t77yq/opsgate/internal/fixer"
	"github.com/t77yq/opsgate/internal/handler"
	"github.com/t77yq/opsgate/internal/monitor"
	"github.com/t77yq/opsgate/internal/ratelimit"
	"github.com/t77yq/opsgate/internal/scheduler"
	"github.com/t77yq/opsgate/internal/storage"
	"github.com/t77yq/opsgate/internal/webhook"
)

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history, backend, err := openHistory(cfg, logger)
	if err != nil {
		return err
	}
	defer history.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg.NATS, logger)
		if err != nil {
			logger.Error("Event publishing disabled", zap.Error(err))
		} else {
			defer nc.Close()
			js, err := events.NewJetStreamPublisher(nc, logger)
			if err != nil {
				logger.Error("Event publishing disabled", zap.Error(err))
			} else {
				publisher = js
			}
		}
	}

	// Jobs
	registry := scheduler.NewRegistry(logger)
	handlers := handler.NewDefaultRegistry(logger, handler.Options{
		AllowShell: cfg.Scheduler.AllowShellJobs,
		FilesDir:   cfg.Scheduler.FilesDir,
	})
	runner := scheduler.NewRunner(registry, history, publisher, scheduler.RunnerConfig{
		TickInterval: cfg.Scheduler.Tick,
	}, logger)

	// Webhooks
	github := fixer.NewGitHubClient(fixer.GitHubConfig{
		BaseURL:           cfg.GitHub.APIURL,
		Token:             cfg.GitHub.Token,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
	}, logger)
	var creator fixer.PullRequestCreator = github
	if cfg.GitHub.Token == "" {
		logger.Warn("GITHUB_TOKEN not set, fixes are logged instead of opened as pull requests")
		creator = fixer.NewDryRunCreator(logger)
	}
	if cfg.Webhook.Secret == "" {
		logger.Warn("WEBHOOK_SECRET not set, every webhook delivery will be rejected")
	}
	dispatcher := webhook.NewDispatcher(webhook.Config{
		Secret:       cfg.Webhook.Secret,
		ReplayWindow: cfg.Webhook.ReplayWindow,
		FixerTimeout: cfg.Webhook.FixerTimeout,
	}, fixer.Defaults(fixer.Options{
		Creator: creator,
		Reader:  github,
		Logger:  logger,
	}), publisher, logger)

	authenticator, err := auth.New(auth.Config{
		Secret:            cfg.Auth.JWTSecret,
		AdminEmail:        cfg.Auth.AdminEmail,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
	}, logger)
	if err != nil {
		return err
	}
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)

	// Health
	collector := monitor.NewMetricsCollector(monitor.SystemSampler, 15*time.Second, logger)
	health := monitor.NewHealthMonitor(cfg.Server.Version, collector, logger)
	health.Register("scheduler", true, monitor.SchedulerProbe(runner, registry, 10*cfg.Scheduler.Tick+5*time.Second, time.Now))
	health.Register("webhook_dispatcher", true, monitor.DispatcherProbe(dispatcher))
	health.Register("event_bus", false, monitor.EventBusProbe(publisher, cfg.NATS.URL != ""))
	health.Register("history", true, monitor.StoreProbe(history, backend))
	if cfg.Monitor.DockerEnabled {
		docker, err := monitor.NewDockerClient()
		if err != nil {
			logger.Warn("Docker health check disabled", zap.Error(err))
		} else {
			defer docker.Close()
			health.Register("docker", false, monitor.DockerProbe(docker))
		}
	}

	server := api.NewServer(api.Deps{
		Jobs:       registry,
		Handlers:   handlers,
		History:    history,
		Dispatcher: dispatcher,
		Auth:       authenticator,
		Limiter:    limiter,
		Health:     health,
	}, api.Options{
		Production: cfg.IsProduction(),
		CORSOrigin: cfg.Server.CORSOrigin,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runner.Start(ctx)
	collector.Start(ctx)
	go maintain(ctx, limiter, dispatcher.Deliveries(), history, cfg.History.Retention, logger)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("env", cfg.Server.Env),
			zap.String("history", backend),
			zap.Strings("handlers", handlers.Names()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "HTTP server failed")
		}
	}

	// Graceful shutdown with a hard deadline
	force := time.AfterFunc(cfg.Server.ShutdownTimeout, func() {
		logger.Error("Shutdown timeout reached, forcing exit", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		os.Exit(1)
	})
	defer force.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	cancel()
	runner.Stop()
	dispatcher.Wait()
	collector.Stop()

	logger.Info("Server shut down gracefully", zap.String("runner", runner.Stats().String()))
	return nil
}

// openHistory returns the SQLite log when HISTORY_DB is set and the
// in-memory ring otherwise
func openHistory(cfg *config.Config, logger *zap.Logger) (storage.ExecutionLog, string, error) {
	if cfg.History.DB == "" {
		return storage.NewMemoryLog(cfg.History.Capacity), "memory", nil
	}
	history, err := storage.NewSQLiteLog(logger, cfg.History.DB)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to open execution history")
	}
	return history, "sqlite", nil
}

func connectNATS(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS after %d attempts", maxRetries)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// maintain sweeps expired rate-limit windows and delivery ids every minute
// and drops execution records older than retention once a day
func maintain(ctx context.Context, limiter *ratelimit.Limiter, deliveries *webhook.DeliveryCache, history storage.ExecutionLog, retention time.Duration, logger *zap.Logger) {
	sweepTicker := time.NewTicker(time.Minute)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer sweepTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			windows := limiter.Sweep()
			ids := deliveries.Sweep()
			logger.Debug("Swept expired entries", zap.Int("rate_windows", windows), zap.Int("delivery_ids", ids))
		case <-cleanupTicker.C:
			if retention <= 0 {
				continue
			}
			cutoff := time.Now().Add(-retention)
			removed, err := history.DeleteBefore(ctx, cutoff)
			if err != nil {
				logger.Error("Failed to cleanup old execution history", zap.Error(err))
				continue
			}
			logger.Info("Cleaned up execution history", zap.Int64("removed", removed), zap.Time("cutoff", cutoff))
		}
	}
}
