package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wastelane/paddock/internal/auth"
	"github.com/wastelane/paddock/internal/config"
	"github.com/wastelane/paddock/internal/keylock"
	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/mcp"
	"github.com/wastelane/paddock/internal/ratelimit"
	"github.com/wastelane/paddock/internal/registry"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/server"
	"github.com/wastelane/paddock/internal/service/garage"
	"github.com/wastelane/paddock/internal/service/market"
	"github.com/wastelane/paddock/internal/service/racing"
	"github.com/wastelane/paddock/internal/storage"
	"github.com/wastelane/paddock/internal/telemetry"
	"github.com/wastelane/paddock/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("PADDOCK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("paddock starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations. RunMigrations tracks applied
	// files in schema_migrations and skips duplicates.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// External money and asset rails. Empty URLs select the in-memory fakes
	// for local development; nothing persists across restarts there.
	var led ledger.Client
	if cfg.LedgerURL != "" {
		led = ledger.NewHTTPClient(cfg.LedgerURL, cfg.PlatformPrincipal, cfg.LedgerTimeout)
		logger.Info("ledger: http", "url", cfg.LedgerURL)
	} else {
		led = ledger.NewMemLedger()
		logger.Warn("ledger: in-memory (dev mode, balances are not durable)")
	}

	var reg registry.Client
	if cfg.RegistryURL != "" {
		reg = registry.NewHTTPClient(cfg.RegistryURL, cfg.RegistryTimeout)
		logger.Info("registry: http", "url", cfg.RegistryURL)
	} else {
		reg = registry.NewMemRegistry()
		logger.Warn("registry: in-memory (dev mode)")
	}

	clock := func() time.Time { return time.Now().UTC() }
	sched := scheduler.New(db, logger,
		scheduler.WithClock(clock),
		scheduler.WithBatchSize(cfg.DrainBatchSize),
	)

	// Services register their timer handlers on construction, so the
	// scheduler can dispatch every kind before the first drain runs. They
	// share one lock guard so bot and race mutations serialize across
	// services, not just within one.
	locks := keylock.New()
	garageSvc := garage.New(db, sched, led, reg, cfg.PlatformPrincipal, locks, logger, clock)
	racingSvc := racing.New(db, sched, led, cfg.PlatformPrincipal, locks, logger, clock)
	marketSvc := market.New(db, led, reg, locks, logger, clock)

	mcpSrv := mcp.New(garageSvc, racingSvc, marketSvc, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60.0, cfg.RateLimitPerMinute)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process)", "per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv, err := server.New(server.ServerConfig{
		Store:               db,
		Scheduler:           sched,
		JWTMgr:              jwtMgr,
		Racing:              racingSvc,
		MCP:                 mcpSrv,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := server.SeedAdmin(ctx, db, cfg.AdminAPIKey, cfg.AdminPrincipal, logger); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	// Fill the calendar before serving so the first agent to connect sees
	// races, then keep it topped up from cron.
	if created, err := racingSvc.TopUpCalendar(ctx, cfg.CalendarHorizon); err != nil {
		slog.Warn("initial calendar top-up failed", "error", err)
	} else if len(created) > 0 {
		slog.Info("calendar topped up", "races", len(created))
	}

	jobs, err := startJobs(ctx, cfg, sched, racingSvc, logger)
	if err != nil {
		return fmt.Errorf("cron: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("paddock shutting down")

		// Stop cron first so no new drains start. In-flight timer handlers
		// finish before Stop's context resolves.
		<-jobs.Stop().Done()

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		return srv.Shutdown(httpCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("paddock stopped")
	return nil
}

// startJobs wires the periodic engine work: draining overdue timers, keeping
// the race calendar full, and retrying failed payouts.
func startJobs(ctx context.Context, cfg config.Config, sched *scheduler.Scheduler, racingSvc *racing.Service, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc("@every "+cfg.DrainInterval.String(), func() {
		processed, failed, err := sched.ProcessOverdue(ctx)
		if err != nil {
			logger.Warn("timer drain failed", "error", err)
			return
		}
		if processed > 0 || failed > 0 {
			logger.Info("timer drain", "processed", processed, "failed", failed)
		}
	})
	if err != nil {
		return nil, err
	}

	// Hourly is frequent enough: the horizon is measured in days, so each
	// run only creates the slots that rolled into view since the last one.
	_, err = c.AddFunc("@hourly", func() {
		created, err := racingSvc.TopUpCalendar(ctx, cfg.CalendarHorizon)
		if err != nil {
			logger.Warn("calendar top-up failed", "error", err)
			return
		}
		if len(created) > 0 {
			logger.Info("calendar topped up", "races", len(created))
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = c.AddFunc("@every "+cfg.PayoutRetryBackoff.String(), func() {
		retried, paid, failed, err := racingSvc.RetryPayouts(ctx, 100)
		if err != nil {
			logger.Warn("payout retry sweep failed", "error", err)
			return
		}
		if retried > 0 {
			logger.Info("payout retry sweep", "retried", retried, "paid", paid, "failed", failed)
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}
