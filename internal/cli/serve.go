package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezkam/backlog/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/backlog/internal/infrastructure/persistence/sqlite"
	"github.com/rezkam/backlog/internal/instance"
	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/store"
	"github.com/rezkam/backlog/internal/worker"
	"github.com/rezkam/backlog/pkg/observability"
)

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a maintenance node",
		Long: `Runs a node without queues: it participates in leader election,
keeps staging alive (promoting due scheduled and retryable jobs), answers
sonar pings and relays notifications. Job execution happens in applications
that embed the library and register workers; a maintenance node keeps the
shared machinery running while those applications restart or deploy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext()
			defer cancel()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// A maintenance node never claims work, so configured queues are ignored
	// rather than started without any registered workers.
	cfg.Queues = nil

	obsCfg := observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: observability.DefaultServiceName,
	}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider(lp.Shutdown, "logger")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider(tp.Shutdown, "tracer")

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider(mp.Shutdown, "meter")

	var (
		st      store.Store
		backend notify.Backend
	)
	if isPostgresDSN(cfg.Database.DSN) {
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, cfg.Database.DSN); err != nil {
				return err
			}
		}
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		})
		if err != nil {
			return err
		}
		st = pg
		backend = postgres.NewNotifier(pg.Pool(), cfg.Prefix)
	} else {
		lite, err := sqlite.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		st = lite
		// SQLite is process-local, and so is its notification bus.
		backend = notify.NewLocalBackend()
	}
	defer st.Close()

	inst := instance.New(cfg, st, backend, worker.NewRegistry())
	if err := inst.Start(ctx); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	slog.InfoContext(ctx, "maintenance node running",
		"name", cfg.Name, "node", cfg.Node, "stage_interval", cfg.StageInterval)

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod+5*time.Second)
	defer cancel()
	inst.Stop(stopCtx)
	return nil
}

func shutdownProvider(shutdown func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown provider", "provider", name, "error", err)
	}
}
