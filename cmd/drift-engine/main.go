package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/claimwatch/claimwatch-drift/internal/cache"
	"github.com/claimwatch/claimwatch-drift/internal/config"
	"github.com/claimwatch/claimwatch-drift/internal/engine"
	"github.com/claimwatch/claimwatch-drift/internal/metrics"
	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/notify"
	"github.com/claimwatch/claimwatch-drift/internal/patterns"
	"github.com/claimwatch/claimwatch-drift/internal/repo/postgres"
	"github.com/claimwatch/claimwatch-drift/internal/scheduler"
	"github.com/claimwatch/claimwatch-drift/internal/services"
	"github.com/claimwatch/claimwatch-drift/internal/suppress"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "drift-engine",
		Short:        "Detects denial and payment-timing drift in healthcare claims",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")

	root.AddCommand(serveCmd(), detectCmd(), migrateCmd(), reportCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sqlx.DB
	cache   cache.Provider
	claims  *postgres.ClaimsRepo
	store   *postgres.Store
	signals *postgres.SignalsRepo
	service *services.DetectionService
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func bootstrap() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	cacheProvider := cacheBackend(cfg.Cache, logger)

	overrides, err := engine.LoadOverrides(cfg.Detection.OverridesPath, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load override pack: %w", err)
	}

	claims := postgres.NewClaimsRepo(db, cfg.Database.QueryTimeout, cacheProvider, cfg.Cache.AggregateTTL, logger)
	store := postgres.NewStore(db, cfg.Database.QueryTimeout, logger)
	signals := postgres.NewSignalsRepo(db, cfg.Database.QueryTimeout)
	gate := suppress.NewGate(cacheProvider, cfg.Detection.Cooldown)
	notifier := notify.NewLogNotifier(logger)

	pipeline := engine.NewPipeline(logger, claims, store, cfg.Detection, overrides, gate, notifier)
	service := services.NewDetectionService(logger, pipeline)

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		cache:   cacheProvider,
		claims:  claims,
		store:   store,
		signals: signals,
		service: service,
	}, nil
}

// cacheBackend picks the suppression and aggregate cache. Redis when
// configured, otherwise an in-process cache so cooldowns still hold within a
// single engine.
func cacheBackend(cfg config.CacheConfig, logger *slog.Logger) cache.Provider {
	if cfg.Enabled && cfg.Addr != "" {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err == nil {
			return provider
		}
		logger.Warn("redis cache unavailable, falling back to in-process cache", slog.Any("error", err))
	}
	return cache.NewMemoryProvider()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled drift detection across all tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}

			a.logger.Info("starting drift-engine",
				slog.String("metrics_address", a.cfg.Server.MetricsAddress),
				slog.Duration("interval", a.cfg.Scheduler.Interval))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var metricsServer *http.Server
			if a.cfg.Server.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{
					Addr:         a.cfg.Server.MetricsAddress,
					Handler:      mux,
					ReadTimeout:  5 * time.Second,
					WriteTimeout: 15 * time.Second,
				}
				go func() {
					a.logger.Info("metrics server listening", slog.String("address", metricsServer.Addr))
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server exited", slog.Any("error", err))
						stop()
					}
				}()
			}

			sched := scheduler.New(a.logger, a.service, a.claims, a.cfg.Scheduler, a.cfg.Detection.WindowDays)
			go func() {
				if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("scheduler exited", slog.Any("error", err))
					stop()
				}
			}()

			<-ctx.Done()
			a.logger.Info("shutdown signal received")

			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GracefulTimeout)
				if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Warn("metrics server shutdown", slog.Any("error", err))
				}
				cancel()
			}

			a.logger.Info("drift-engine stopped")
			return nil
		},
	}
}

func detectCmd() *cobra.Command {
	var (
		tenantID string
		start    string
		end      string
		seed     string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection pass for a tenant and window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			req := models.DetectionRequest{TenantID: tenantID}
			if start == "" && end == "" {
				req.Window = utils.TrailingWindow(time.Now(), a.cfg.Detection.WindowDays)
			} else {
				req.Window.Start, err = utils.ParseRFC3339(start)
				if err != nil {
					return fmt.Errorf("parse --start: %w", err)
				}
				req.Window.End, err = utils.ParseRFC3339(end)
				if err != nil {
					return fmt.Errorf("parse --end: %w", err)
				}
			}
			if seed != "" {
				seedStart, err := utils.ParseRFC3339(seed)
				if err != nil {
					return fmt.Errorf("parse --seed-start: %w", err)
				}
				span := req.Window.End.Sub(req.Window.Start)
				req.SeedWindow = &models.Window{Start: seedStart, End: seedStart.Add(span)}
			}

			report, err := a.service.Detect(cmd.Context(), req)
			printJSON(report)
			return err
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to analyse")
	cmd.Flags().StringVar(&start, "start", "", "window start (RFC 3339), defaults to the trailing window")
	cmd.Flags().StringVar(&end, "end", "", "window end (RFC 3339)")
	cmd.Flags().StringVar(&seed, "seed-start", "", "start of a same-length window used to seed missing baselines")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			if err := postgres.Migrate(cmd.Context(), a.db); err != nil {
				return err
			}
			a.logger.Info("schema applied")
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	var (
		tenantID string
		days     int
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise recent drift hotspots for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.close()

			miner := patterns.NewMiner(a.logger, a.signals)
			since := time.Now().UTC().AddDate(0, 0, -days)
			hotspots, err := miner.Mine(cmd.Context(), tenantID, since, limit)
			if err != nil {
				return err
			}
			printJSON(hotspots)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to report on")
	cmd.Flags().IntVar(&days, "days", 30, "lookback in days")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum signals to read")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
