package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meditrack/meditrack/internal/config"
	"github.com/meditrack/meditrack/internal/domain/dashboard"
	"github.com/meditrack/meditrack/internal/domain/identity"
	"github.com/meditrack/meditrack/internal/domain/medication"
	"github.com/meditrack/meditrack/internal/domain/scheduling"
	"github.com/meditrack/meditrack/internal/domain/session"
	"github.com/meditrack/meditrack/internal/platform/auth"
	"github.com/meditrack/meditrack/internal/platform/db"
	"github.com/meditrack/meditrack/internal/platform/docimport"
	"github.com/meditrack/meditrack/internal/platform/livequery"
	"github.com/meditrack/meditrack/internal/platform/middleware"
	"github.com/meditrack/meditrack/internal/platform/telemetry"
	"github.com/meditrack/meditrack/internal/platform/websocket"
)

const (
	version       = "0.1.0"
	changeChannel = "meditrack:changes"
	wsRoute       = "/api/v1/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meditrack-server",
		Short: "MediTrack clinic API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MediTrack API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import users, appointments and prescriptions from a document export",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return fmt.Errorf("CLINIC_TIMEZONE %q: %w", cfg.ClinicTimezone, err)
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			im := docimport.New(
				identity.NewProfileRepoPG(pool),
				scheduling.NewAppointmentRepoPG(pool),
				medication.NewPrescriptionRepoPG(pool),
				loc,
			)
			res, err := im.Load(ctx, f)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			printImport(cmd, res)
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the JSON export")
	return cmd
}

func printImport(cmd *cobra.Command, res *docimport.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-14s %8s %8s %8s\n", "COLLECTION", "IMPORTED", "SKIPPED", "FAILED")
	for _, row := range []struct {
		name string
		c    docimport.Counts
	}{
		{"users", res.Users},
		{"appointments", res.Appointments},
		{"prescriptions", res.Prescriptions},
	} {
		fmt.Fprintf(out, "%-14s %8d %8d %8d\n", row.name, row.c.Imported, row.c.Skipped, row.c.Failed)
	}
	if n := len(res.Remapped); n > 0 {
		fmt.Fprintf(out, "%d document id(s) were replaced with new UUIDs.\n", n)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// store is what the server needs from the connection pool.
type store interface {
	db.Querier
	db.Pinger
}

// deps are the process-wide collaborators shared by every route.
type deps struct {
	store    store
	bus      livequery.Bus
	revoker  auth.Revoker
	registry *prometheus.Registry
	checks   []db.Check
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d := deps{store: pool, registry: reg}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		bus := livequery.NewRedisBus(rdb, changeChannel, logger)
		if err := bus.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to change channel")
		}
		defer bus.Close()

		d.bus = bus
		d.revoker = auth.NewRedisRevocationStore(rdb)
		d.checks = append(d.checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info().Str("channel", changeChannel).Msg("using redis change bus")
	} else {
		revocations := auth.NewTokenRevocationStore()
		defer revocations.Close()

		d.bus = livequery.NewMemoryBus()
		d.revoker = revocations
		logger.Warn().Msg("REDIS_URL not set; changes and revocations stay in this process")
	}

	e, err := buildServer(cfg, logger, d)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// buildServer wires services and routes onto a fresh echo instance.
func buildServer(cfg *config.Config, logger zerolog.Logger, d deps) (*echo.Echo, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", cfg.ClinicTimezone, err)
	}
	if d.registry == nil {
		d.registry = prometheus.NewRegistry()
	}
	if d.bus == nil {
		d.bus = livequery.NewMemoryBus()
	}

	workflow := telemetry.NewWorkflowMetrics(d.registry)
	httpMetrics := telemetry.NewHTTPMetrics(d.registry)

	provider := auth.NewProvider(auth.NewCredentialStorePG(d.store), d.revoker, auth.Config{
		SigningKey: []byte(cfg.AuthSigningKey),
		Issuer:     cfg.AuthIssuer,
		TokenTTL:   cfg.AuthTokenTTL,
	})

	identitySvc := identity.NewService(identity.NewProfileRepoPG(d.store), provider, d.bus, cfg.InstitutionDomain, workflow)
	schedulingSvc := scheduling.NewService(scheduling.NewAppointmentRepoPG(d.store), identitySvc, d.bus, workflow, scheduling.Config{
		Location:   loc,
		DailyLimit: cfg.DailyAppointmentLimit,
	})
	medicationSvc := medication.NewService(medication.NewPrescriptionRepoPG(d.store), identitySvc, d.bus, workflow)
	dashboardSvc := dashboard.NewService(schedulingSvc, medicationSvc, identitySvc, d.bus, loc)
	resolver := session.NewResolver(identitySvc, provider, d.bus)
	session.ShareSignOuts(provider, d.bus, logger)

	hub := websocket.NewHub(dashboardSvc, workflow)
	wsHandler := websocket.NewHandler(hub, cfg.CORSOrigins, sessionWatch(resolver))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"X-Role-Home", "X-Request-ID"},
	}))
	e.Use(httpMetrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.store, d.checks...))
	e.GET("/metrics", telemetry.Handler(d.registry))

	apiV1 := e.Group("/api/v1",
		provider.Middleware(auth.AuthSkipper),
		resolver.Middleware(),
		middleware.RequestTimeout(30*time.Second, wsRoute),
	)

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1, middleware.RateLimit(rateLimitConfig(cfg)))
	session.NewHandler(resolver).RegisterRoutes(apiV1)
	scheduling.NewHandler(schedulingSvc).RegisterRoutes(apiV1)
	medication.NewHandler(medicationSvc).RegisterRoutes(apiV1)
	dashboard.NewHandler(dashboardSvc).RegisterRoutes(apiV1)
	wsHandler.RegisterRoutes(apiV1)

	return e, nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// sessionWatch ends a live connection when the session behind it ends.
func sessionWatch(r *session.Resolver) websocket.SessionWatch {
	return func(ctx context.Context, signedOut func()) func() {
		return r.Watch(ctx, auth.IdentityFromContext(ctx), func(st session.State) {
			if st.SignedOut() {
				signedOut()
			}
		})
	}
}
