package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/abtik/intake/internal/analytics"
	"github.com/abtik/intake/internal/config"
	"github.com/abtik/intake/internal/domain/patient"
	"github.com/abtik/intake/internal/intake"
	"github.com/abtik/intake/internal/lookup"
	"github.com/abtik/intake/internal/platform/aiextract"
	"github.com/abtik/intake/internal/platform/auth"
	"github.com/abtik/intake/internal/platform/blobstore"
	"github.com/abtik/intake/internal/platform/db"
	"github.com/abtik/intake/internal/platform/geocode"
	"github.com/abtik/intake/internal/platform/middleware"
	"github.com/abtik/intake/internal/platform/ocr"
	"github.com/abtik/intake/internal/platform/poller"
	"github.com/abtik/intake/internal/platform/websocket"
	"github.com/abtik/intake/migrations"
)

const defaultBodyLimit = 1 << 20

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Clinic form intake API server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("env-file")
			return loadEnvFile(path)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("env-file", "", "Load environment variables from this file before reading config")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnvFile exports the variables of path into the process environment.
// Variables that are already set keep their value.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run postgres document store migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format(time.RFC3339)
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func resolveCmd() *cobra.Command {
	var name, dob, phone, email string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show which stored patient a form would be matched to, without writing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.IsDev())
			ctx := context.Background()

			st, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.close()

			patients, err := st.patients.ListAll(ctx)
			if err != nil {
				return fmt.Errorf("list patients: %w", err)
			}
			p, tier := intake.Match(dryRunExtraction(name, dob, phone, email), patients)
			return printMatch(cmd, p, tier)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Patient name as written on the form")
	cmd.Flags().StringVar(&dob, "dob", "", "Date of birth")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}

func dryRunExtraction(name, dob, phone, email string) intake.ExtractionResult {
	opt := func(s string) *string {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return &s
	}
	e := intake.ExtractionResult{
		Name:        opt(name),
		DateOfBirth: opt(dob),
		Phone:       opt(phone),
		Email:       opt(email),
	}
	e.Normalize()
	return e
}

func printMatch(cmd *cobra.Command, p *patient.Patient, tier intake.MatchTier) error {
	out := cmd.OutOrStdout()
	if p == nil {
		fmt.Fprintln(out, "no match: a new patient would be created")
		return nil
	}
	fmt.Fprintf(out, "matched by %s\n", tier)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func tokenCmd() *cobra.Command {
	var subject, roles string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := auth.IssueToken(jwtConfig(cfg), subject, splitRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "User ID the token is issued to")
	cmd.Flags().StringVar(&roles, "roles", auth.RoleClinicStaff, "Comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("sub")
	return cmd
}

func splitRoles(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

// stores is the document store selected by DOCSTORE_DRIVER.
type stores struct {
	patients patient.PatientRepository
	records  patient.VisitRecordRepository
	checks   []db.Check
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	st := &stores{}
	switch cfg.DocStoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		st.patients = patient.NewPatientRepoPG(pool)
		st.records = patient.NewVisitRecordRepoPG(pool)
		st.checks = append(st.checks, db.PoolCheck(pool))
		logger.Info().Msg("connected to postgres")

	case config.DriverMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		st.closers = append(st.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		})
		database := client.Database(cfg.MongoDatabase)
		if err := patient.EnsureMongoIndexes(ctx, database); err != nil {
			st.close()
			return nil, err
		}
		st.patients = patient.NewPatientRepoMongo(database)
		st.records = patient.NewVisitRecordRepoMongo(database)
		st.checks = append(st.checks, db.Check{
			Name: "mongo",
			Ping: func(ctx context.Context) error { return client.Ping(ctx, nil) },
		})
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")

	default:
		mem := patient.NewMemoryStore()
		st.patients = mem.Patients()
		st.records = mem.Records()
		logger.Warn().Msg("using in-memory document store; data is lost on restart")
	}
	return st, nil
}

func openBlobStore(cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.BlobStoreDriver != config.DriverS3 {
		return blobstore.NewInMemoryBlobStore(cfg.PublicBaseURL, cfg.MaxUploadBytes), nil
	}
	sess, err := blobstore.NewS3Session(cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}
	return blobstore.NewS3BlobStore(sess, blobstore.S3Config{
		Bucket:     cfg.S3Bucket,
		Prefix:     cfg.S3Prefix,
		BaseURL:    cfg.PublicBaseURL,
		MaxSize:    cfg.MaxUploadBytes,
		PresignTTL: cfg.S3PresignTTL,
	}), nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// app is a fully wired server.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	echo   *echo.Echo

	stores   *stores
	rdb      *redis.Client
	hub      *websocket.Hub
	relay    *websocket.RedisRelay
	poller   *poller.Poller
	sessions *intake.SessionStore
	orch     *intake.Orchestrator
	stops    []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.stores = st

	blobs, err := openBlobStore(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.rdb, err = openRedis(ctx, cfg.RedisURL)
	if err != nil {
		a.close()
		return nil, err
	}

	a.hub = websocket.NewHub(logger)
	var events websocket.EventPublisher = a.hub
	if a.rdb != nil {
		a.relay = websocket.NewRedisRelay(a.hub, a.rdb, "", logger)
		events = a.relay
	}

	var cache geocode.Cache = geocode.NewMemoryCache()
	if a.rdb != nil {
		cache = geocode.NewRedisCache(a.rdb)
	}
	geo := geocode.NewCachingGeocoder(
		geocode.NewNominatim(cfg.GeocoderURL, cfg.GeocodeRegion, cfg.GeocoderUserAgent, cfg.GeocodeRPS, cfg.ExternalCallTimeout),
		cache, cfg.GeocodeCacheTTL, logger,
	)

	patientSvc := patient.NewService(st.patients, st.records, blobs, logger)

	a.sessions = intake.NewSessionStore(cfg.SessionIdleTimeout)
	a.orch = intake.NewOrchestrator(intake.Deps{
		Sessions:  a.sessions,
		OCR:       ocr.NewClient(cfg.OCRURL, cfg.AIAPIKey, cfg.ExternalCallTimeout),
		Extractor: aiextract.NewClient(cfg.PromptURL, cfg.AIAPIKey, cfg.ExternalCallTimeout),
		Blobs:     blobs,
		Patients:  st.patients,
		Records:   st.records,
		Events:    events,
		Link: intake.LinkConfig{
			MaxAttempts: cfg.LinkMaxAttempts,
			RetryDelay:  cfg.LinkRetryDelay,
		},
		CallTimeout: cfg.ExternalCallTimeout,
	}, logger)

	workspace := lookup.NewManager(patientSvc, events, logger)
	workspace.SetIdleTimeout(cfg.SessionIdleTimeout)
	a.stops = append(a.stops, workspace.Watch(a.hub))

	dashboard := analytics.NewService(st.patients, st.records, geo, logger)
	a.poller = poller.New(cfg.AnalyticsRefreshInterval, logger.With().Str("component", "poller").Logger())
	a.stops = append(a.stops,
		a.poller.Subscribe("analytics", dashboard.Refresh),
		a.poller.Subscribe("intake-sessions", a.sessions.Sweep),
		a.poller.Subscribe("lookup-workspaces", workspace.Sweep),
		dashboard.Watch(a.hub, a.poller.Trigger),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(defaultBodyLimit, cfg.MaxUploadBytes))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.checks...))

	root := e.Group("")
	websocket.NewHandler(a.hub, cfg.CORSOrigins, logger).RegisterRoutes(root)

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	blobstore.NewBlobHandler(blobs).RegisterRoutes(root, apiV1)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	intake.NewHandler(a.orch).RegisterRoutes(apiV1)
	lookup.NewHandler(workspace).RegisterRoutes(apiV1)
	analytics.NewHandler(dashboard).RegisterRoutes(apiV1)

	a.echo = e
	return a, nil
}

// start launches the background workers. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	a.poller.Start(ctx)
	if a.relay != nil {
		go func() {
			if err := a.relay.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}
}

func (a *app) close() {
	for _, stop := range a.stops {
		stop()
	}
	if a.poller != nil {
		a.poller.Stop()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.stores != nil {
		a.stores.close()
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.IsDev())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise server")
		return err
	}
	defer a.close()
	a.start(ctx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("docstore", cfg.DocStoreDriver).Str("blobstore", cfg.BlobStoreDriver).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	logger.Info().Msg("server stopped")
	return nil
}
