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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medscribe/medscribe/internal/config"
	"github.com/medscribe/medscribe/internal/domain/encounter"
	"github.com/medscribe/medscribe/internal/domain/identity"
	"github.com/medscribe/medscribe/internal/domain/scribe"
	"github.com/medscribe/medscribe/internal/persistence"
	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/db"
	"github.com/medscribe/medscribe/internal/platform/groq"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/middleware"
	"github.com/medscribe/medscribe/internal/platform/telemetry"
	"github.com/medscribe/medscribe/internal/platform/websocket"
)

const (
	shutdownTimeout  = 10 * time.Second
	defaultBodyLimit = "1M"
	uploadBodyLimit  = "25M"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medscribe-server",
		Short: "MedScribe clinical documentation server",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServer,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	migrateUpCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp,
	}

	migrateStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE:  runMigrateStatus,
	}

	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit ledger commands",
	}

	auditRecentCmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the most recent audit entries",
		RunE:  runAuditRecent,
	}
	auditRecentCmd.Flags().Int("limit", 20, "number of entries to print")
	auditCmd.AddCommand(auditRecentCmd)

	userCmd := &cobra.Command{
		Use:   "user",
		Short: "User administration commands",
	}

	setRoleCmd := &cobra.Command{
		Use:   "set-role",
		Short: "Change the role of a user",
		RunE:  runSetRole,
	}
	setRoleCmd.Flags().String("email", "", "user email")
	setRoleCmd.Flags().String("role", "", "physician, scribe or admin")
	_ = setRoleCmd.MarkFlagRequired("email")
	_ = setRoleCmd.MarkFlagRequired("role")
	userCmd.AddCommand(setRoleCmd)

	rootCmd.AddCommand(serveCmd, migrateCmd, auditCmd, userCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func probeConfig(cfg *config.Config) db.ProbeConfig {
	return db.ProbeConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Timeout:  cfg.DBProbeTimeout,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	gw := persistence.Open(ctx, probeConfig(cfg), logger)
	defer gw.Close()

	metrics := telemetry.New()
	metrics.SetPersistenceAvailable(gw.Mode() == db.ModeAvailable)

	ledger := hipaa.NewLedger(gw.AuditStore(), hipaa.NewRingBuffer(cfg.AuditBuffer), logger,
		hipaa.WithSpillCounter(metrics.AuditSpilled))

	envelope, err := hipaa.NewEncryptionService(cfg.EncryptionKey, cfg.IsProduction(), logger)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}

	issuer := auth.NewIssuer(cfg.JWTSecret)

	llm := groq.New(groq.Config{
		APIKey:   cfg.GroqAPIKey,
		BaseURL:  cfg.GroqBaseURL,
		Model:    cfg.GroqModel,
		STTModel: cfg.GroqSTTModel,
		Timeout:  cfg.GroqTimeout,
	}, logger)
	if cfg.GroqAPIKey == "" {
		logger.Warn().Msg("GROQ_API_KEY not set, generation and transcription will fail")
	}

	identitySvc := identity.NewService(gw.Users(), issuer, ledger, cfg.TokenTTL())
	encounterSvc := encounter.NewService(gw.Encounters(), envelope, ledger)
	scribeSvc := scribe.NewService(llm, llm, encounterSvc, ledger, cfg.GroqModel)

	hub := websocket.NewHub()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
		AllowCredentials: true,
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(defaultBodyLimit, uploadBodyLimit))
	e.Use(metrics.Middleware())

	e.GET("/health", healthHandler(gw.Mode(), cfg))
	e.GET("/health/db", db.HealthHandler(gw.Pool(), gw.Mode()))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api")
	protected := e.Group("/api", auth.BearerMiddleware(issuer))

	loginLimit := middleware.DefaultRateLimitConfig()
	loginLimit.RequestsPerSecond = cfg.LoginRateRPS
	loginLimit.BurstSize = cfg.LoginRateBurst

	identity.NewHandler(identitySvc).RegisterRoutes(api, protected, middleware.RateLimit(loginLimit))
	encounter.NewHandler(encounterSvc).RegisterRoutes(protected)
	scribe.NewHandler(scribeSvc).RegisterRoutes(protected)
	hipaa.RegisterAuditRoutes(protected, ledger)

	ws := e.Group("/ws", auth.BearerMiddleware(issuer))
	websocket.NewStreamHandler(hub, llm, ledger, metrics, cfg.AllowedOrigins, logger).RegisterRoutes(ws)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("persistence", gw.Mode().String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if n := hub.Shutdown(); n > 0 {
		logger.Info().Int("streams", n).Msg("cancelled active note streams")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// healthHandler reports liveness and the persistence mode chosen at startup.
func healthHandler(mode db.Mode, cfg *config.Config) echo.HandlerFunc {
	database := "stateless"
	if mode == db.ModeAvailable {
		database = "connected"
	}
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"timestamp":    time.Now().UTC(),
			"database":     database,
			"model":        cfg.GroqModel,
			"stt_provider": cfg.STTProvider,
		})
	}
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	n, err := db.NewMigrator(pool, nil).Up(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("applied %d migration(s)\n", n)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	statuses, err := db.NewMigrator(pool, nil).Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
	return nil
}

func runAuditRecent(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	gw := persistence.Open(ctx, probeConfig(cfg), logger)
	defer gw.Close()
	if gw.Mode() != db.ModeAvailable {
		return fmt.Errorf("database unavailable, no durable audit entries to read")
	}

	ledger := hipaa.NewLedger(gw.AuditStore(), hipaa.NewRingBuffer(1), logger)
	fmt.Printf("%-25s %-28s %-36s %-12s %s\n", "TIMESTAMP", "ACTION", "USER", "RESOURCE", "DETAILS")
	for _, e := range ledger.Recent(ctx, limit) {
		fmt.Printf("%-25s %-28s %-36s %-12s %s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, e.UserID, e.ResourceType, e.Details)
	}
	return nil
}

func runSetRole(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	role, _ := cmd.Flags().GetString("role")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	gw := persistence.Open(ctx, probeConfig(cfg), logger)
	defer gw.Close()
	if gw.Mode() != db.ModeAvailable {
		return fmt.Errorf("database unavailable, role changes would not persist")
	}

	ledger := hipaa.NewLedger(gw.AuditStore(), hipaa.NewRingBuffer(1), logger)
	svc := identity.NewService(gw.Users(), auth.NewIssuer(cfg.JWTSecret), ledger, cfg.TokenTTL())
	u, err := svc.SetRoleByEmail(ctx, "cli", email, role)
	if err != nil {
		return err
	}
	fmt.Printf("%s is now %s\n", u.Email, u.Role)
	return nil
}
