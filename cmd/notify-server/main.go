package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/traineehub/notify/internal/config"
	"github.com/traineehub/notify/internal/domain/contacts"
	"github.com/traineehub/notify/internal/domain/dispatch"
	"github.com/traineehub/notify/internal/domain/history"
	"github.com/traineehub/notify/internal/domain/inapp"
	"github.com/traineehub/notify/internal/domain/ingest"
	"github.com/traineehub/notify/internal/domain/recipient"
	"github.com/traineehub/notify/internal/domain/rules"
	"github.com/traineehub/notify/internal/domain/scheduler"
	"github.com/traineehub/notify/internal/platform/broadcast"
	"github.com/traineehub/notify/internal/platform/db"
	"github.com/traineehub/notify/internal/platform/events"
	"github.com/traineehub/notify/internal/platform/middleware"
	"github.com/traineehub/notify/internal/platform/template"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notify-server",
		Short: "Trainee notification service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the notification service",
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

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
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

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

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

	// Message bus. The service degrades without it: the admin API and the
	// scheduler keep working, but ingest and broadcast are disabled.
	var conn *amqp.Connection
	if cfg.AmqpURL != "" {
		conn, err = amqp.Dial(cfg.AmqpURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message bus")
		}
		defer conn.Close()
		logger.Info().Msg("connected to message bus")
	} else {
		logger.Warn().Msg("AMQP_URL not set; event ingest and broadcast disabled")
	}

	publisher, err := broadcast.New(conn, cfg.BroadcastTopic, cfg.BroadcastEventAttribute, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open broadcast channel")
	}

	subject := func(h *history.History) string {
		return template.Subject(h.Template.Name, h.Template.Variables)
	}
	histSvc := history.NewService(history.NewRepoPG(pool), publisher, subject, logger)

	profileClient := recipient.NewHTTPProfileClient(cfg.ProfileServiceURL, cfg.SPITimeout())
	identityClient := recipient.NewHTTPIdentityClient(cfg.IdentityServiceURL, cfg.SPITimeout())
	eligibilityClient := recipient.NewHTTPEligibilityClient(cfg.EligibilityServiceURL, cfg.SPITimeout())
	resolver := recipient.NewResolver(profileClient, identityClient, logger)

	directory := contacts.NewHTTPDirectory(cfg.ReferenceServiceURL, cfg.SPITimeout(), logger)

	engine := rules.NewEngine(rules.Config{
		Location:               cfg.Location,
		IncludedSubtypes:       cfg.IncludedCurriculumSubtypes,
		ExcludedSpecialties:    cfg.ExcludedSpecialties,
		DeferralMoreThanDays:   cfg.DeferralMoreThanDays,
		PogCutoffWeeks:         cfg.PogCutoffWeeks,
		Pog12MonthCutoffMonths: cfg.Pog12MonthCutoffMonths,
	})

	versions := make(map[string]template.Versions, len(cfg.TemplateVersions))
	for name, v := range cfg.TemplateVersions {
		versions[name] = template.Versions{Email: v.Email, InApp: v.InApp}
	}
	registry := template.NewRegistry(versions)
	renderer := template.BuiltinRenderer{}

	sender := dispatch.NewHTTPSender(cfg.TransportServiceURL, cfg.SPITimeout())
	worker := dispatch.NewWorker(histSvc, resolver, eligibilityClient, directory, registry, renderer, sender, dispatch.Options{
		WhitelistedIDs: cfg.WhitelistedPersonIDs,
		DummyRoles:     cfg.DummyRoles,
	}, logger)

	sched := scheduler.New(
		scheduler.NewTriggerRepoPG(pool),
		scheduler.NewProcessLockRepoPG(pool),
		histSvc, pool, worker,
		scheduler.Options{
			MinDelay:     cfg.NotificationDelay(),
			PollInterval: cfg.PollInterval(),
			LockTTL:      cfg.LockTTL(),
			Concurrency:  cfg.WorkerConcurrency,
			MaxAttempts:  cfg.MaxDispatchAttempts,
		}, logger)
	worker.Bind(sched)

	notifier := inapp.NewNotifier(histSvc, logger)
	orch := ingest.NewOrchestrator(engine, sched, histSvc, notifier, resolver, eligibilityClient,
		directory, ingest.RecipientOffices{Resolver: resolver}, registry, renderer, sender,
		ingest.Options{
			WhitelistedIDs: cfg.WhitelistedPersonIDs,
			DummyRoles:     cfg.DummyRoles,
			DayOfJitter:    cfg.DayOfJitter(),
		}, logger)

	consumer := events.NewConsumer(conn, cfg.WorkerConcurrency, logger)
	consumer.Handle(cfg.QueueProgramme, orch.ProgrammeMembershipUpdated())
	consumer.Handle(cfg.QueueProgrammeDeleted, orch.ProgrammeMembershipDeleted())
	consumer.Handle(cfg.QueuePlacement, orch.PlacementUpdated())
	consumer.Handle(cfg.QueuePlacementDeleted, orch.PlacementDeleted())
	consumer.Handle(cfg.QueuePlacementCorrection, orch.PlacementRolloutCorrection())
	consumer.Handle(cfg.QueueGmcUpdate, orch.GmcUpdated())
	consumer.Handle(cfg.QueueGmcRejected, orch.GmcRejected())
	consumer.Handle(cfg.QueueLtftUpdated, orch.LtftUpdated(false))
	consumer.Handle(cfg.QueueLtftUpdatedTpd, orch.LtftUpdated(true))
	consumer.Handle(cfg.QueueCojSigned, orch.CojSigned())
	consumer.Handle(cfg.QueueFormDeleted, orch.FormDeleted())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/ready", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1", middleware.AdminAuth(cfg.AdminJWTSecret))
	history.NewHandler(histSvc, worker).RegisterRoutes(apiV1)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		sched.Run(runCtx)
		close(schedDone)
	}()
	if err := consumer.Start(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start event consumer")
	}

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("notification service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	// Stop taking new work first, then give in-flight dispatches the grace
	// period to finish.
	consumer.Close()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduler did not drain within the grace period")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("stopped")
	return nil
}
