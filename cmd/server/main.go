package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/handler"
	"github.com/pesio-ai/be-pm-approvals/internal/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/config"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/database"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-pm-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
	"github.com/pesio-ai/be-pm-approvals/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("db_driver", cfg.Database.Driver).
		Msg("Starting Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(cfg.Service.Name, cfg.Service.Version, cfg.Tracing.Output)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	deps := service.Deps{
		Metrics:           metrics.New(prometheus.DefaultRegisterer),
		Log:               log.Component("approval_service"),
		DefaultEscalation: time.Duration(cfg.Approval.DefaultEscalationHours) * time.Hour,
	}

	// Storage
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.DSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		hierarchyRepo := repository.NewHierarchyRepository(db)
		deps.Tasks = repository.NewTaskRepository(db)
		deps.Directory = repository.NewUserRepository(db)
		deps.Audit = repository.NewApprovalAuditRepository(db)
		deps.Hierarchies = hierarchyRepo

		if cfg.Approval.RulesFile == "" {
			hierarchies, err := hierarchyRepo.List(ctx)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to load approval hierarchies")
			}
			deps.Catalog = workflow.NewCatalog(hierarchies...)
		}
	default:
		fixtures := &repository.Fixtures{}
		if cfg.Database.FixturesFile != "" {
			fixtures, err = repository.LoadFixtures(cfg.Database.FixturesFile)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to load fixtures")
			}
		}
		deps.Tasks = repository.NewMemoryTaskStore(fixtures.Tasks...)
		deps.Directory = repository.NewMemoryDirectory(fixtures.Users...)
		deps.Audit = repository.NewMemoryAuditLog()
		log.Warn().
			Str("fixtures", cfg.Database.FixturesFile).
			Int("users", len(fixtures.Users)).
			Int("tasks", len(fixtures.Tasks)).
			Msg("Using in-memory storage; state is lost on restart")
	}

	if cfg.Approval.RulesFile != "" {
		catalog, err := workflow.LoadCatalogFile(cfg.Approval.RulesFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load approval rules")
		}
		deps.Catalog = catalog
	}
	if deps.Catalog == nil {
		deps.Catalog = workflow.NewCatalog()
	}
	if active := deps.Catalog.Active(); active != nil {
		log.Info().Str("hierarchy", active.ID).Int("rules", len(active.Rules)).Msg("Approval hierarchy active")
	} else {
		log.Warn().Msg("No active approval hierarchy; tasks will not require approval")
	}

	// Vote signatures
	secret := cfg.Approval.SigningSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Msg("APPROVAL_SIGNING_SECRET not set; using an ephemeral signing key")
	}
	signer, err := workflow.NewHMACSigner([]byte(secret), cfg.Service.Name)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create vote signer")
	}
	deps.Machine = workflow.NewMachine(signer, cfg.Approval.StrictSequence)

	// Per-task locking
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		deps.Locker = client.NewRedisLocker(rdb, cfg.Redis.LockTTL, log.Logger)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis task locks")
	}

	// Notifications
	if cfg.NATS.Enabled {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		deps.Notifier = client.NewNotificationPublisher(nc, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("Publishing notifications to NATS")
	} else {
		deps.Notifier = client.NewLogNotifier(log.Logger)
	}

	approvalService := service.NewApprovalService(deps)
	defer approvalService.Close()

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpHandler.Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryRecovery(log.Logger),
		handler.UnaryLogging(log.Logger),
	))
	handler.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(approvalService, log.Logger))
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server stopped")
}
