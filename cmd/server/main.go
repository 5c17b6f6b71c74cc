package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-wm-workflow/internal/client"
	"github.com/pesio-ai/be-wm-workflow/internal/config"
	"github.com/pesio-ai/be-wm-workflow/internal/database"
	"github.com/pesio-ai/be-wm-workflow/internal/handler"
	"github.com/pesio-ai/be-wm-workflow/internal/logger"
	"github.com/pesio-ai/be-wm-workflow/internal/middleware"
	"github.com/pesio-ai/be-wm-workflow/internal/natsclient"
	"github.com/pesio-ai/be-wm-workflow/internal/repository"
	"github.com/pesio-ai/be-wm-workflow/internal/service"
	"github.com/pesio-ai/be-wm-workflow/internal/sla"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting WM Workflow Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Load SLA policies, with optional overrides from file
	policies := sla.DefaultPolicies()
	if cfg.Clients.PolicyFile != "" {
		policies, err = sla.LoadPolicyFile(cfg.Clients.PolicyFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.Clients.PolicyFile).Msg("Failed to load SLA policy file")
		}
		log.Info().Str("file", cfg.Clients.PolicyFile).Msg("SLA policy overrides loaded")
	}

	// NATS is optional; unset URL disables notification publishing
	var natsConn *natsclient.Client
	if cfg.NATS.URL != "" {
		natsConn, err = natsclient.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsConn.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notification events disabled")
	}
	notifier := client.NewNotificationPublisher(natsConn, log.Logger)

	// External collaborators; unconfigured capabilities degrade per service
	identityClient := client.NewIdentityClient(cfg.Clients.IdentityURL)
	documentRegistry := client.NewDocumentRegistryClient(cfg.Clients.DocumentRegistryURL)
	ledgerClient := client.NewGeneralLedgerClient(cfg.Clients.GeneralLedgerURL)

	if !identityClient.Available() {
		log.Warn().Msg("IDENTITY_SERVICE_URL not set; approval decisions will be rejected")
	}
	if !documentRegistry.Available() {
		log.Warn().Msg("DOCUMENT_REGISTRY_URL not set; document gates fail closed")
	}
	if !ledgerClient.Available() {
		log.Warn().Msg("GENERAL_LEDGER_URL not set; impact posting unavailable")
	}

	// Initialize repositories
	entityRepo := repository.NewEntityRepository(db)
	checklistRepo := repository.NewChecklistRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	impactRepo := repository.NewImpactRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize services
	checklistService := service.NewChecklistService(entityRepo, checklistRepo, auditRepo, log)
	approvalService := service.NewApprovalService(approvalRepo, entityRepo, identityClient, auditRepo, notifier, log)
	transitionService := service.NewTransitionService(
		entityRepo, checklistService, approvalService, approvalRepo,
		documentRegistry, auditRepo, notifier, policies, log)
	ledgerService := service.NewLedgerService(impactRepo, entityRepo, ledgerClient, auditRepo, notifier, log)
	sweepService := service.NewSweepService(approvalRepo, entityRepo, approvalService, policies, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(
		transitionService, checklistService, approvalService, ledgerService,
		auditRepo, policies, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", httpHandler.Health)

	mux.HandleFunc("/api/v1/workflow/entities", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListEntities(w, r)
		case http.MethodPost:
			httpHandler.InitiateWorkflow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/workflow/entities/get", httpHandler.GetEntity)
	mux.HandleFunc("/api/v1/workflow/entities/advance", httpHandler.AdvanceStage)
	mux.HandleFunc("/api/v1/workflow/entities/cancel", httpHandler.CancelEntity)
	mux.HandleFunc("/api/v1/workflow/entities/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("/api/v1/workflow/checklist/status", httpHandler.SetChecklistItemStatus)
	mux.HandleFunc("/api/v1/workflow/checklist/completion", httpHandler.GetChecklistCompletion)
	mux.HandleFunc("/api/v1/workflow/approvals", httpHandler.RequestApproval)
	mux.HandleFunc("/api/v1/workflow/approvals/decide", httpHandler.DecideApproval)
	mux.HandleFunc("/api/v1/workflow/approvals/pending", httpHandler.ListPendingApprovals)
	mux.HandleFunc("/api/v1/workflow/impacts/stage", httpHandler.StageImpact)
	mux.HandleFunc("/api/v1/workflow/impacts/post", httpHandler.PostImpactLine)
	mux.HandleFunc("/api/v1/workflow/impacts/reverse", httpHandler.ReverseImpactLine)
	mux.HandleFunc("/api/v1/workflow/sla", httpHandler.GetSlaStatus)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if cfg.Sweep.Enabled {
		group.Go(func() error {
			if err := sweepService.Loop(groupCtx, cfg.Sweep.Interval); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	} else {
		log.Warn().Msg("SLA sweep disabled by configuration")
	}

	group.Go(func() error {
		<-groupCtx.Done()

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("Service exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
