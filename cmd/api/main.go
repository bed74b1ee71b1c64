package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach-platform/internal/agent"
	"outreach-platform/internal/audit"
	"outreach-platform/internal/auth"
	"outreach-platform/internal/calls"
	"outreach-platform/internal/campaigns"
	"outreach-platform/internal/config"
	"outreach-platform/internal/dispatch"
	"outreach-platform/internal/events"
	"outreach-platform/internal/httpapi"
	"outreach-platform/internal/llm"
	"outreach-platform/internal/modelruntime"
	"outreach-platform/internal/patients"
	"outreach-platform/internal/postcall"
	"outreach-platform/internal/reporting"
	"outreach-platform/internal/ring"
	"outreach-platform/internal/session"
	"outreach-platform/internal/speech"
	"outreach-platform/internal/store"
	"outreach-platform/pkg/logger"
	"outreach-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(rootCtx, db); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Persistence
	patientRepo := patients.NewPostgresRepo(db)
	campaignRepo := campaigns.NewPostgresRepo(db)
	callRepo := calls.NewPostgresRepo(db)
	eventStore := events.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	// Event bus resolves the organization from the call row when a
	// payload omits it.
	bus := events.NewBus(events.NewRedisTransport(rdb), eventStore, func(ctx context.Context, callID string) (string, error) {
		c, err := callRepo.Get(ctx, callID)
		if err != nil {
			return "", err
		}
		return c.OrganizationID, nil
	}, log)

	// Model runtime
	llmClient := llm.NewClient(llm.ClientConfig{BaseURL: cfg.Models.OllamaURL}, log)
	if err := llmClient.CheckAvailability(rootCtx); err != nil {
		log.Warn("model runtime unreachable at startup", "url", cfg.Models.OllamaURL, "err", err)
	}
	runtime := modelruntime.NewManager(llmClient, modelruntime.Config{
		RealtimeModel: cfg.Models.RealtimeModel,
		AnalysisModel: cfg.Models.AnalysisModel,
		DrainTimeout:  cfg.Models.DrainTimeout,
	}, log)
	defer runtime.Close()

	// Speech
	transcriber := speech.NewWhisperClient(speech.WhisperConfig{BaseURL: cfg.Speech.WhisperURL}, log)
	var synth speech.Synthesizer
	if cfg.Speech.TTSProvider == "polly" {
		synth = speech.NewPollyClient(speech.PollyConfig{Region: cfg.Speech.PollyRegion, VoiceID: cfg.Speech.PollyVoice})
	} else {
		synth = speech.NewCoquiClient(speech.CoquiConfig{BaseURL: cfg.Speech.TTSURL}, log)
	}

	// Call orchestration
	machine := calls.NewStateMachine(callRepo, log)
	campaignSvc := campaigns.NewService(campaignRepo, patientRepo, log)
	engine := agent.NewEngine(agent.Config{MaxTurns: cfg.Call.MaxTurns}, llmClient, llmClient, cfg.Models.RealtimeModel, patientRepo, campaignRepo, log)

	postcallPipe := postcall.NewPipeline(postcall.Config{AnalysisModel: cfg.Models.AnalysisModel},
		runtime, llmClient, callRepo, machine, patientRepo, campaignRepo, campaignSvc, bus, log)

	ringSched := ring.NewScheduler(ring.Config{Window: cfg.Call.RingWindow}, bus, callRepo, patientRepo, campaignSvc, engine, synth, log)

	registry := session.NewRegistry()
	ringSched.SetNotifier(registry)

	wsHandler := session.NewHandler(session.Deps{
		Machine:      machine,
		Calls:        callRepo,
		Patients:     patientRepo,
		CampaignRepo: campaignRepo,
		Campaigns:    campaignSvc,
		Engine:       engine,
		Runtime:      runtime,
		Transcriber:  transcriber,
		Synth:        synth,
		Ring:         ringSched,
		Registry:     registry,
		Bus:          bus,
		PostCall:     postcallPipe,
		Log:          log,
	}, session.Config{
		SilenceFlush:    cfg.Call.SilenceFlush,
		SpeechGuard:     cfg.Call.SpeechGuard,
		MaxCallDuration: cfg.Call.MaxCallDuration,
	})

	// Dispatch
	queue := dispatch.NewRedisQueue(rdb)
	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{}, queue, patientRepo, campaignSvc, bus, log)
	simulator := dispatch.NewSimulator(machine, callRepo, patientRepo, campaignRepo, campaignSvc, engine, runtime, postcallPipe, bus, queue, log)
	worker := dispatch.NewWorker(dispatch.WorkerConfig{}, queue, ringSched, simulator, log)

	go func() {
		if err := bus.Listen(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event bus listener stopped", "err", err)
		}
	}()
	go worker.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:       authManager,
		Patients:   patientRepo,
		Campaigns:  campaignRepo,
		Calls:      callRepo,
		Events:     eventStore,
		Runtime:    runtime,
		Dispatcher: dispatcher,
		Reports:    reporting.NewService(reporting.NewPostgresRepo(db)),
		Audit:      auditSvc,
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), wsHandler)

	// Readiness checks the backing stores, not just process liveness.
	r.GET("/readyz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
