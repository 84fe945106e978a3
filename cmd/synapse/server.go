package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/BaSui01/synapse/agents"
	"github.com/BaSui01/synapse/api"
	"github.com/BaSui01/synapse/api/handlers"
	"github.com/BaSui01/synapse/broadcast"
	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/checkpoint"
	"github.com/BaSui01/synapse/config"
	"github.com/BaSui01/synapse/gather"
	"github.com/BaSui01/synapse/internal/auth"
	"github.com/BaSui01/synapse/internal/metrics"
	"github.com/BaSui01/synapse/internal/server"
	"github.com/BaSui01/synapse/orchestrator"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/tools"
	"github.com/BaSui01/synapse/worker"
)

// Server owns every long-running component of one synapse process: the API
// gateway, the metrics endpoint, both queue worker loops, and the
// orphaned-gathering sweep.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	redisClient *redis.Client
	db          *gorm.DB
	store       *storage.Store
	gatherings  *gather.Store
	authManager *auth.Manager

	httpManager    *server.Manager
	metricsManager *server.Manager
	registry       *prometheus.Registry

	orchWorker *broker.Worker
	execWorker *broker.Worker
	sweeper    *cron.Cron

	workerGroup *errgroup.Group

	// rootCtx bounds everything that runs for the process lifetime: the
	// worker loops and the rate limiter cleanup.
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewServer builds the full component graph from configuration. Nothing is
// started yet.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())

	s.redisClient = redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	s.store, err = storage.NewStore(db, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := s.store.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.authManager, err = auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}

	s.registry = prometheus.NewRegistry()
	collector := metrics.NewCollector("synapse", s.registry, logger)

	checkpoints := checkpoint.NewRedisStore(s.redisClient, cfg.Redis.KeyPrefix)
	s.gatherings = gather.NewStore(s.redisClient, cfg.Redis.KeyPrefix, cfg.Engine.GatherTTL, logger)
	jobBroker := broker.NewRedisBroker(s.redisClient, broker.RedisBrokerConfig{
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	publisher := broadcast.NewRedisPublisher(s.redisClient, cfg.Redis.KeyPrefix, logger)

	dispatcher := orchestrator.NewDispatcher(jobBroker, s.gatherings, logger)
	engine := orchestrator.NewEngine(
		checkpoints,
		s.gatherings,
		dispatcher,
		s.store,
		publisher,
		orchestrator.EngineConfig{TurnCeiling: cfg.Engine.TurnCeiling},
		collector,
		logger,
	)

	toolRegistry := s.buildTools()
	runner, err := s.buildRunner(toolRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent runner: %w", err)
	}
	executor := worker.NewExecutor(runner, toolRegistry, jobBroker, logger)

	workerConfig := broker.WorkerConfig{
		KeyPrefix:  cfg.Redis.KeyPrefix,
		Group:      cfg.Broker.Group,
		BatchSize:  cfg.Broker.BatchSize,
		BlockTime:  cfg.Broker.BlockTime,
		Visibility: cfg.Broker.Visibility,
	}
	s.orchWorker = broker.NewWorker(s.redisClient, broker.QueueOrchestrator, workerConfig, logger)
	engine.Register(s.orchWorker)
	s.execWorker = broker.NewWorker(s.redisClient, broker.QueueExecution, workerConfig, logger)
	executor.Register(s.execWorker)

	s.buildHTTP(jobBroker, publisher)
	s.buildMetricsServer()

	return s, nil
}

// buildTools assembles the injected tool registry. Web search is only
// registered when a key is configured so agents never see a tool that cannot
// run.
func (s *Server) buildTools() *tools.Registry {
	ts := []tools.Tool{tools.NewCurrentTime()}
	if s.cfg.Tools.SearchAPIKey != "" {
		ts = append(ts, tools.NewWebSearch(s.cfg.Tools.SearchAPIKey, s.cfg.Tools.SearchEndpoint))
	} else {
		s.logger.Info("search API key not configured, web_search disabled")
	}
	return tools.NewRegistry(ts...)
}

// buildRunner creates providers for every configured credential.
func (s *Server) buildRunner(registry *tools.Registry) (*agents.Runner, error) {
	var providers []agents.Provider
	if key := s.cfg.LLM.OpenAIAPIKey; key != "" {
		providers = append(providers, agents.NewOpenAIProvider(key))
	}
	if key := s.cfg.LLM.AnthropicAPIKey; key != "" {
		providers = append(providers, agents.NewAnthropicProvider(key))
	}
	if key := s.cfg.LLM.GeminiAPIKey; key != "" {
		gemini, err := agents.NewGeminiProvider(context.Background(), key)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		providers = append(providers, gemini)
	}
	if len(providers) == 0 {
		s.logger.Warn("no LLM credentials configured, agents will fail to respond")
	}

	rps := s.cfg.LLM.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	limiter := rate.NewLimiter(rate.Limit(rps), int(rps)+1)

	return agents.NewRunner(providers, registry, limiter, s.logger), nil
}

func (s *Server) buildHTTP(jobBroker broker.Broker, publisher *broadcast.RedisPublisher) {
	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
		return s.redisClient.Ping(ctx).Err()
	}))
	healthHandler.RegisterCheck(handlers.NewPingCheck("database", func(ctx context.Context) error {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}))

	authHandler := handlers.NewAuthHandler(s.store, s.authManager, s.logger)
	groupHandler := handlers.NewGroupHandler(s.store, s.logger)
	messageHandler := handlers.NewMessageHandler(s.store, jobBroker, s.logger)
	wsHandler := handlers.NewWSHandler(s.store, publisher, s.authManager, s.logger)

	authed := api.JWTAuth(s.authManager, nil, s.logger)
	protect := func(h http.HandlerFunc) http.Handler { return authed(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/auth/register", authHandler.HandleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.HandleLogin)

	mux.Handle("POST /api/v1/groups", protect(groupHandler.HandleCreate))
	mux.Handle("GET /api/v1/groups", protect(groupHandler.HandleList))
	mux.Handle("GET /api/v1/groups/{group_id}", protect(groupHandler.HandleGet))
	mux.Handle("POST /api/v1/groups/{group_id}/members", protect(groupHandler.HandleAddMember))
	mux.Handle("GET /api/v1/groups/{group_id}/members", protect(groupHandler.HandleListMembers))
	mux.Handle("GET /api/v1/groups/{group_id}/messages", protect(messageHandler.HandleList))
	mux.Handle("POST /api/v1/groups/{group_id}/messages", protect(messageHandler.HandleSend))

	// The websocket gateway authenticates itself: browsers cannot attach
	// headers to upgrade requests.
	mux.HandleFunc("GET /api/v1/groups/{group_id}/ws", wsHandler.HandleConnect)

	handler := api.Chain(mux,
		api.Recovery(s.logger),
		api.RequestID(),
		api.RequestLogger(s.logger),
		api.CORS(nil),
		api.RateLimiter(s.rootCtx, 20, 40),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

func (s *Server) buildMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
}

// Start launches the HTTP servers, the worker loops, and the sweep schedule.
func (s *Server) Start() error {
	if err := s.redisClient.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("redis not reachable: %w", err)
	}

	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	group, workerCtx := errgroup.WithContext(s.rootCtx)
	group.Go(func() error { return s.orchWorker.Run(workerCtx) })
	group.Go(func() error { return s.execWorker.Run(workerCtx) })
	s.workerGroup = group

	s.sweeper = cron.New()
	if _, err := s.sweeper.AddFunc(s.cfg.Engine.SweepSchedule, func() {
		swept, err := s.gatherings.SweepOrphans(context.Background(), s.cfg.Engine.GatherTTL)
		if err != nil {
			s.logger.Warn("gathering sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			s.logger.Info("swept orphaned gatherings", zap.Int("count", swept))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Engine.SweepSchedule, err)
	}
	s.sweeper.Start()

	s.logger.Info("All components started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// WaitForShutdown blocks until a termination signal, then stops everything.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown stops components in dependency order: stop accepting HTTP work,
// stop the sweeper, drain the worker loops, then close connections.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown")
	ctx := context.Background()

	if err := s.httpManager.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if s.sweeper != nil {
		<-s.sweeper.Stop().Done()
	}

	s.rootCancel()
	if s.workerGroup != nil {
		if err := s.workerGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("worker loop error", zap.Error(err))
		}
	}

	if err := s.metricsManager.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("redis close error", zap.Error(err))
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	s.logger.Info("Graceful shutdown completed")
}
