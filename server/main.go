package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mihir-joshi/trueframe/server/cache"
	"github.com/mihir-joshi/trueframe/server/config"
	"github.com/mihir-joshi/trueframe/server/detector"
	"github.com/mihir-joshi/trueframe/server/engine"
	"github.com/mihir-joshi/trueframe/server/handlers"
	"github.com/mihir-joshi/trueframe/server/middleware"
	"github.com/mihir-joshi/trueframe/server/models"
	"github.com/mihir-joshi/trueframe/server/preprocess"
	"github.com/mihir-joshi/trueframe/server/voter"
)

// Server owns every long-lived component and their shutdown order.
type Server struct {
	config      *config.Config
	logger      *zap.Logger
	engine      *engine.Engine
	adapters    []*detector.HTTPAdapter
	rateLimiter *middleware.RateLimiter
	httpServer  *http.Server
}

func main() {
	cfg := config.LoadConfig()

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}

	if err := server.Run(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Logging.Format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		sink = zapcore.AddSync(os.Stdout)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Logging.Output,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

// NewServer wires the full pipeline: cache, preprocessor, ensemble
// adapters, voter, engine, middleware and routes.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	verdictCache := cache.NewMemoryCache(cfg.Cache.MaxEntries, cfg.Cache.TTL, logger)

	pre := buildPreprocessor(cfg, logger)
	adapters, httpAdapters := buildEnsemble(cfg, logger)

	v := voter.New(
		voter.WithFakeThreshold(cfg.Voting.FakeThreshold),
		voter.WithRealBoost(cfg.Voting.RealBoost),
		voter.WithConversionInfo(cfg.Voting.ShowConversionInfo),
	)

	eng := engine.New(pre, adapters, v, verdictCache, engine.Config{
		FrameTimeout:  cfg.Ensemble.FrameTimeout,
		PoolQueueSize: cfg.Ensemble.PoolQueueSize,
		PoolWorkers:   cfg.Ensemble.PoolWorkers,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, logger)
	auth := middleware.NewTokenAuth(cfg.Security.AuthToken, logger)

	wsHandler := handlers.NewWebSocketHandler(eng, auth,
		cfg.Window.Seconds, cfg.Window.MaxBuffered, cfg.Security.MaxFrameSize, logger)
	streamHandler := handlers.NewStreamHandler(eng, cfg.Window.Seconds, cfg.Window.MaxBuffered, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))
	router.Use(rateLimiter.RateLimit())

	router.GET("/health", middleware.HealthCheck())
	router.GET("/ws", wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(auth.RequireToken())
	{
		api.POST("/analyze-frame", streamHandler.ProcessFrame)
		api.POST("/batch", streamHandler.CreateBatch)
		api.GET("/batch/:job_id", streamHandler.GetBatchStatus)
		api.GET("/stats", streamHandler.GetStats)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		config:      cfg,
		logger:      logger,
		engine:      eng,
		adapters:    httpAdapters,
		rateLimiter: rateLimiter,
		httpServer:  httpServer,
	}, nil
}

func buildPreprocessor(cfg *config.Config, logger *zap.Logger) preprocess.Preprocessor {
	if cfg.Ensemble.PreprocessorURL == "" {
		logger.Warn("no preprocessor configured, every frame will be treated as a centered face")
		return &preprocess.StubPreprocessor{BBox: models.BBox{X: 0, Y: 0, Width: 1, Height: 1}}
	}
	return preprocess.NewHTTPPreprocessor(cfg.Ensemble.PreprocessorURL, cfg.Ensemble.PredictTimeout, logger)
}

// buildEnsemble turns the configured model endpoints into adapters. With no
// endpoints configured the server runs a demo ensemble of static classifiers
// so the full pipeline stays exercisable without model servers.
func buildEnsemble(cfg *config.Config, logger *zap.Logger) ([]detector.Adapter, []*detector.HTTPAdapter) {
	if len(cfg.Ensemble.ModelEndpoints) == 0 {
		logger.Warn("no model endpoints configured, running demo ensemble")
		return []detector.Adapter{
			&detector.StaticAdapter{ModelName: "demo-xception", Label: models.LabelReal, Confidence: 0.62},
			&detector.StaticAdapter{ModelName: "demo-ucf", Label: models.LabelReal, Confidence: 0.58},
			&detector.StaticAdapter{ModelName: "demo-npr", Label: models.LabelFake, Confidence: 0.55},
		}, nil
	}

	clientCfg := detector.ClientConfig{
		Timeout:             cfg.Ensemble.PredictTimeout,
		MaxRetries:          cfg.Ensemble.MaxRetries,
		RetryDelay:          cfg.Ensemble.RetryDelay,
		HealthCheckInterval: cfg.Ensemble.HealthCheckInterval,
	}

	adapters := make([]detector.Adapter, 0, len(cfg.Ensemble.ModelEndpoints))
	httpAdapters := make([]*detector.HTTPAdapter, 0, len(cfg.Ensemble.ModelEndpoints))
	for name, url := range cfg.Ensemble.ModelEndpoints {
		a := detector.NewHTTPAdapter(name, url, clientCfg, logger)
		adapters = append(adapters, a)
		httpAdapters = append(httpAdapters, a)
	}
	return adapters, httpAdapters
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM, then shuts
// down in dependency order.
func (s *Server) Run() error {
	go func() {
		s.logger.Info("server starting",
			zap.String("addr", s.httpServer.Addr),
			zap.String("environment", s.config.Server.Environment),
			zap.Int("ensemble_size", len(s.config.Ensemble.ModelEndpoints)))

		var err error
		if s.config.Security.EnableHTTPS {
			err = s.httpServer.ListenAndServeTLS(s.config.Security.CertFile, s.config.Security.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown error", zap.Error(err))
	}

	for _, a := range s.adapters {
		a.Close()
	}

	if err := s.engine.Shutdown(); err != nil {
		s.logger.Error("engine shutdown error", zap.Error(err))
	}

	s.rateLimiter.Shutdown()

	s.logger.Info("server stopped")
	return nil
}
