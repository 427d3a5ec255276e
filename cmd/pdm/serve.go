package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bitfantasy/nimo-pdm/internal/blob"
	"github.com/bitfantasy/nimo-pdm/internal/cache"
	"github.com/bitfantasy/nimo-pdm/internal/config"
	"github.com/bitfantasy/nimo-pdm/internal/events"
	"github.com/bitfantasy/nimo-pdm/internal/fanout"
	"github.com/bitfantasy/nimo-pdm/internal/handler"
	"github.com/bitfantasy/nimo-pdm/internal/middleware"
	"github.com/bitfantasy/nimo-pdm/internal/projection"
	"github.com/bitfantasy/nimo-pdm/internal/repository"
	"github.com/bitfantasy/nimo-pdm/internal/resilience"
	"github.com/bitfantasy/nimo-pdm/internal/service"
	"github.com/bitfantasy/nimo-pdm/internal/shared/engine"
)

// readiness 就绪检查项
type readiness interface {
	Name() string
	Ready(ctx context.Context) error
}

func serve(cfg *config.Config, migrate bool) error {
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-pdm service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if migrate {
		if err := repository.Migrate(db); err != nil {
			zapLogger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis：层级缓存 + 跨服务事件
	var rdb *redis.Client
	var hierarchyCache cache.Cache
	if cfg.Redis.Enabled() {
		rdb = initRedis(cfg.Redis)
		hierarchyCache = cache.NewRedisCache(rdb, "pdm:")
		zapLogger.Info("Redis connected", zap.String("addr", rdb.Options().Addr))
	}

	// SSE hub；多副本时经 redis 频道中转
	hub := events.NewHub(zapLogger)
	var publisher events.Publisher = hub
	if rdb != nil {
		redisPub := events.NewRedisPublisher(rdb, cfg.Events.Channel, zapLogger)
		if cfg.Events.Relay {
			publisher = redisPub
			go events.Relay(rootCtx, rdb, cfg.Events.Channel, hub, zapLogger)
		} else {
			publisher = events.Multi{hub, redisPub}
		}
	}

	// 副本：检索 + 图
	breakerCfg := resilience.BreakerConfig{
		Threshold: cfg.Fanout.BreakerThreshold,
		Window:    cfg.Fanout.BreakerWindow,
		Cooldown:  cfg.Fanout.BreakerCooldown,
	}
	var targets []fanout.Target
	var probes []readiness
	var graph *projection.GraphTarget
	if cfg.Search.Host != "" {
		search, err := projection.NewSearchTarget(cfg.Search.Scheme, cfg.Search.Host)
		if err != nil {
			zapLogger.Warn("Search projection disabled", zap.Error(err))
		} else {
			targets = append(targets, search)
			probes = append(probes, search)
		}
	}
	if cfg.Graph.URI != "" {
		graph, err = projection.NewGraphTarget(cfg.Graph.URI, cfg.Graph.User, cfg.Graph.Password, cfg.Graph.Database)
		if err != nil {
			zapLogger.Warn("Graph projection disabled", zap.Error(err))
			graph = nil
		} else {
			targets = append(targets, graph)
			probes = append(probes, graph)
		}
	}
	writer := fanout.NewWriter(zapLogger, fanout.Config{
		Timeout:   cfg.Fanout.Timeout,
		RateLimit: cfg.Fanout.RateLimit,
		Burst:     cfg.Fanout.Burst,
		Async:     cfg.Fanout.Async,
		Workers:   cfg.Fanout.Workers,
		Breaker:   breakerCfg,
	}, targets...)
	zapLogger.Info("Fan-out targets", zap.Strings("targets", writer.Targets()), zap.Bool("async", cfg.Fanout.Async))

	// 工作流引擎
	var processEngine engine.ProcessEngine = engine.Unconfigured{}
	if cfg.Engine.BaseURL != "" {
		processEngine = engine.NewClient(engine.Config{
			BaseURL:      cfg.Engine.BaseURL,
			TokenURL:     cfg.Engine.TokenURL,
			ClientID:     cfg.Engine.ClientID,
			ClientSecret: cfg.Engine.ClientSecret,
			Timeout:      cfg.Engine.Timeout,
			Breaker:      breakerCfg,
		})
		zapLogger.Info("Workflow engine configured", zap.String("base_url", cfg.Engine.BaseURL))
	} else {
		zapLogger.Warn("Workflow engine not configured, submit-for-review will fail")
	}

	// 文件存储
	var store blob.Store
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := blob.NewMinioStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.UseSSL)
		if err != nil {
			zapLogger.Warn("MinIO disabled", zap.Error(err))
		} else if err := minioStore.EnsureBucket(rootCtx); err != nil {
			zapLogger.Warn("MinIO bucket unavailable", zap.Error(err))
		} else {
			store = minioStore
		}
	}

	services := service.NewServices(service.Deps{
		Repos:    repository.NewRepositories(db),
		Writer:   writer,
		Events:   publisher,
		Cache:    hierarchyCache,
		CacheTTL: cfg.Redis.CacheTTL,
		Blob:     store,
		Engine:   processEngine,
		Processes: service.Processes{
			Document: cfg.Engine.DocumentProcess,
			Change:   cfg.Engine.ChangeProcess,
		},
		Logger: zapLogger,
	})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		services.Task.RunOverdueSweeper(rootCtx, cfg.Tasks.OverdueInterval)
	}()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("nimo-pdm"))
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/events"})))

	registerRoutes(router, db, probes)
	handler.RegisterAPI(router, handler.NewHandlers(services, hub), cfg.JWT.Secret, cfg.Engine.CallbackToken)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // SSE 长连接
	}

	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	// 清扫协程退出后不再有新的副本写入
	select {
	case <-sweeperDone:
	case <-ctx.Done():
	}
	if err := writer.Close(ctx); err != nil {
		zapLogger.Warn("Fan-out queue not drained", zap.Error(err))
	}
	if graph != nil {
		_ = graph.Close(ctx)
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	zapLogger.Info("Server exited")
	return nil
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	level := logger.Warn
	switch cfg.LogLevel {
	case "silent":
		level = logger.Silent
	case "error":
		level = logger.Error
	case "info":
		level = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, db *gorm.DB, probes []readiness) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
			return
		}
		// 副本不可用只降级，不影响就绪
		secondaries := gin.H{}
		for _, p := range probes {
			if err := p.Ready(ctx); err != nil {
				secondaries[p.Name()] = err.Error()
			} else {
				secondaries[p.Name()] = "ok"
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "secondaries": secondaries})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 40400, "message": "Not found"})
	})
}
