package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vibenotes/backend/config"
	"vibenotes/backend/internal/auth"
	"vibenotes/backend/internal/cache"
	"vibenotes/backend/internal/collab"
	"vibenotes/backend/internal/httpapi/handlers"
	"vibenotes/backend/internal/httpapi/middleware"
	"vibenotes/backend/internal/logging"
	"vibenotes/backend/internal/store"
	"vibenotes/backend/internal/ws"
)

func main() {
	cfg, err := config.LoadCollab()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := logging.New("collab", cfg.Running.Debug)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("collab server exited", zap.Error(err))
	}
}

func run(cfg *config.CollabConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === MySQL：笔记走 gorm，权限查询走 database/sql ===
	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	notes := store.NewNoteStore(db)
	if err := notes.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sqlDB, err := store.OpenSQL(cfg.Mysql.DSN)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	defer sqlDB.Close()
	access := store.NewAccessStore(sqlDB)

	// === Redis：在线成员镜像（单机或集群） ===
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	presence := cache.NewRedisPresence(rdb)

	// === Kafka：笔记变更事件 ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return fmt.Errorf("connect kafka: %w", err)
	}
	defer producer.Close()

	dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(4), logger,
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		})
	defer dispatcher.Close()

	registry := collab.NewRegistry(notes, dispatcher, collab.NewSemaphoreControl(cfg.Collab.MaxConcurrentPersist), logger,
		collab.Options{
			PersistInterval: cfg.Collab.PersistInterval,
			TeardownDelay:   cfg.Collab.TeardownDelay,
		})
	go registry.Run(ctx)

	manager := ws.NewManager(registry, access, presence, logger, ws.Options{
		PresenceTTL: cfg.Collab.PresenceTTL,
		GrantTTL:    cfg.Collab.GrantTTL,
	})
	notesHandler := handlers.NewNotesHandler(notes, access, registry, presence, logger)
	verifier := auth.NewVerifier(cfg.Auth.Secret)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "rooms": registry.Len()})
	})

	// 鉴权中间件从 Authorization 或 ?token= 提取 token，写入 userId/username
	collabGroup := r.Group("/collab", middleware.AuthMiddleware(verifier))
	collabGroup.GET("/ws", manager.WebSocketConnect)

	v1 := r.Group("/v1", middleware.AuthMiddleware(verifier))
	notesHandler.Register(v1)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("collab server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	// 退出顺序：停止接入 -> 断开连接 -> 所有打开的文档落库 -> 事件队列排空（defer）
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	manager.CloseAll()
	registry.Close(shutdownCtx)
	return nil
}
