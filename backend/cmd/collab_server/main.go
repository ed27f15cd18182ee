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

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"collabServer/backend/config"
	"collabServer/backend/internal/cache"
	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/engine"
	"collabServer/backend/internal/httpapi/handlers"
	"collabServer/backend/internal/httpapi/middleware"
	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/session"
	"collabServer/backend/internal/store"
	"collabServer/backend/internal/ws"
)

// docStore 持久化协作者，同时支持 HTTP 创建文档
type docStore interface {
	collab.Persistence
	handlers.DocumentCreator
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if format == "json" {
		l = zerolog.New(os.Stdout)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return l.Level(lvl).With().Timestamp().Str("service", "collab").Logger()
}

func openStore(cfg *config.Config) (docStore, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "mysql", "":
		db, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewGormStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persist, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store failed")
	}

	// Redis 在线状态镜像，可选
	var presenceCache cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Strs("addrs", cfg.Redis.Addrs).Msg("connect redis failed")
		}
		presenceCache = cache.NewRedisPresence(rdb, clock.RealClock{})
	}

	// === Kafka Producer，可选 ===
	var events *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("connect kafka failed")
		}
		defer producer.Close()

		// Kafka 本地队列 + worker 重试发送
		events = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(4),
			collab.KafkaDispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
				Logger:      logger.With().Str("component", "kafka").Logger(),
			})
	}

	writer := collab.NewPersistDispatcher(persist, collab.PersistDispatcherOptions{
		Workers:     cfg.Collab.PersistWorkers,
		QueueSize:   cfg.Collab.PersistQueue,
		BaseBackoff: cfg.Collab.PersistBaseBackoff,
		MaxBackoff:  cfg.Collab.PersistMaxBackoff,
		Logger:      logger.With().Str("component", "persist").Logger(),
	})

	docOpts := collab.Options{
		MaxLogEntries:    cfg.Collab.MaxLogEntries,
		SnapshotEvery:    cfg.Collab.SnapshotEvery,
		SnapshotInterval: cfg.Collab.SnapshotInterval,
		LoadSem:          collab.NewSemaphoreControl(cfg.Collab.MaxLoads),
		Logger:           logger.With().Str("component", "docs").Logger(),
	}
	if events != nil {
		docOpts.Events = events
	}
	docs := collab.NewInMemoryService(persist, writer, docOpts)

	sessions := session.NewManager(session.Config{Palette: cfg.Collab.Palette}, nil)
	tracker := presence.NewTracker(sessions, presence.Options{
		HeartbeatInterval: cfg.Collab.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Collab.HeartbeatTimeout,
		Cache:             presenceCache,
		Logger:            logger.With().Str("component", "presence").Logger(),
	})
	broker := engine.NewBroker(docs, sessions, tracker, engine.Options{
		IdleEviction: cfg.Collab.IdleEviction,
		TickInterval: cfg.Collab.TickInterval,
		OpTimeout:    cfg.Collab.TickOpTimeout,
		Logger:       logger.With().Str("component", "broker").Logger(),
	})

	hub := ws.NewHub()
	manager := ws.NewManager(hub, broker, ws.Options{
		SendQueue:       cfg.Collab.SendQueue,
		BestEffortQueue: cfg.Collab.BestEffortQueue,
		AllowedOrigins:  cfg.WS.AllowedOrigins,
		Sem:             collab.NewSemaphoreControl(cfg.WS.MaxInFlight),
		Logger:          logger.With().Str("component", "ws").Logger(),
	})
	documents := handlers.NewDocuments(broker, persist)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  manager.AllowOrigin,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	collabGroup := r.Group("/collab")
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "connections": hub.Len()})
	})
	authed := collabGroup.Group("", middleware.AuthMiddleware(cfg.Auth.Secret))
	authed.GET("/ws", manager.WebSocketConnect)
	authed.GET("/documents/:docID", documents.Get)
	authed.POST("/documents", documents.Create)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("collab server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := broker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	// 退出前给所有常驻文档打快照，再排空持久化和事件队列
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, id := range docs.Resident() {
		if err := docs.SaveSnapshot(drainCtx, id); err != nil {
			logger.Warn().Err(err).Str("doc", id).Msg("final snapshot failed")
		}
	}
	if err := writer.Close(drainCtx); err != nil {
		logger.Error().Err(err).Msg("persist queue not drained")
	}
	if events != nil {
		if err := events.Close(drainCtx); err != nil {
			logger.Error().Err(err).Msg("kafka queue not drained")
		}
	}
	logger.Info().Msg("collab server stopped")
}
