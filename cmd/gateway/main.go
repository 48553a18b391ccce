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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/config"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/events"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/fanout"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/handler"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/hub"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/risk"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/jwt"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/pubsub"
)

const serviceName = "realtime-gateway"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := log.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Init(log.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})
	l := log.L()

	if cfg.WatchLogLevel(func(level string) {
		log.SetLevel(level)
		l.Info().Str("level", level).Msg("log level reloaded")
	}) {
		l.Info().Msg("watching config file for log level changes")
	}

	if cfg.JWT.Secret == "" {
		l.Fatal().Msg("jwt.secret (JWT_SECRET) is required")
	}
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Redis is shared by the pub/sub bus and the stream broker.
	var rdb redis.UniversalClient
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = pubsub.NewRedisClient(cfg.PubSubBus().Redis)
		if err != nil {
			l.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		rdb = redisClient
		l.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	bus, err := pubsub.NewPubSub(cfg.PubSubBus(), redisClient)
	if err != nil {
		l.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to initialize pubsub")
	}
	defer bus.Close()

	broker, err := events.NewBroker(events.BrokerConfig{
		Driver: cfg.Events.Driver,
		Kafka: events.KafkaConfig{
			Brokers:      cfg.Events.Kafka.Brokers,
			Partitions:   cfg.Events.Kafka.Partitions,
			EnsureTopics: cfg.Events.Kafka.EnsureTopics,
		},
		Redis: events.RedisStreamConfig{MaxLen: cfg.Events.Stream.MaxLen},
	}, rdb)
	if err != nil {
		l.Fatal().Err(err).Str("driver", cfg.Events.Driver).Msg("failed to initialize event broker")
	}
	publisher := events.NewPublisher(broker, events.Config{
		Environment: cfg.Environment,
		Source:      cfg.Events.Source,
		Version:     cfg.Events.Version,
		SubjectKeys: cfg.Events.SubjectKeys,
		Retry: events.RetryConfig{
			InitialInterval: cfg.Events.Retry.InitialInterval,
			MaxInterval:     cfg.Events.Retry.MaxInterval,
			MaxTries:        cfg.Events.Retry.MaxTries,
			AttemptTimeout:  cfg.Events.Retry.AttemptTimeout,
		},
	})
	l.Info().Str("driver", cfg.Events.Driver).Msg("event publisher ready")

	var gate *risk.Gate
	if cfg.Risk.Enabled {
		gate = risk.NewGate(risk.NewClient(risk.ClientConfig{
			BaseURL:        cfg.Risk.BaseURL,
			ConnectTimeout: cfg.Risk.ConnectTimeout,
			Timeout:        cfg.Risk.Timeout,
		}))
		l.Info().Str("base_url", cfg.Risk.BaseURL).Dur("timeout", cfg.Risk.Timeout).Msg("risk gate enabled")
	}

	auth := middleware.NewAuthMiddleware(jwt.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer))

	// Initialize Hub
	wsCfg := hub.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
	}
	wsHub := hub.NewHub(wsCfg)
	wsHandler := handler.NewWSHandler(wsHub, auth, wsCfg, cfg.WebSocket.Namespaces)

	origin, err := os.Hostname()
	if err != nil {
		origin = uuid.NewString()
	}
	subscriber := fanout.NewSubscriber(bus, wsHub)
	apiHandler := handler.NewHandler(fanout.NewPublisher(bus, origin), publisher, gate, auth)

	router := gin.New()
	router.Use(gin.Recovery(), log.GinMiddleware(l))
	apiHandler.RegisterRoutes(router)

	// Setup HTTP server
	mux := http.NewServeMux()
	mux.Handle(handler.RealtimePrefix, log.HTTPMiddleware(l)(http.HandlerFunc(wsHandler.HandleWebSocket)))
	mux.Handle("/", router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		subscriber.Run(gctx)
		return nil
	})
	g.Go(func() error {
		l.Info().Str("addr", server.Addr).Strs("namespaces", cfg.WebSocket.Namespaces).Msg("realtime gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down realtime gateway")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("server forced to shutdown")
		}
		if err := publisher.Drain(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("in-flight events abandoned")
		}
		return publisher.Close()
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("realtime gateway stopped with error")
		os.Exit(1)
	}
	l.Info().Msg("realtime gateway stopped")
}
