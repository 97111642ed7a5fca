package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/athletiq/payment-gateway/internal/config"
	gateway "github.com/athletiq/payment-gateway/internal/gateways"
	"github.com/athletiq/payment-gateway/internal/handlers"
	"github.com/athletiq/payment-gateway/internal/outbox"
	"github.com/athletiq/payment-gateway/internal/repository"
	"github.com/athletiq/payment-gateway/internal/services"
	xhttp "github.com/athletiq/payment-gateway/pkg/http"
	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/athletiq/payment-gateway/pkg/pg"
	"github.com/athletiq/payment-gateway/pkg/prom"
	"github.com/athletiq/payment-gateway/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 15))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	ob, err := outbox.New(redisAdap, outbox.Config{
		Stream:            config.Get().OutboxStream,
		ConsumerGroup:     config.Get().OutboxConsumerGroup,
		ConsumerName:      config.Get().OutboxConsumerName,
		MaxRetries:        config.Get().OutboxMaxRetries,
		VisibilityTimeout: config.Get().OutboxVisibilityTimeout,
		PollInterval:      config.Get().OutboxPollInterval,
		BatchSize:         config.Get().OutboxBatchSize,
		MaxLen:            config.Get().OutboxMaxLen,
		EnableDLQ:         config.Get().OutboxEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating outbox", "error", err)
		return
	}

	darajaClient, err := gateway.NewClient(&gateway.Config{
		BaseURL:         config.Get().MpesaBaseUrl,
		ConsumerKey:     config.Get().MpesaConsumerKey,
		ConsumerSecret:  config.Get().MpesaConsumerSecret,
		ShortCode:       config.Get().MpesaShortCode,
		Passkey:         config.Get().MpesaPasskey,
		CallbackURL:     config.Get().MpesaCallbackUrl,
		Timeout:         config.Get().MpesaRequestTimeout,
		MaxConns:        512,
		ReadBufferSize:  1024 * 4,
		WriteBufferSize: 1024 * 4,
	})
	if err != nil {
		logger.Error("failed to create mpesa client", "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	userRepo := repository.NewUserRepository(db)

	// services
	paymentService := services.NewPaymentService(darajaClient, transactionRepo)
	reconciler := services.NewReconciler(transactionRepo, userRepo, redisAdap, ob)
	healthService := services.NewHealthService()

	// v1 handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService, reconciler)
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	if config.Get().AppDebugMetricsAddr != "" {
		go func() {
			prom.ListenAndServer(config.Get().AppDebugMetricsAddr, config.Get().AppDebugMetricsURI)
		}()
	}

	// Create new server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
