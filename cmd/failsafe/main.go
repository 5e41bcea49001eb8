package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"failsafe-dispatch/internal/api"
	"failsafe-dispatch/internal/config"
	"failsafe-dispatch/internal/failsafe"
	"failsafe-dispatch/internal/geoindex"
	"failsafe-dispatch/internal/metrics"
	"failsafe-dispatch/internal/notify"
	"failsafe-dispatch/internal/store/sqlstore"
	"failsafe-dispatch/internal/subscriber"
	"failsafe-dispatch/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf, err := config.New()
	if err != nil {
		return err
	}

	var loggerOpts slog.HandlerOptions
	if conf.Env == config.EnvDev {
		loggerOpts = slog.HandlerOptions{Level: slog.LevelDebug}
	}

	jsonHandler := slog.NewJSONHandler(os.Stdout, &loggerOpts)
	logger := slog.New(jsonHandler)

	dialect, err := sqlstore.DialectFor(conf.DatabaseDriver)
	if err != nil {
		return err
	}
	db, err := sqlstore.Open(ctx, dialect, conf.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	store := sqlstore.New(db, dialect)

	redisClient := redis.NewClient(&redis.Options{Addr: net.JoinHostPort(conf.RedisHost, conf.RedisPort)})
	defer redisClient.Close()

	geo, heartbeats := geoIndex(conf, store, redisClient)
	logger.Info("geo index selected", "backend", conf.GeoIndexBackend)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	wsManager := ws.NewManager(ctx, logger, heartbeats)
	go wsManager.Start()
	defer wsManager.Shutdown()

	gateway := notify.NewGateway(wsManager, redisClient, conf.RedisOversightChannel, logger)
	defer gateway.Close()
	svc := failsafe.NewService(store, geo, gateway, logger, m, conf.DispatchOptions())
	defer svc.Close()

	if _, err := svc.RecoverEscalations(ctx); err != nil {
		return fmt.Errorf("recovering escalations: %w", err)
	}

	sub := subscriber.NewSubscriber(logger, redisClient, conf.RedisHeartbeatChannel, heartbeats)
	go func() {
		if err := sub.Start(ctx); err != nil {
			logger.Error("subscriber stopped with error", "error", err)
		}
	}()

	server := api.NewServer(conf, svc, heartbeats, wsManager, m, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info("shutting down", "pendingEscalations", svc.PendingEscalations())
	return nil
}

func geoIndex(conf *config.Config, store *sqlstore.Store, client *redis.Client) (failsafe.GeoIndex, failsafe.HeartbeatWriter) {
	if conf.GeoIndexBackend == config.GeoBackendRedis {
		idx := geoindex.NewRedisIndex(client)
		return idx, idx
	}
	return store, store
}
