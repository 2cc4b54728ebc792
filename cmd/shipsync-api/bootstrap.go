package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petalpouches/shipsync/config"
	webhookapi "github.com/petalpouches/shipsync/internal/api/webhook_api"
	"github.com/petalpouches/shipsync/internal/broker/kafka"
	"github.com/petalpouches/shipsync/internal/cache/rediscache"
	"github.com/petalpouches/shipsync/internal/services/dispatch"
	"github.com/petalpouches/shipsync/internal/services/shipments"
	"github.com/petalpouches/shipsync/internal/storage/pgshipments"
)

type shipSyncAPIApp struct {
	ctx        context.Context
	cancel     context.CancelFunc
	opts       shipSyncAPIOpts
	api        *webhookapi.API
	dispatcher dispatch.Dispatcher
	consumer   *kafka.Consumer
	handler    func(key, value []byte) error
	closers    []func()
}

type apiSettings struct {
	grpcAddr         string
	httpAddr         string
	mode             string
	consumerGroup    string
	webhookTopic     string
	statusTopic      string
	cacheTTL         time.Duration
	reconcileTimeout time.Duration
	recentLimit      int
}

func apiSettingsFromConfig(cfg *config.Config) (apiSettings, error) {
	s := apiSettings{
		grpcAddr:         cfg.ShipSync.GRPCAddr,
		httpAddr:         cfg.ShipSync.HTTPAddr,
		mode:             cfg.ShipSync.DispatchMode,
		consumerGroup:    cfg.ShipSync.KafkaConsumerGroup,
		webhookTopic:     cfg.Kafka.WebhookReceivedTopicName,
		statusTopic:      cfg.Kafka.ShipmentStatusTopicName,
		cacheTTL:         time.Duration(cfg.ShipSync.CurrentShipmentTTLSeconds) * time.Second,
		reconcileTimeout: time.Duration(cfg.ShipSync.ReconcileTimeoutSeconds) * time.Second,
		recentLimit:      cfg.ShipSync.HealthRecentLimit,
	}
	if s.grpcAddr == "" {
		s.grpcAddr = ":50051"
	}
	if s.httpAddr == "" {
		s.httpAddr = ":8080"
	}
	if s.mode == "" {
		s.mode = dispatch.ModeAsync
	}
	if s.mode != dispatch.ModeAsync && s.mode != dispatch.ModeKafka {
		return s, fmt.Errorf("unknown dispatch_mode %q", s.mode)
	}
	if s.consumerGroup == "" {
		s.consumerGroup = "shipsync-api"
	}
	if s.webhookTopic == "" {
		s.webhookTopic = "delhivery.webhook.received"
	}
	if s.statusTopic == "" {
		s.statusTopic = "shipment.status_changed"
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 10 * time.Minute
	}
	if s.reconcileTimeout <= 0 {
		s.reconcileTimeout = dispatch.DefaultTimeout
	}
	if s.recentLimit <= 0 {
		s.recentLimit = 5
	}

	if cfg.Delhivery.WebhookSecret == "" {
		if cfg.Delhivery.RequireSignature {
			return s, fmt.Errorf("delhivery.require_signature is set but no webhook secret is configured")
		}
		slog.Warn("delhivery webhook secret not configured, signatures will not be checked")
	}
	return s, nil
}

func mustBootstrapShipSyncAPI() *shipSyncAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse error, %v", err))
	}
	s, err := apiSettingsFromConfig(cfg)
	if err != nil {
		panic(err)
	}

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	rc := rediscache.New(cfg.Redis.Addr())
	producer := kafka.NewProducer(cfg.Kafka.Brokers())

	svc := shipments.New(st, rc, s.cacheTTL).WithPublisher(producer, s.statusTopic)

	async := dispatch.NewAsync(svc, s.reconcileTimeout)
	var d dispatch.Dispatcher = async

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := &shipSyncAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shipSyncAPIOpts{
			grpcAddr:      s.grpcAddr,
			httpAddr:      s.httpAddr,
			swaggerPath:   swaggerPath,
			topic:         s.webhookTopic,
			consumerGroup: s.consumerGroup,
		},
		closers: []func(){
			st.Close,
			func() { _ = rc.Close() },
			func() { _ = producer.Close() },
		},
	}

	if s.mode == dispatch.ModeKafka {
		d = dispatch.NewKafka(producer, s.webhookTopic, async)
		app.consumer = kafka.NewConsumer(cfg.Kafka.Brokers(), s.webhookTopic, s.consumerGroup)
		app.handler = dispatch.Handler(ctx, svc, s.reconcileTimeout)
	}
	app.dispatcher = d
	app.api = webhookapi.New(svc, d, cfg.Delhivery.WebhookSecret, s.recentLimit)

	slog.Info("shipsync api configured", "dispatch_mode", s.mode, "http_addr", s.httpAddr)
	return app
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgshipments.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgshipments.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

// Close drains dispatched reconciliations before releasing connections.
func (a *shipSyncAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		st := a.consumer.Stats()
		slog.Info("kafka consumer closed", "topic", st.Topic, "consumed", st.Consumed, "committed", st.Committed, "last_offset", st.LastOffset)
		_ = a.consumer.Close()
	}
	if a.dispatcher != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.dispatcher.Wait(waitCtx); err != nil {
			slog.Warn("reconciliations still running at shutdown", "error", err.Error())
		}
		cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *shipSyncAPIApp) Run() error {
	var consumer kafkaConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runShipSyncAPI(a.ctx, a.opts, a.api, consumer, a.handler)
}
