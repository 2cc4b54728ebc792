package main

import (
	"context"
	"time"

	"github.com/petalpouches/shipsync/config"
	"github.com/petalpouches/shipsync/internal/broker/kafka"
	"github.com/petalpouches/shipsync/internal/cache"
	"github.com/petalpouches/shipsync/internal/cache/rediscache"
	"github.com/petalpouches/shipsync/internal/integrations/carrier"
	"github.com/petalpouches/shipsync/internal/integrations/delhivery"
	"github.com/petalpouches/shipsync/internal/integrations/delhivery/fake"
	"github.com/petalpouches/shipsync/internal/services/resync"
	"github.com/petalpouches/shipsync/internal/services/shipments"
	"github.com/petalpouches/shipsync/internal/storage/pgshipments"
)

type workerStore interface {
	shipments.Repository
	resync.Repository
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (store workerStore, closeFn func(), err error)
	newPublisher     func(cfg *config.Config) shipments.Publisher
	newCache         func(cfg *config.Config) cache.BytesCache
	newRateLimiter   func(cfg *config.Config) resync.RateLimiter
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStore, func(), error) {
			st, err := pgshipments.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newPublisher: func(cfg *config.Config) shipments.Publisher {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newCache: func(cfg *config.Config) cache.BytesCache {
			return rediscache.New(cfg.Redis.Addr())
		},
		newRateLimiter: func(cfg *config.Config) resync.RateLimiter {
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			// Without a base url the worker runs against the local fake.
			if cfg.Delhivery.BaseURL == "" {
				return fake.New()
			}
			return delhivery.New(cfg.Delhivery.BaseURL, cfg.Delhivery.APIToken)
		},
	}
}

type workerSettings struct {
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	rlPerMin     int64
	cacheTTL     time.Duration
	statusTopic  string
}

func settingsFromConfig(cfg *config.Config) workerSettings {
	s := workerSettings{
		pollInterval: time.Duration(cfg.ShipSync.WorkerPollIntervalSeconds) * time.Second,
		batchSize:    cfg.ShipSync.WorkerBatchSize,
		concurrency:  cfg.ShipSync.WorkerConcurrency,
		lease:        time.Duration(cfg.ShipSync.WorkerLeaseSeconds) * time.Second,
		rlPerMin:     int64(cfg.ShipSync.WorkerRateLimitPerMinute),
		cacheTTL:     time.Duration(cfg.ShipSync.CurrentShipmentTTLSeconds) * time.Second,
		statusTopic:  cfg.Kafka.ShipmentStatusTopicName,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.concurrency <= 0 {
		s.concurrency = 10
	}
	if s.lease <= 0 {
		s.lease = 120 * time.Second
	}
	if s.rlPerMin <= 0 {
		s.rlPerMin = 60
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 10 * time.Minute
	}
	if s.statusTopic == "" {
		s.statusTopic = "shipment.status_changed"
	}
	return s
}

// buildPoller wires the resync poller. closeFn releases storage and clients.
func buildPoller(cfg *config.Config, f workerFactories) (*resync.Poller, func(), error) {
	s := settingsFromConfig(cfg)

	store, closeStore, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	pub := f.newPublisher(cfg)
	c := f.newCache(cfg)
	rl := f.newRateLimiter(cfg)

	closeFn := func() {
		for _, v := range []any{pub, c, rl} {
			if cl, ok := v.(interface{ Close() error }); ok {
				_ = cl.Close()
			}
		}
		if closeStore != nil {
			closeStore()
		}
	}

	svc := shipments.New(store, c, s.cacheTTL).WithPublisher(pub, s.statusTopic)

	p := resync.New(store, f.newCarrierClient(cfg), svc, rl).
		WithSettings(s.pollInterval, s.batchSize, s.concurrency, s.lease, s.rlPerMin)
	return p, closeFn, nil
}

func RunShipSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	p, closeFn, err := buildPoller(cfg, f)
	if err != nil {
		return err
	}
	defer closeFn()

	return p.Run(ctx)
}
