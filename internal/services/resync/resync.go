package resync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petalpouches/shipsync/internal/integrations/carrier"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/services/planner"
	"github.com/petalpouches/shipsync/internal/services/shipments"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	MarkResyncFailed(ctx context.Context, id string, nextResyncAt time.Time) error
	ScheduleResync(ctx context.Context, id string, nextResyncAt time.Time) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, upd models.StatusUpdate) (shipments.Outcome, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

var errRateLimited = errors.New("courier rate limit reached")

// Poller pulls the courier for shipments whose webhooks may have been lost.
type Poller struct {
	repo       Repository
	carrier    carrier.Client
	reconciler Reconciler
	rl         RateLimiter

	planner *planner.Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}
	now       func() time.Time

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	totalRateLimited    atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, c carrier.Client, reconciler Reconciler, rl RateLimiter) *Poller {
	return &Poller{
		repo:               repo,
		carrier:            c,
		reconciler:         reconciler,
		rl:                 rl,
		planner:            planner.Default(),
		pollInterval:       30 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 60,
		triggerCh:          make(chan struct{}, 1),
		now:                time.Now,
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithPlanner(pl *planner.Planner) *Poller {
	if pl != nil {
		p.planner = pl
	}
	return p
}

// Trigger forces an immediate cycle. It never blocks.
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastCycleAt      *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed     int64      `json:"totalClaimed"`
	TotalProcessed   int64      `json:"totalProcessed"`
	TotalErrors      int64      `json:"totalErrors"`
	TotalRateLimited int64      `json:"totalRateLimited"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:     p.totalClaimed.Load(),
		TotalProcessed:   p.totalProcessed.Load(),
		TotalErrors:      p.totalErrors.Load(),
		TotalRateLimited: p.totalRateLimited.Load(),
		InFlight:         p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	now := p.now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDueShipments(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			err := p.processOne(ctx, sh)
			switch {
			case errors.Is(err, errRateLimited):
				// the lease runs out and the shipment is claimed again
				p.totalRateLimited.Add(1)
			case err != nil:
				p.totalErrors.Add(1)
				p.setLastError(err)
				slog.Error("resync shipment", "shipment_id", sh.ID, "error", err.Error())
			}
			p.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (p *Poller) processOne(ctx context.Context, sh *models.Shipment) error {
	if sh.AWB == nil || *sh.AWB == "" {
		return nil
	}
	awb := *sh.AWB
	now := p.now().UTC()

	if p.rl != nil && p.rateLimitPerMinute > 0 {
		minuteKey := "delhivery:" + now.Format("200601021504")
		allowed, n, err := p.rl.Allow(ctx, minuteKey, p.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return errors.Wrap(err, "rate limiter")
		}
		if !allowed {
			slog.Warn("courier rate limit exceeded", "awb", awb, "count", n)
			return errRateLimited
		}
	}

	res, err := p.carrier.GetTracking(ctx, awb)
	if err != nil {
		next := now.Add(p.planner.BackoffDelay(sh.ResyncFailCount + 1))
		if mErr := p.repo.MarkResyncFailed(ctx, sh.ID, next); mErr != nil {
			slog.Error("mark resync failed", "awb", awb, "error", mErr.Error())
		}
		return errors.Wrap(err, "get tracking")
	}

	out, err := p.reconciler.Reconcile(ctx, models.StatusUpdate{
		TrackingNumber:       awb,
		RawStatus:            res.RawStatus,
		OccurredAt:           res.OccurredAt,
		Location:             res.Location,
		Remarks:              res.Remarks,
		ExpectedDeliveryDate: res.ExpectedDeliveryDate,
		Source:               models.SourcePoll,
		ReceivedAt:           now,
	})
	if err != nil {
		return errors.Wrap(err, "reconcile")
	}

	// An applied update already carries its next resync time.
	if out != shipments.OutcomeApplied {
		next := now.Add(p.planner.NextResyncDelay(sh.Status))
		if err := p.repo.ScheduleResync(ctx, sh.ID, next); err != nil {
			return err
		}
	}
	slog.Info("shipment resynced", "awb", awb, "outcome", out)
	return nil
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}
