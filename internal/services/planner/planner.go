package planner

import (
	"math/rand"
	"sync"
	"time"

	"github.com/petalpouches/shipsync/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type Config struct {
	TerminalDelay time.Duration // default: 365 days

	OutForDeliveryDelay time.Duration // default: 30 minutes
	MovingDelay         time.Duration // picked_up, in_transit; default: 2 hours
	PendingDelay        time.Duration // placed, pending_pickup; default: 6 hours
	ExceptionDelay      time.Duration // rto_initiated, failed; default: 4 hours

	// Up to this share of the delay is added at random, so shipments synced
	// together do not come due together.
	JitterPercent int // default: 10

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultConfig() Config {
	return Config{
		TerminalDelay: 365 * 24 * time.Hour,

		OutForDeliveryDelay: 30 * time.Minute,
		MovingDelay:         2 * time.Hour,
		PendingDelay:        6 * time.Hour,
		ExceptionDelay:      4 * time.Hour,

		JitterPercent: 10,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

// Planner decides when the resync worker should next pull a shipment.
type Planner struct {
	cfg Config
	r   Rand
}

func New(cfg Config, r Rand) *Planner {
	def := DefaultConfig()
	if cfg.TerminalDelay <= 0 {
		cfg.TerminalDelay = def.TerminalDelay
	}
	if cfg.OutForDeliveryDelay <= 0 {
		cfg.OutForDeliveryDelay = def.OutForDeliveryDelay
	}
	if cfg.MovingDelay <= 0 {
		cfg.MovingDelay = def.MovingDelay
	}
	if cfg.PendingDelay <= 0 {
		cfg.PendingDelay = def.PendingDelay
	}
	if cfg.ExceptionDelay <= 0 {
		cfg.ExceptionDelay = def.ExceptionDelay
	}
	if cfg.JitterPercent < 0 {
		cfg.JitterPercent = 0
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	return &Planner{cfg: cfg, r: r}
}

// lockedRand serialises access to a *rand.Rand, which is not safe for
// concurrent use. The planner is shared by dispatch and resync goroutines.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

func Default() *Planner {
	return New(DefaultConfig(), nil)
}

func (p *Planner) NextResyncDelay(status models.Status) time.Duration {
	if models.IsTerminal(status) {
		return p.cfg.TerminalDelay
	}

	var base time.Duration
	switch status {
	case models.StatusOutForDelivery:
		base = p.cfg.OutForDeliveryDelay
	case models.StatusPickedUp, models.StatusInTransit:
		base = p.cfg.MovingDelay
	case models.StatusRTOInitiated, models.StatusFailed:
		base = p.cfg.ExceptionDelay
	default:
		base = p.cfg.PendingDelay
	}
	return base + p.jitter(base)
}

func (p *Planner) jitter(base time.Duration) time.Duration {
	if p.cfg.JitterPercent == 0 {
		return 0
	}
	maxSec := int(base.Seconds()) * p.cfg.JitterPercent / 100
	if maxSec <= 0 {
		return 0
	}
	return time.Duration(p.r.Intn(maxSec+1)) * time.Second
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
