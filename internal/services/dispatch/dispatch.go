package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petalpouches/shipsync/internal/broker/messages"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/services/shipments"
	"github.com/pkg/errors"
)

const (
	ModeAsync = "async"
	ModeKafka = "kafka"

	DefaultTimeout = 30 * time.Second
)

type Reconciler interface {
	Reconcile(ctx context.Context, upd models.StatusUpdate) (shipments.Outcome, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Dispatcher takes an acknowledged webhook off the request path. Dispatch
// never reports failure to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, upd models.StatusUpdate)
	Wait(ctx context.Context) error
}

// AsyncDispatcher reconciles every update in its own goroutine.
type AsyncDispatcher struct {
	rec     Reconciler
	timeout time.Duration

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

func NewAsync(rec Reconciler, timeout time.Duration) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AsyncDispatcher{rec: rec, timeout: timeout}
}

// Dispatch detaches from ctx so the request finishing does not cancel the work.
// Once Wait has been called, updates are reconciled on the caller's goroutine.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, upd models.StatusUpdate) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		defer cancel()
		slog.Warn("dispatch during shutdown, reconciling inline", "awb", upd.TrackingNumber)
		Run(rctx, d.rec, upd)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()
		Run(rctx, d.rec, upd)
	}()
}

// Wait blocks until in-flight reconciliations finish or ctx is done.
func (d *AsyncDispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reconciles one update and logs the result. A panic is logged, not propagated.
func Run(ctx context.Context, rec Reconciler, upd models.StatusUpdate) (out shipments.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("reconcile panic: %v", r)
			slog.Error("reconcile panicked", "awb", upd.TrackingNumber, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	out, err = rec.Reconcile(ctx, upd)
	if err != nil {
		slog.Error("error processing webhook", "awb", upd.TrackingNumber, "status", upd.RawStatus, "error", err.Error())
		return out, err
	}
	slog.Debug("webhook processed", "awb", upd.TrackingNumber, "outcome", out)
	return out, nil
}

// KafkaDispatcher hands updates to the webhook topic, keyed by waybill so one
// shipment's updates stay in order. If the publish fails the update is
// reconciled in-process instead.
type KafkaDispatcher struct {
	pub      Publisher
	topic    string
	fallback *AsyncDispatcher
}

func NewKafka(pub Publisher, topic string, fallback *AsyncDispatcher) *KafkaDispatcher {
	return &KafkaDispatcher{pub: pub, topic: topic, fallback: fallback}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, upd models.StatusUpdate) {
	msg := messages.NewWebhookReceived(uuid.NewString(), upd)
	b, err := json.Marshal(msg)
	if err == nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = d.pub.Publish(pctx, d.topic, []byte(upd.TrackingNumber), b)
		cancel()
		if err == nil {
			return
		}
	}
	slog.Warn("webhook publish failed, reconciling in-process", "awb", upd.TrackingNumber, "error", err.Error())
	d.fallback.Dispatch(ctx, upd)
}

func (d *KafkaDispatcher) Wait(ctx context.Context) error {
	return d.fallback.Wait(ctx)
}

// Handler builds the consumer callback for the webhook topic. Failures are
// logged and the message is committed anyway; the resync worker picks up
// shipments whose update was lost.
func Handler(ctx context.Context, rec Reconciler, timeout time.Duration) func(key, value []byte) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(_ []byte, value []byte) error {
		var m messages.WebhookReceived
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Error("skip undecodable webhook message", "error", err.Error())
			return nil
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		_, _ = Run(rctx, rec, m.StatusUpdate())
		return nil
	}
}
