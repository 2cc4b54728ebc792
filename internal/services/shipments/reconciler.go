package shipments

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/petalpouches/shipsync/internal/broker/messages"
	"github.com/petalpouches/shipsync/internal/integrations/delhivery/statusmap"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/storage/pgshipments"
	"github.com/pkg/errors"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeTerminal  Outcome = "terminal"
)

// Reconcile merges a courier status update into the stored shipment. Unknown
// AWBs and no-op updates are reported through the Outcome, not as errors.
// A concurrent write to the same shipment makes the whole cycle start over.
func (s *Service) Reconcile(ctx context.Context, upd models.StatusUpdate) (Outcome, error) {
	if upd.TrackingNumber == "" {
		return "", errors.New("tracking number is required")
	}
	if upd.ReceivedAt.IsZero() {
		upd.ReceivedAt = s.now().UTC()
	}
	if upd.Source == "" {
		upd.Source = models.SourceWebhook
	}

	for attempt := 1; ; attempt++ {
		out, err := s.reconcileOnce(ctx, upd)
		if errors.Is(err, pgshipments.ErrVersionConflict) && attempt < s.maxAttempts {
			slog.Warn("shipment changed during reconcile, retrying", "awb", upd.TrackingNumber, "attempt", attempt)
			continue
		}
		return out, err
	}
}

func (s *Service) reconcileOnce(ctx context.Context, upd models.StatusUpdate) (Outcome, error) {
	sh, err := s.repo.FindByAWB(ctx, upd.TrackingNumber)
	if errors.Is(err, pgshipments.ErrNotFound) {
		slog.Warn("no shipment for waybill", "awb", upd.TrackingNumber, "status", upd.RawStatus)
		return OutcomeNotFound, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "find shipment by awb")
	}

	mapped := statusmap.MapStatus(upd.RawStatus)

	if models.IsTerminal(sh.Status) && mapped != sh.Status {
		slog.Warn("shipment already final, ignoring update",
			"awb", upd.TrackingNumber, "current", sh.Status, "mapped", mapped, "status", upd.RawStatus)
		return OutcomeTerminal, nil
	}

	ev := models.TrackingEvent{
		Status:       upd.RawStatus,
		MappedStatus: mapped,
		Timestamp:    upd.OccurredAt,
		Location:     upd.Location,
		Remarks:      upd.Remarks,
		Source:       upd.Source,
	}
	if ev.Timestamp == "" {
		ev.Timestamp = upd.ReceivedAt.UTC().Format(time.RFC3339)
	}

	if !ShouldAppend(sh.TrackingHistory, ev) || (mapped == sh.Status && upd.OccurredAt == "" && repeatsLast(sh.TrackingHistory, ev)) {
		slog.Info("status unchanged, skipping write", "awb", upd.TrackingNumber, "status", mapped)
		return OutcomeUnchanged, nil
	}

	history := make([]models.TrackingEvent, 0, len(sh.TrackingHistory)+1)
	history = append(history, sh.TrackingHistory...)
	history = append(history, ev)

	now := s.now().UTC()
	w := models.ShipmentWrite{
		ID:                   sh.ID,
		ExpectedVersion:      sh.Version,
		Status:               mapped,
		TrackingHistory:      history,
		ExpectedDeliveryDate: normalizeDate(upd.TrackingNumber, upd.ExpectedDeliveryDate),
		LastSyncAt:           now,
		NextResyncAt:         now.Add(s.planner.NextResyncDelay(mapped)),
	}
	if err := s.repo.UpdateShipment(ctx, w); err != nil {
		return "", errors.Wrap(err, "update shipment")
	}

	prev := sh.Status
	sh.Status = mapped
	sh.TrackingHistory = history
	if w.ExpectedDeliveryDate != nil {
		sh.ExpectedDeliveryDate = w.ExpectedDeliveryDate
	}
	sh.LastSyncAt = &now
	sh.NextResyncAt = w.NextResyncAt
	sh.ResyncFailCount = 0
	sh.Version++
	// Concurrent reconciles may finish out of order; the next read refills
	// the entry from the committed row.
	s.dropCache(ctx, upd.TrackingNumber)

	slog.Info("shipment reconciled", "awb", upd.TrackingNumber, "from", prev, "to", mapped, "source", upd.Source)

	if prev != mapped {
		s.publishStatusChanged(ctx, sh, prev, upd)
	}
	return OutcomeApplied, nil
}

// repeatsLast reports whether ev carries nothing the last event does not.
func repeatsLast(history []models.TrackingEvent, ev models.TrackingEvent) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Status == ev.Status && last.Location == ev.Location && last.Remarks == ev.Remarks
}

// normalizeDate keeps the YYYY-MM-DD part of v, or nil when v is empty or not a date.
func normalizeDate(awb, v string) *string {
	if v == "" {
		return nil
	}
	if len(v) > 10 {
		v = v[:10]
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		slog.Warn("ignoring malformed expected delivery date", "awb", awb, "value", v)
		return nil
	}
	return &v
}

func (s *Service) publishStatusChanged(ctx context.Context, sh *models.Shipment, prev models.Status, upd models.StatusUpdate) {
	if s.publisher == nil || s.statusTopic == "" {
		return
	}

	msg := messages.ShipmentStatusChanged{
		MessageID:      uuid.NewString(),
		ShipmentID:     sh.ID,
		OrderID:        sh.OrderID,
		AWB:            upd.TrackingNumber,
		PreviousStatus: prev,
		Status:         sh.Status,
		StatusRaw:      upd.RawStatus,
		IsTerminal:     models.IsTerminal(sh.Status),
		Source:         upd.Source,
		ChangedAt:      *sh.LastSyncAt,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal status changed", "awb", upd.TrackingNumber, "error", err.Error())
		return
	}
	if err := s.publisher.Publish(ctx, s.statusTopic, []byte(upd.TrackingNumber), b); err != nil {
		slog.Error("publish status changed", "awb", upd.TrackingNumber, "error", err.Error())
	}
}
