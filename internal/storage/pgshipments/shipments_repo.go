package pgshipments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id::text, order_id, awb, status, tracking_history,
  expected_delivery_date::text, last_sync_at,
  version, next_resync_at, resync_fail_count,
  created_at, updated_at`

const defaultInitialStatus = models.StatusPlaced

// CreateShipment registers an AWB for an order. Registering the same AWB twice
// returns the existing row.
func (s *Storage) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()
	status := in.Status
	if status == "" {
		status = defaultInitialStatus
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  id, order_id, awb, status, tracking_history, next_resync_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,'[]'::jsonb,$5,$5,$5)
ON CONFLICT (awb)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING`+shipmentColumns,
		uuid.NewString(), in.OrderID, in.AWB, string(status), now)

	sh, err := scanShipment(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}
	return sh, nil
}

func (s *Storage) FindByAWB(ctx context.Context, awb string) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+`
FROM shipments
WHERE awb = $1
`, awb)

	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment by awb")
	}
	return sh, nil
}

// UpdateShipment writes a reconciliation result if the row still has
// w.ExpectedVersion, and returns ErrVersionConflict otherwise.
func (s *Storage) UpdateShipment(ctx context.Context, w models.ShipmentWrite) error {
	history := w.TrackingHistory
	if history == nil {
		history = []models.TrackingEvent{}
	}
	b, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "marshal tracking history")
	}

	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  status = $3,
  tracking_history = $4::jsonb,
  expected_delivery_date = COALESCE($5::date, expected_delivery_date),
  last_sync_at = $6,
  next_resync_at = $7,
  resync_fail_count = 0,
  version = version + 1,
  updated_at = now()
WHERE id = $1 AND version = $2
`, w.ID, w.ExpectedVersion, string(w.Status), string(b), w.ExpectedDeliveryDate, w.LastSyncAt.UTC(), w.NextResyncAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ListRecentSyncs returns the most recently synced shipments that have an AWB.
func (s *Storage) ListRecentSyncs(ctx context.Context, limit int) ([]models.SyncSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 5
	}

	rows, err := s.db.Query(ctx, `
SELECT awb, status, last_sync_at
FROM shipments
WHERE awb IS NOT NULL
ORDER BY last_sync_at DESC NULLS LAST
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select recent syncs")
	}
	defer rows.Close()

	out := make([]models.SyncSummary, 0, limit)
	for rows.Next() {
		var sm models.SyncSummary
		var status string
		if err := rows.Scan(&sm.AWB, &status, &sm.LastSyncAt); err != nil {
			return nil, errors.Wrap(err, "scan recent sync")
		}
		sm.Status = models.Status(status)
		out = append(out, sm)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimDueShipments picks non-terminal shipments whose resync time has come and
// pushes their next_resync_at forward by lease, so other workers skip them.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT`+shipmentColumns+`
FROM shipments
WHERE awb IS NOT NULL
  AND next_resync_at <= $1
  AND status <> ALL($2)
ORDER BY next_resync_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), terminalStatusStrings(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due shipment")
		}
		picked = append(picked, sh)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		_, err := tx.Exec(ctx, `UPDATE shipments SET next_resync_at = $2 WHERE id = $1`, sh.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		sh.NextResyncAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) MarkResyncFailed(ctx context.Context, id string, nextResyncAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET resync_fail_count = resync_fail_count + 1, next_resync_at = $2
WHERE id = $1
`, id, nextResyncAt.UTC())
	return errors.Wrap(err, "mark resync failed")
}

// ScheduleResync sets the next pull time after a pull that produced no write.
func (s *Storage) ScheduleResync(ctx context.Context, id string, nextResyncAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET resync_fail_count = 0, next_resync_at = $2
WHERE id = $1
`, id, nextResyncAt.UTC())
	return errors.Wrap(err, "schedule resync")
}

func terminalStatusStrings() []string {
	var out []string
	for _, st := range models.AllStatuses {
		if models.IsTerminal(st) {
			out = append(out, string(st))
		}
	}
	return out
}

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var status string
	var history []byte
	if err := row.Scan(
		&sh.ID, &sh.OrderID, &sh.AWB, &status, &history,
		&sh.ExpectedDeliveryDate, &sh.LastSyncAt,
		&sh.Version, &sh.NextResyncAt, &sh.ResyncFailCount,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sh.Status = models.Status(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &sh.TrackingHistory); err != nil {
			return nil, errors.Wrap(err, "decode tracking history")
		}
	}
	return &sh, nil
}
