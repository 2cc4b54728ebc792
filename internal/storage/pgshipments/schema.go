package pgshipments

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  order_id TEXT NOT NULL,
  awb TEXT NULL UNIQUE,
  status TEXT NOT NULL,
  tracking_history JSONB NOT NULL DEFAULT '[]'::jsonb,
  expected_delivery_date DATE NULL,
  last_sync_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Columns added after the first release.
		`ALTER TABLE shipments ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,
		`ALTER TABLE shipments ADD COLUMN IF NOT EXISTS next_resync_at TIMESTAMPTZ NOT NULL DEFAULT now()`,
		`ALTER TABLE shipments ADD COLUMN IF NOT EXISTS resync_fail_count INT NOT NULL DEFAULT 0`,
		`UPDATE shipments SET tracking_history = '[]'::jsonb WHERE tracking_history IS NULL OR jsonb_typeof(tracking_history) <> 'array'`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_last_sync_at ON shipments(last_sync_at DESC) WHERE awb IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_resync_at ON shipments(next_resync_at)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
