package models

import "time"

type Shipment struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	AWB                  *string         `json:"awb"`
	Status               Status          `json:"status"`
	TrackingHistory      []TrackingEvent `json:"tracking_history"`
	ExpectedDeliveryDate *string         `json:"expected_delivery_date"` // YYYY-MM-DD
	LastSyncAt           *time.Time      `json:"last_sync_at"`
	Version              int64           `json:"version"`
	NextResyncAt         time.Time       `json:"next_resync_at"`
	ResyncFailCount      int32           `json:"resync_fail_count"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Event sources.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// TrackingEvent is one entry of Shipment.TrackingHistory, stored as JSON.
type TrackingEvent struct {
	Status       string `json:"status"`
	MappedStatus Status `json:"mapped_status"`
	Timestamp    string `json:"timestamp"`
	Location     string `json:"location,omitempty"`
	Remarks      string `json:"remarks,omitempty"`
	Source       string `json:"source,omitempty"`
}

// StatusUpdate is a courier status report for one AWB, from a webhook or a pull.
type StatusUpdate struct {
	TrackingNumber       string
	RawStatus            string
	OccurredAt           string
	Location             string
	Remarks              string
	ExpectedDeliveryDate string
	Source               string
	ReceivedAt           time.Time
}

// ShipmentWrite is the set of fields a reconciliation persists.
type ShipmentWrite struct {
	ID                   string
	ExpectedVersion      int64
	Status               Status
	TrackingHistory      []TrackingEvent
	ExpectedDeliveryDate *string
	LastSyncAt           time.Time
	NextResyncAt         time.Time
}

type ShipmentCreateInput struct {
	OrderID string
	AWB     string
	Status  Status
}

// SyncSummary is one row of the webhook health report.
type SyncSummary struct {
	AWB        string     `json:"awb"`
	Status     Status     `json:"status"`
	LastSyncAt *time.Time `json:"last_sync_at"`
}
