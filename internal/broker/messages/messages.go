package messages

import (
	"time"

	"github.com/petalpouches/shipsync/internal/models"
)

// WebhookReceived carries an acknowledged courier webhook to the reconciler
// when dispatch mode is kafka. Keyed by waybill.
type WebhookReceived struct {
	MessageID            string    `json:"message_id"`
	Waybill              string    `json:"waybill"`
	Status               string    `json:"status"`
	StatusDateTime       string    `json:"status_datetime,omitempty"`
	Location             string    `json:"location,omitempty"`
	ExpectedDeliveryDate string    `json:"expected_delivery_date,omitempty"`
	Remarks              string    `json:"remarks,omitempty"`
	Source               string    `json:"source"`
	ReceivedAt           time.Time `json:"received_at"`
}

func NewWebhookReceived(id string, upd models.StatusUpdate) WebhookReceived {
	return WebhookReceived{
		MessageID:            id,
		Waybill:              upd.TrackingNumber,
		Status:               upd.RawStatus,
		StatusDateTime:       upd.OccurredAt,
		Location:             upd.Location,
		ExpectedDeliveryDate: upd.ExpectedDeliveryDate,
		Remarks:              upd.Remarks,
		Source:               upd.Source,
		ReceivedAt:           upd.ReceivedAt,
	}
}

func (m WebhookReceived) StatusUpdate() models.StatusUpdate {
	return models.StatusUpdate{
		TrackingNumber:       m.Waybill,
		RawStatus:            m.Status,
		OccurredAt:           m.StatusDateTime,
		Location:             m.Location,
		Remarks:              m.Remarks,
		ExpectedDeliveryDate: m.ExpectedDeliveryDate,
		Source:               m.Source,
		ReceivedAt:           m.ReceivedAt,
	}
}

// ShipmentStatusChanged is published after a reconciliation moved a shipment
// to a new internal status.
type ShipmentStatusChanged struct {
	MessageID      string        `json:"message_id"`
	ShipmentID     string        `json:"shipment_id"`
	OrderID        string        `json:"order_id"`
	AWB            string        `json:"awb"`
	PreviousStatus models.Status `json:"previous_status"`
	Status         models.Status `json:"status"`
	StatusRaw      string        `json:"status_raw"`
	IsTerminal     bool          `json:"is_terminal"`
	Source         string        `json:"source"`
	ChangedAt      time.Time     `json:"changed_at"`
}
