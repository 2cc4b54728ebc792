// Package statusmap translates Delhivery status strings into internal shipment statuses.
package statusmap

import (
	"log/slog"

	"github.com/petalpouches/shipsync/internal/models"
)

// Fallback is returned for empty or unrecognised courier statuses.
const Fallback = models.StatusInTransit

// Matching is exact and case-sensitive; add new courier statuses here.
var table = map[string]models.Status{
	// forward shipment
	"Manifested":       models.StatusPendingPickup,
	"Not Picked":       models.StatusPendingPickup,
	"Picked Up":        models.StatusPickedUp,
	"In Transit":       models.StatusInTransit,
	"Pending":          models.StatusInTransit,
	"Dispatched":       models.StatusOutForDelivery,
	"Out for Delivery": models.StatusOutForDelivery,
	"Delivered":        models.StatusDelivered,
	"Undelivered":      models.StatusFailed,
	"Lost":             models.StatusFailed,

	// return to origin
	"RTO Initiated":  models.StatusRTOInitiated,
	"RTO In Transit": models.StatusRTOInitiated,
	"RTO Pending":    models.StatusRTOInitiated,
	"RTO Dispatched": models.StatusRTOInitiated,
	"RTO Delivered":  models.StatusRTODelivered,
	"Returned":       models.StatusRTODelivered,

	// reverse pickup
	"Open":             models.StatusPendingPickup,
	"Scheduled":        models.StatusPendingPickup,
	"Pickup Scheduled": models.StatusPendingPickup,
	"DTO":              models.StatusRTODelivered,

	// cancellation
	"Canceled":  models.StatusCancelled,
	"Cancelled": models.StatusCancelled,
}

// Lookup returns the internal status for a courier status, without fallback.
func Lookup(courierStatus string) (models.Status, bool) {
	s, ok := table[courierStatus]
	return s, ok
}

// MapStatus returns the internal status for courierStatus, or Fallback when it is
// empty or not in the table.
func MapStatus(courierStatus string) models.Status {
	if courierStatus == "" {
		slog.Warn("empty delhivery status, using fallback", "fallback", Fallback)
		return Fallback
	}
	s, ok := table[courierStatus]
	if !ok {
		slog.Warn("unknown delhivery status, using fallback", "status", courierStatus, "fallback", Fallback)
		return Fallback
	}
	return s
}

// Known returns a copy of the lookup table.
func Known() map[string]models.Status {
	out := make(map[string]models.Status, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}
