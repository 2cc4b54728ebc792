package statusmap

import (
	"testing"

	"github.com/petalpouches/shipsync/internal/models"
	"github.com/stretchr/testify/require"
)

func TestMapStatus_Table(t *testing.T) {
	cases := map[string]models.Status{
		"Manifested":       models.StatusPendingPickup,
		"Picked Up":        models.StatusPickedUp,
		"In Transit":       models.StatusInTransit,
		"Out for Delivery": models.StatusOutForDelivery,
		"Delivered":        models.StatusDelivered,
		"Undelivered":      models.StatusFailed,
		"RTO Initiated":    models.StatusRTOInitiated,
		"RTO Delivered":    models.StatusRTODelivered,
		"Pickup Scheduled": models.StatusPendingPickup,
		"DTO":              models.StatusRTODelivered,
		"Canceled":         models.StatusCancelled,
		"Cancelled":        models.StatusCancelled,
	}
	for in, want := range cases {
		require.Equal(t, want, MapStatus(in), in)
	}

	// every table entry maps to itself through MapStatus
	for in, want := range Known() {
		require.Equal(t, want, MapStatus(in), in)
	}
}

func TestMapStatus_FallbackForUnknown(t *testing.T) {
	require.Equal(t, models.StatusInTransit, MapStatus(""))
	require.Equal(t, models.StatusInTransit, MapStatus("Teleported"))
	// case-sensitive
	require.Equal(t, models.StatusInTransit, MapStatus("delivered"))
	require.Equal(t, models.StatusInTransit, MapStatus("Delivered "))
}

func TestMapStatus_Deterministic(t *testing.T) {
	before := Known()
	require.Equal(t, MapStatus("Dispatched"), MapStatus("Dispatched"))
	require.Equal(t, MapStatus("???"), MapStatus("???"))
	require.Equal(t, before, Known())
}

func TestLookup(t *testing.T) {
	s, ok := Lookup("RTO In Transit")
	require.True(t, ok)
	require.Equal(t, models.StatusRTOInitiated, s)

	_, ok = Lookup("Teleported")
	require.False(t, ok)
}

func TestKnown_ReturnsCopy(t *testing.T) {
	k := Known()
	k["Delivered"] = models.StatusFailed
	require.Equal(t, models.StatusDelivered, MapStatus("Delivered"))
	for _, v := range k {
		_, ok := models.ParseStatus(string(v))
		require.True(t, ok)
	}
}
