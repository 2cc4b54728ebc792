package carrier

import (
	"context"
)

// TrackingResult is the courier's latest view of one waybill, in the same raw
// vocabulary webhooks use.
type TrackingResult struct {
	RawStatus            string
	OccurredAt           string
	Location             string
	Remarks              string
	ExpectedDeliveryDate string
}

type Client interface {
	GetTracking(ctx context.Context, awb string) (TrackingResult, error)
}
