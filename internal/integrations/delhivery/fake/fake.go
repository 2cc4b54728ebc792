package fake

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/petalpouches/shipsync/internal/integrations/carrier"
)

// progression is what the fake courier walks a waybill through.
var progression = []string{
	"Manifested",
	"Picked Up",
	"In Transit",
	"Out for Delivery",
	"Delivered",
}

// FakeClient stands in for Delhivery when no base url is configured. A
// waybill starts at a step derived from its hash when first pulled and moves
// one step forward every hour until it is delivered.
type FakeClient struct {
	now func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
}

func New() *FakeClient { return &FakeClient{now: time.Now} }

func (f *FakeClient) GetTracking(ctx context.Context, awb string) (carrier.TrackingResult, error) {
	now := f.now().UTC().Truncate(time.Hour)

	h := fnv.New32a()
	_, _ = h.Write([]byte(awb))
	start := int(h.Sum32() % uint32(len(progression)))

	elapsed := int(now.Sub(f.seen(awb, now)) / time.Hour)
	step := min(start+elapsed, len(progression)-1)

	return carrier.TrackingResult{
		RawStatus:            progression[step],
		OccurredAt:           now.Format(time.RFC3339),
		Location:             "Fake Hub",
		Remarks:              "fake courier update",
		ExpectedDeliveryDate: now.AddDate(0, 0, 3).Format(time.DateOnly),
	}, nil
}

func (f *FakeClient) seen(awb string, now time.Time) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.firstSeen == nil {
		f.firstSeen = map[string]time.Time{}
	}
	t, ok := f.firstSeen[awb]
	if !ok {
		t = now
		f.firstSeen[awb] = t
	}
	return t
}
