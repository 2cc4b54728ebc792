package shipments

import (
	"context"
	"sync"
	"time"

	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/storage/pgshipments"
	"github.com/stretchr/testify/mock"
)

type repoMock struct {
	mock.Mock
}

func (m *repoMock) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	args := m.Called(ctx, in)
	sh, _ := args.Get(0).(*models.Shipment)
	return sh, args.Error(1)
}

func (m *repoMock) FindByAWB(ctx context.Context, awb string) (*models.Shipment, error) {
	args := m.Called(ctx, awb)
	sh, _ := args.Get(0).(*models.Shipment)
	return sh, args.Error(1)
}

func (m *repoMock) UpdateShipment(ctx context.Context, w models.ShipmentWrite) error {
	return m.Called(ctx, w).Error(0)
}

func (m *repoMock) ListRecentSyncs(ctx context.Context, limit int) ([]models.SyncSummary, error) {
	args := m.Called(ctx, limit)
	out, _ := args.Get(0).([]models.SyncSummary)
	return out, args.Error(1)
}

type cacheMock struct {
	mock.Mock
}

func (m *cacheMock) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *cacheMock) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *cacheMock) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, topic string, key, value []byte) error {
	return m.Called(ctx, topic, key, value).Error(0)
}

// memRepo is an in-memory Repository with the same version semantics as pgshipments.
type memRepo struct {
	mu     sync.Mutex
	byAWB  map[string]*models.Shipment
	writes int
}

func newMemRepo(shipments ...*models.Shipment) *memRepo {
	r := &memRepo{byAWB: map[string]*models.Shipment{}}
	for _, sh := range shipments {
		r.byAWB[*sh.AWB] = sh
	}
	return r
}

func (r *memRepo) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sh, ok := r.byAWB[in.AWB]; ok {
		return clone(sh), nil
	}
	awb := in.AWB
	sh := &models.Shipment{ID: "id-" + awb, OrderID: in.OrderID, AWB: &awb, Status: models.StatusPlaced}
	r.byAWB[awb] = sh
	return clone(sh), nil
}

func (r *memRepo) FindByAWB(ctx context.Context, awb string) (*models.Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh, ok := r.byAWB[awb]
	if !ok {
		return nil, pgshipments.ErrNotFound
	}
	return clone(sh), nil
}

func (r *memRepo) UpdateShipment(ctx context.Context, w models.ShipmentWrite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sh := range r.byAWB {
		if sh.ID != w.ID {
			continue
		}
		if sh.Version != w.ExpectedVersion {
			return pgshipments.ErrVersionConflict
		}
		sh.Status = w.Status
		sh.TrackingHistory = append([]models.TrackingEvent(nil), w.TrackingHistory...)
		if w.ExpectedDeliveryDate != nil {
			d := *w.ExpectedDeliveryDate
			sh.ExpectedDeliveryDate = &d
		}
		t := w.LastSyncAt
		sh.LastSyncAt = &t
		sh.NextResyncAt = w.NextResyncAt
		sh.Version++
		r.writes++
		return nil
	}
	return pgshipments.ErrVersionConflict
}

func (r *memRepo) ListRecentSyncs(ctx context.Context, limit int) ([]models.SyncSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SyncSummary
	for awb, sh := range r.byAWB {
		out = append(out, models.SyncSummary{AWB: awb, Status: sh.Status, LastSyncAt: sh.LastSyncAt})
	}
	return out, nil
}

func (r *memRepo) get(awb string) *models.Shipment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.byAWB[awb])
}

func clone(sh *models.Shipment) *models.Shipment {
	c := *sh
	c.TrackingHistory = append([]models.TrackingEvent(nil), sh.TrackingHistory...)
	return &c
}

func ptr(s string) *string { return &s }
