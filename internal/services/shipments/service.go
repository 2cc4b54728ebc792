package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petalpouches/shipsync/internal/cache"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/services/planner"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error)
	FindByAWB(ctx context.Context, awb string) (*models.Shipment, error)
	UpdateShipment(ctx context.Context, w models.ShipmentWrite) error
	ListRecentSyncs(ctx context.Context, limit int) ([]models.SyncSummary, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration

	publisher   Publisher
	statusTopic string

	planner     *planner.Planner
	maxAttempts int
	now         func() time.Time
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{
		repo:        repo,
		cache:       c,
		currentTTL:  currentTTL,
		planner:     planner.Default(),
		maxAttempts: 3,
		now:         time.Now,
	}
}

// WithPublisher enables shipment.status_changed events.
func (s *Service) WithPublisher(p Publisher, topic string) *Service {
	s.publisher = p
	s.statusTopic = topic
	return s
}

func (s *Service) WithPlanner(p *planner.Planner) *Service {
	if p != nil {
		s.planner = p
	}
	return s
}

func (s *Service) RegisterShipment(ctx context.Context, orderID, awb string) (*models.Shipment, error) {
	orderID = strings.TrimSpace(orderID)
	awb = strings.TrimSpace(awb)
	if orderID == "" {
		return nil, errors.New("order_id is required")
	}
	if awb == "" {
		return nil, errors.New("awb is required")
	}

	sh, err := s.repo.CreateShipment(ctx, models.ShipmentCreateInput{OrderID: orderID, AWB: awb})
	if err != nil {
		return nil, err
	}
	s.dropCache(ctx, awb)
	return sh, nil
}

// GetShipmentByAWB reads through the current-shipment cache.
func (s *Service) GetShipmentByAWB(ctx context.Context, awb string) (*models.Shipment, error) {
	if awb == "" {
		return nil, errors.New("awb is required")
	}

	if s.cacheEnabled() {
		b, ok, err := s.cache.Get(ctx, currentKey(awb))
		if err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}

	sh, err := s.repo.FindByAWB(ctx, awb)
	if err != nil {
		return nil, err
	}
	s.storeCache(ctx, sh)
	return sh, nil
}

type HealthReport struct {
	RecentSyncs []models.SyncSummary
	LastSync    *time.Time
}

func (s *Service) HealthSummary(ctx context.Context, limit int) (HealthReport, error) {
	recent, err := s.repo.ListRecentSyncs(ctx, limit)
	if err != nil {
		return HealthReport{}, err
	}

	rep := HealthReport{RecentSyncs: recent}
	for _, r := range recent {
		if r.LastSyncAt == nil {
			continue
		}
		if rep.LastSync == nil || r.LastSyncAt.After(*rep.LastSync) {
			t := *r.LastSyncAt
			rep.LastSync = &t
		}
	}
	return rep, nil
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func (s *Service) storeCache(ctx context.Context, sh *models.Shipment) {
	if !s.cacheEnabled() || sh == nil || sh.AWB == nil {
		return
	}
	b, err := json.Marshal(sh)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, currentKey(*sh.AWB), b, s.currentTTL); err != nil {
		slog.Warn("cache shipment", "awb", *sh.AWB, "error", err.Error())
	}
}

func (s *Service) dropCache(ctx context.Context, awb string) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.Delete(ctx, currentKey(awb)); err != nil {
		slog.Warn("drop cached shipment", "awb", awb, "error", err.Error())
	}
}

func currentKey(awb string) string {
	return fmt.Sprintf("shipment:%s:current", awb)
}
