package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petalpouches/shipsync/config"
	webhookapi "github.com/petalpouches/shipsync/internal/api/webhook_api"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/services/dispatch"
	"github.com/petalpouches/shipsync/internal/services/shipments"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

type fakeRepo struct{}

func (r *fakeRepo) CreateShipment(ctx context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	return &models.Shipment{ID: "sh-1", AWB: &in.AWB, OrderID: in.OrderID, Status: models.StatusPlaced}, nil
}
func (r *fakeRepo) FindByAWB(ctx context.Context, awb string) (*models.Shipment, error) {
	return &models.Shipment{ID: "sh-1", AWB: &awb, Status: models.StatusInTransit}, nil
}
func (r *fakeRepo) UpdateShipment(ctx context.Context, w models.ShipmentWrite) error { return nil }
func (r *fakeRepo) ListRecentSyncs(ctx context.Context, limit int) ([]models.SyncSummary, error) {
	return []models.SyncSummary{}, nil
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, upd models.StatusUpdate) {}

type fakeConsumer struct {
	mu      sync.Mutex
	started bool
}

func (c *fakeConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConsumer) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func newTestAPI() *webhookapi.API {
	svc := shipments.New(&fakeRepo{}, nil, 0)
	return webhookapi.New(svc, fakeDispatcher{}, "", 5)
}

func TestRunShipSyncAPI_ServesWebhookAndSwagger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan [2]string, 1)
	opts := shipSyncAPIOpts{
		grpcAddr:      "127.0.0.1:0",
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   writeSwagger(t),
		topic:         "delhivery.webhook.received",
		consumerGroup: "g",
		onListen:      func(grpcAddr, httpAddr string) { addrCh <- [2]string{grpcAddr, httpAddr} },
	}

	cons := &fakeConsumer{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- runShipSyncAPI(ctx, opts, newTestAPI(), cons, func(key, value []byte) error { return nil })
	}()
	addrs := <-addrCh
	httpAddr := addrs[1]

	resp, err := http.Get("http://" + httpAddr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"swagger"`)

	resp, err = http.Post("http://"+httpAddr+"/api/webhooks/delhivery", "application/json",
		strings.NewReader(`{"waybill":"AWB1","status":"Picked Up"}`))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true,"message":"Webhook received, processing asynchronously"}`, string(body))

	resp, err = http.Get("http://" + httpAddr + "/api/webhooks/delhivery/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, cons.isStarted, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}

type countingReconciler struct {
	calls atomic.Int32
}

func (r *countingReconciler) Reconcile(ctx context.Context, upd models.StatusUpdate) (shipments.Outcome, error) {
	r.calls.Add(1)
	return shipments.OutcomeApplied, nil
}

type countingDispatcher struct {
	*dispatch.AsyncDispatcher
	dispatched atomic.Int32
}

func (d *countingDispatcher) Dispatch(ctx context.Context, upd models.StatusUpdate) {
	d.dispatched.Add(1)
	d.AsyncDispatcher.Dispatch(ctx, upd)
}

func TestRunShipSyncAPI_FinishesInFlightWebhookOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &countingReconciler{}
	d := &countingDispatcher{AsyncDispatcher: dispatch.NewAsync(rec, time.Second)}
	api := webhookapi.New(shipments.New(&fakeRepo{}, nil, 0), d, "", 5)

	addrCh := make(chan string, 1)
	opts := shipSyncAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
		onListen:    func(_, httpAddr string) { addrCh <- httpAddr },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- runShipSyncAPI(ctx, opts, api, nil, nil)
	}()
	httpAddr := <-addrCh

	// The body arrives in two parts so the request is still being read when
	// shutdown starts.
	pr, pw := io.Pipe()
	statusCh := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+httpAddr+"/api/webhooks/delhivery", "application/json", pr)
		if err != nil {
			statusCh <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		statusCh <- resp.StatusCode
	}()
	_, err := pw.Write([]byte(`{"waybill":"AWB1",`))
	require.NoError(t, err)

	cancel()
	select {
	case err := <-errCh:
		t.Fatalf("returned before the in-flight request finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = pw.Write([]byte(`"status":"In Transit"}`))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.Equal(t, http.StatusOK, <-statusCh)

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.EqualValues(t, 1, d.dispatched.Load())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, d.Wait(waitCtx))
	require.EqualValues(t, 1, rec.calls.Load())
}

func TestRunShipSyncAPI_GRPCHealthServing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	opts := shipSyncAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
		onListen:    func(grpcAddr, _ string) { addrCh <- grpcAddr },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- runShipSyncAPI(ctx, opts, newTestAPI(), nil, nil) }()

	conn, err := grpc.NewClient(<-addrCh, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
	defer ccancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(cctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	require.Error(t, <-errCh)
}

func TestRunShipSyncAPI_RequiresSwagger(t *testing.T) {
	err := runShipSyncAPI(context.Background(), shipSyncAPIOpts{}, newTestAPI(), nil, nil)
	require.Error(t, err)

	err = runShipSyncAPI(context.Background(), shipSyncAPIOpts{swaggerPath: "/nope/swagger.json"}, newTestAPI(), nil, nil)
	require.Error(t, err)
}

func TestRunShipSyncAPI_ListenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	err = runShipSyncAPI(context.Background(), shipSyncAPIOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    busy.Addr().String(),
		swaggerPath: writeSwagger(t),
	}, newTestAPI(), nil, nil)
	require.Error(t, err)
}

func TestAPISettingsFromConfig(t *testing.T) {
	s, err := apiSettingsFromConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, dispatch.ModeAsync, s.mode)
	require.Equal(t, ":8080", s.httpAddr)
	require.Equal(t, ":50051", s.grpcAddr)
	require.Equal(t, "delhivery.webhook.received", s.webhookTopic)
	require.Equal(t, "shipment.status_changed", s.statusTopic)
	require.Equal(t, dispatch.DefaultTimeout, s.reconcileTimeout)
	require.Equal(t, 5, s.recentLimit)

	_, err = apiSettingsFromConfig(&config.Config{ShipSync: config.ShipSyncConfig{DispatchMode: "carrier-pigeon"}})
	require.Error(t, err)
}

func TestAPISettingsFromConfig_RequireSignature(t *testing.T) {
	_, err := apiSettingsFromConfig(&config.Config{Delhivery: config.DelhiveryConfig{RequireSignature: true}})
	require.Error(t, err)

	_, err = apiSettingsFromConfig(&config.Config{Delhivery: config.DelhiveryConfig{RequireSignature: true, WebhookSecret: "s"}})
	require.NoError(t, err)
}
