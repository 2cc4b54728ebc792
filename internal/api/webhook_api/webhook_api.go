package webhook_api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/petalpouches/shipsync/internal/models"
	"github.com/petalpouches/shipsync/internal/services/shipments"
	"github.com/petalpouches/shipsync/internal/storage/pgshipments"
	"github.com/petalpouches/shipsync/internal/webhook/signature"
	"github.com/pkg/errors"
)

const (
	msgAccepted      = "Webhook received, processing asynchronously"
	msgBadSignature  = "Invalid webhook signature"
	msgMissingFields = "Missing required fields: waybill and status are required"
	msgInvalidJSON   = "Invalid JSON payload"
	msgInternal      = "Internal server error"

	maxBodyBytes = 1 << 20
)

type Service interface {
	RegisterShipment(ctx context.Context, orderID, awb string) (*models.Shipment, error)
	GetShipmentByAWB(ctx context.Context, awb string) (*models.Shipment, error)
	HealthSummary(ctx context.Context, limit int) (shipments.HealthReport, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, upd models.StatusUpdate)
}

type API struct {
	svc         Service
	dispatcher  Dispatcher
	secret      string
	recentLimit int
	now         func() time.Time
}

func New(svc Service, d Dispatcher, secret string, recentLimit int) *API {
	if recentLimit <= 0 {
		recentLimit = 5
	}
	return &API{svc: svc, dispatcher: d, secret: secret, recentLimit: recentLimit, now: time.Now}
}

func (a *API) Routes(r chi.Router) {
	r.Post("/api/webhooks/delhivery", a.handleWebhook)
	r.Get("/api/webhooks/delhivery/health", a.handleHealth)

	r.Post("/api/shipments", a.handleRegister)
	r.Get("/api/shipments/statuses", a.handleStatuses)
	r.Get("/api/shipments/{awb}", a.handleGetShipment)
}

type webhookPayload struct {
	Waybill              string `json:"waybill"`
	Status               string `json:"status"`
	StatusDateTime       string `json:"status_datetime"`
	Location             string `json:"location"`
	ExpectedDeliveryDate string `json:"expected_delivery_date"`
	Remarks              string `json:"remarks"`
}

func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	acked := false
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("webhook handler panicked", "panic", fmt.Sprint(rec), "acked", acked)
			if !acked {
				writeError(w, http.StatusInternalServerError, msgInternal)
			}
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		slog.Error("read webhook body", "error", err.Error())
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if !signature.Verify(body, r.Header.Get(signature.HeaderName), a.secret) {
		writeError(w, http.StatusUnauthorized, msgBadSignature)
		return
	}

	// An empty body is an empty object, so it fails the field check below.
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		slog.Warn("malformed webhook payload", "error", err.Error())
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	p.Waybill = strings.TrimSpace(p.Waybill)
	if p.Waybill == "" || strings.TrimSpace(p.Status) == "" {
		writeError(w, http.StatusBadRequest, msgMissingFields)
		return
	}

	slog.Info("delhivery webhook received", "awb", p.Waybill, "status", p.Status)

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msgAccepted})
	acked = true
	_ = http.NewResponseController(w).Flush()

	a.dispatcher.Dispatch(r.Context(), models.StatusUpdate{
		TrackingNumber:       p.Waybill,
		RawStatus:            p.Status,
		OccurredAt:           p.StatusDateTime,
		Location:             p.Location,
		Remarks:              p.Remarks,
		ExpectedDeliveryDate: p.ExpectedDeliveryDate,
		Source:               models.SourceWebhook,
		ReceivedAt:           a.now().UTC(),
	})
}

type syncItem struct {
	AWB        string        `json:"awb"`
	Status     models.Status `json:"status"`
	LastSyncAt *time.Time    `json:"last_sync_at"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.HealthSummary(r.Context(), a.recentLimit)
	if err != nil {
		slog.Error("webhook health", "error", err.Error())
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	recent := make([]syncItem, 0, len(rep.RecentSyncs))
	for _, s := range rep.RecentSyncs {
		recent = append(recent, syncItem{AWB: s.AWB, Status: s.Status, LastSyncAt: s.LastSyncAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "Delhivery webhook endpoint is active",
		"timestamp":    a.now().UTC().Format(time.RFC3339),
		"recent_syncs": recent,
		"last_sync":    rep.LastSync,
	})
}

type registerRequest struct {
	OrderID string `json:"order_id"`
	AWB     string `json:"awb"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || strings.TrimSpace(req.AWB) == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: order_id and awb are required")
		return
	}

	sh, err := a.svc.RegisterShipment(r.Context(), req.OrderID, req.AWB)
	if err != nil {
		slog.Error("register shipment", "awb", req.AWB, "error", err.Error())
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusCreated, shipmentView(sh))
}

func (a *API) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	awb := chi.URLParam(r, "awb")
	sh, err := a.svc.GetShipmentByAWB(r.Context(), awb)
	if errors.Is(err, pgshipments.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Shipment not found")
		return
	}
	if err != nil {
		slog.Error("get shipment", "awb", awb, "error", err.Error())
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, http.StatusOK, shipmentView(sh))
}

func (a *API) handleStatuses(w http.ResponseWriter, r *http.Request) {
	out := make([]models.StatusDisplay, 0, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		out = append(out, models.Display(st))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Progress < out[j].Progress })
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "statuses": out})
}

func shipmentView(sh *models.Shipment) map[string]any {
	return map[string]any{
		"success":        true,
		"shipment":       sh,
		"status_display": models.Display(sh.Status),
		"is_terminal":    models.IsTerminal(sh.Status),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
