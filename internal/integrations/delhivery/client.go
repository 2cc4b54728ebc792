package delhivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/petalpouches/shipsync/internal/integrations/carrier"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://track.delhivery.com"

var ErrNoShipmentData = errors.New("delhivery: no shipment data")

// Client pulls tracking from the Delhivery packages API. Requests are paced
// locally on top of the worker's shared per-minute limit.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second/5), 5),
	}
}

// WithRateLimit replaces the local request pacing. perSecond <= 0 disables it.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	if perSecond <= 0 {
		c.limiter = nil
		return c
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

type packagesResp struct {
	ShipmentData []struct {
		Shipment struct {
			AWB                  string `json:"AWB"`
			ExpectedDeliveryDate string `json:"ExpectedDeliveryDate"`
			Status               struct {
				Status         string `json:"Status"`
				StatusDateTime string `json:"StatusDateTime"`
				StatusLocation string `json:"StatusLocation"`
				Instructions   string `json:"Instructions"`
			} `json:"Status"`
		} `json:"Shipment"`
	} `json:"ShipmentData"`
}

func (c *Client) GetTracking(ctx context.Context, awb string) (carrier.TrackingResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return carrier.TrackingResult{}, errors.Wrap(err, "wait for rate limiter")
		}
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/api/v1/packages/json/"
	q := u.Query()
	q.Set("waybill", awb)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, fmt.Errorf("delhivery http %d", resp.StatusCode)
	}

	var r packagesResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode")
	}
	if len(r.ShipmentData) == 0 {
		return carrier.TrackingResult{}, ErrNoShipmentData
	}

	sh := r.ShipmentData[0].Shipment
	if sh.Status.Status == "" {
		return carrier.TrackingResult{}, ErrNoShipmentData
	}
	return carrier.TrackingResult{
		RawStatus:            sh.Status.Status,
		OccurredAt:           sh.Status.StatusDateTime,
		Location:             sh.Status.StatusLocation,
		Remarks:              sh.Status.Instructions,
		ExpectedDeliveryDate: sh.ExpectedDeliveryDate,
	}, nil
}
