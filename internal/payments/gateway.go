package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cast"

	"depanne-service/pkg/apperr"
)

// GatewayStatus is the gateway's normalised verdict on a transaction.
type GatewayStatus string

const (
	GatewayAccepted GatewayStatus = "ACCEPTED"
	GatewayRefused  GatewayStatus = "REFUSED"
	GatewayPending  GatewayStatus = "PENDING"
)

// InitRequest asks the gateway to open a checkout.
type InitRequest struct {
	TransactionID  string
	Amount         int64
	Currency       string
	Description    string
	CustomerID     string
	DurationMonths int
}

// InitResult is the gateway's answer to an initiation.
type InitResult struct {
	PaymentURL   string
	PaymentToken string
}

// StatusResult is the gateway's view of a transaction.
type StatusResult struct {
	Status   GatewayStatus
	Amount   int64
	Currency string
}

// Gateway is the payment provider. Callers trust only Status, never the
// callback body.
type Gateway interface {
	Initiate(ctx context.Context, req InitRequest) (*InitResult, error)
	Status(ctx context.Context, transactionID string) (*StatusResult, error)
}

// GatewayConfig configures HTTPGateway.
type GatewayConfig struct {
	BaseURL   string
	APIKey    string
	SiteID    string
	NotifyURL string
	ReturnURL string
	Timeout   time.Duration
	Retries   uint64
}

// HTTPGateway talks to the provider's JSON API. Calls are idempotent by
// transaction id, so transport failures and 5xx responses are retried with
// exponential backoff; 4xx responses are not.
type HTTPGateway struct {
	cfg    GatewayConfig
	client *http.Client
	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(cfg GatewayConfig) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	g := &HTTPGateway{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
	g.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxElapsedTime = 0
		return b
	}
	return g
}

type initPayload struct {
	APIKey        string `json:"apikey"`
	SiteID        string `json:"site_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	NotifyURL     string `json:"notify_url"`
	ReturnURL     string `json:"return_url"`
	CustomerID    string `json:"customer_id"`
	Metadata      string `json:"metadata"`
}

type initResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		PaymentURL   string `json:"payment_url"`
		PaymentToken string `json:"payment_token"`
	} `json:"data"`
}

func (g *HTTPGateway) Initiate(ctx context.Context, req InitRequest) (*InitResult, error) {
	meta, _ := json.Marshal(map[string]any{
		"principal_id":    req.CustomerID,
		"duration_months": req.DurationMonths,
	})
	body, err := json.Marshal(initPayload{
		APIKey:        g.cfg.APIKey,
		SiteID:        g.cfg.SiteID,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		NotifyURL:     g.cfg.NotifyURL,
		ReturnURL:     g.cfg.ReturnURL,
		CustomerID:    req.CustomerID,
		Metadata:      string(meta),
	})
	if err != nil {
		return nil, err
	}

	var resp initResponse
	err = g.do(ctx, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/payment", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		return r, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Code != "201" || resp.Data.PaymentURL == "" {
		return nil, apperr.New(apperr.KindGatewayUnavailable, "gateway refused initiation (code %s: %s)", resp.Code, resp.Message)
	}
	return &InitResult{PaymentURL: resp.Data.PaymentURL, PaymentToken: resp.Data.PaymentToken}, nil
}

type statusResponse struct {
	Status   string `json:"status"`
	Amount   any    `json:"amount"`
	Currency string `json:"currency"`
}

func (g *HTTPGateway) Status(ctx context.Context, transactionID string) (*StatusResult, error) {
	var resp statusResponse
	err := g.do(ctx, func() (*http.Request, error) {
		q := url.Values{"transaction_id": {transactionID}}
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/status?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		return r, nil
	}, &resp)
	if err != nil {
		return nil, err
	}
	// Some gateways send the amount as a string.
	amount, err := cast.ToInt64E(resp.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayUnavailable, err, "unreadable gateway amount")
	}
	return &StatusResult{Status: NormalizeStatus(resp.Status), Amount: amount, Currency: resp.Currency}, nil
}

// NormalizeStatus maps provider wording onto the three verdicts.
func NormalizeStatus(s string) GatewayStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPTED", "SUCCESS", "SUCCEEDED":
		return GatewayAccepted
	case "REFUSED", "FAILED", "CANCELLED", "CANCELED":
		return GatewayRefused
	default:
		return GatewayPending
	}
}

func (g *HTTPGateway) do(ctx context.Context, build func() (*http.Request, error), out any) error {
	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("gateway %s: status %d", req.URL.Path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("gateway %s: status %d: %s", req.URL.Path, resp.StatusCode, data))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("gateway %s: decode: %w", req.URL.Path, err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.newBackOff(), g.cfg.Retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return apperr.Wrap(apperr.KindGatewayUnavailable, err, "payment gateway unavailable")
	}
	return nil
}
