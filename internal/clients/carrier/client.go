package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/draymark/shipflow-backend/internal/apperr"
	"github.com/draymark/shipflow-backend/internal/logger"
	"github.com/draymark/shipflow-backend/internal/pkg/httpx"
	"github.com/draymark/shipflow-backend/internal/types"
	"github.com/draymark/shipflow-backend/internal/utils"
)

type Client interface {
	CreateShipment(ctx context.Context, req ShipmentRequest, idempotencyKey string) (*ShipmentResult, error)
	GetRate(ctx context.Context, req RateRequest) (*Rate, error)
	ShopRates(ctx context.Context, req RateRequest) ([]Rate, error)
	ValidateAddress(ctx context.Context, addr types.Address) (*AddressValidation, error)
	VoidShipment(ctx context.Context, shipmentID string) error
	// TrackByReference looks a shipment up by idempotency key or shipment
	// id; recovery uses it to resolve ambiguous outcomes.
	TrackByReference(ctx context.Context, reference string) (*TrackedShipment, error)
}

type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	AccountNumber string
	Timeout       time.Duration
	MaxRetries    int
}

func ConfigFromEnv(log *logger.Logger) Config {
	timeoutSec := utils.GetEnvAsInt("CARRIER_TIMEOUT_SECONDS", 60, log)
	maxRetries := utils.GetEnvAsInt("CARRIER_MAX_RETRIES", 3, log)

	return Config{
		BaseURL:       strings.TrimSpace(os.Getenv("CARRIER_BASE_URL")),
		ClientID:      strings.TrimSpace(os.Getenv("CARRIER_CLIENT_ID")),
		ClientSecret:  strings.TrimSpace(os.Getenv("CARRIER_CLIENT_SECRET")),
		AccountNumber: strings.TrimSpace(os.Getenv("CARRIER_ACCOUNT_NUMBER")),
		Timeout:       time.Duration(timeoutSec) * time.Second,
		MaxRetries:    maxRetries,
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv(log))
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing CARRIER_BASE_URL")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("missing CARRIER_CLIENT_ID / CARRIER_CLIENT_SECRET")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	oauthCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.BaseURL + "/security/v1/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	c := &client{
		log:        log.With("client", "CarrierClient"),
		cfg:        cfg,
		oauthCfg:   oauthCfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
	}
	c.resetTokenSource()
	return c, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	oauthCfg   *clientcredentials.Config
	httpClient *http.Client
	maxRetries int

	tokenMu     sync.Mutex
	tokenSource oauth2.TokenSource
}

// resetTokenSource discards the cached token so the next call performs a
// fresh client-credentials exchange. Called on 401.
func (c *client) resetTokenSource() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	baseCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: c.cfg.Timeout})
	c.tokenSource = oauth2.ReuseTokenSource(nil, c.oauthCfg.TokenSource(baseCtx))
}

func (c *client) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	ts := c.tokenSource
	c.tokenMu.Unlock()
	tok, err := ts.Token()
	if err != nil {
		return "", apperr.Auth(apperr.CodeCarrierAuthFailed, "carrier authentication failed").WithCause(err)
	}
	return tok.AccessToken, nil
}

func (c *client) CreateShipment(ctx context.Context, req ShipmentRequest, idempotencyKey string) (*ShipmentResult, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, apperr.System(apperr.CodeMappingError, "idempotency key required")
	}
	endpoint := c.cfg.BaseURL + "/api/shipments/v1/ship"
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	var envelope shipmentEnvelope
	if err := c.doJSON(ctx, http.MethodPost, endpoint, headers, shipmentWire{Account: c.cfg.AccountNumber, Shipment: req}, &envelope); err != nil {
		return nil, err
	}
	return envelope.normalize()
}

func (c *client) GetRate(ctx context.Context, req RateRequest) (*Rate, error) {
	endpoint := c.cfg.BaseURL + "/api/rating/v1/rate"
	var envelope rateEnvelope
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, rateWire{Account: c.cfg.AccountNumber, Rate: req}, &envelope); err != nil {
		return nil, err
	}
	rates := envelope.normalize()
	if len(rates) == 0 {
		return nil, apperr.Carrier(apperr.CodeCarrierUnknown, "carrier returned no rate")
	}
	return &rates[0], nil
}

func (c *client) ShopRates(ctx context.Context, req RateRequest) ([]Rate, error) {
	endpoint := c.cfg.BaseURL + "/api/rating/v1/shop"
	var envelope rateEnvelope
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, rateWire{Account: c.cfg.AccountNumber, Rate: req}, &envelope); err != nil {
		return nil, err
	}
	return envelope.normalize(), nil
}

func (c *client) ValidateAddress(ctx context.Context, addr types.Address) (*AddressValidation, error) {
	endpoint := c.cfg.BaseURL + "/api/addressvalidation/v1/validate"
	var envelope addressEnvelope
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, map[string]any{"address": addr}, &envelope); err != nil {
		return nil, err
	}
	return envelope.normalize(), nil
}

func (c *client) VoidShipment(ctx context.Context, shipmentID string) error {
	if strings.TrimSpace(shipmentID) == "" {
		return apperr.System(apperr.CodeMappingError, "shipment id required")
	}
	endpoint := fmt.Sprintf("%s/api/shipments/v1/void/%s", c.cfg.BaseURL, url.PathEscape(shipmentID))
	return c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil, &struct{}{})
}

func (c *client) TrackByReference(ctx context.Context, reference string) (*TrackedShipment, error) {
	endpoint := fmt.Sprintf("%s/api/shipments/v1/lookup?reference=%s", c.cfg.BaseURL, url.QueryEscape(reference))
	var envelope shipmentEnvelope
	err := c.doJSON(ctx, http.MethodGet, endpoint, nil, nil, &envelope)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return &TrackedShipment{Found: false}, nil
		}
		return nil, err
	}
	result, nErr := envelope.normalize()
	if nErr != nil {
		return nil, nErr
	}
	return &TrackedShipment{
		Found:           true,
		ShipmentID:      result.ShipmentID,
		TrackingNumbers: result.TrackingNumbers,
		LabelBase64:     result.LabelBase64,
		TotalMinorUnits: result.TotalMinorUnits,
		Currency:        result.Currency,
		Breakdown:       result.Breakdown,
	}, nil
}

// doJSON performs one logical call with auth, bounded-jitter retry on
// transport errors and retryable statuses, and a single forced token
// refresh on 401. 4xx responses are never retried.
func (c *client) doJSON(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) error {
	backoff := 1 * time.Second
	refreshed := false

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := c.doOnce(ctx, method, endpoint, headers, body, out)
		if err == nil {
			return nil
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.log.Debug("Carrier token rejected, refreshing", "url", endpoint)
			c.resetTokenSource()
			continue
		}

		var ae *apperr.AppError
		if errors.As(err, &ae) && ae.Category == apperr.CategoryAuth {
			return err
		}

		if !httpx.IsRetryableError(err) || attempt >= c.maxRetries {
			if httpErr != nil {
				return Translate(httpErr)
			}
			if ae != nil {
				return err
			}
			return apperr.Carrier(apperr.CodeCarrierUnavailable, "carrier unreachable").WithCause(err)
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Carrier request retrying",
			"url", endpoint,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}
}

func (c *client) doOnce(ctx context.Context, method, endpoint string, headers map[string]string, body any, out any) (*http.Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		raw, mErr := json.Marshal(body)
		if mErr != nil {
			return nil, apperr.System(apperr.CodeMappingError, "encode carrier request").WithCause(mErr)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AccountNumber != "" {
		req.Header.Set("AccountNumber", c.cfg.AccountNumber)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resp, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope apiErrorEnvelope
		if json.Unmarshal(raw, &envelope) == nil && len(envelope.Errors) > 0 {
			return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw), APIErrors: envelope.Errors}
		}
		return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if len(raw) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp, fmt.Errorf("carrier decode error: %w", err)
	}
	return resp, nil
}
