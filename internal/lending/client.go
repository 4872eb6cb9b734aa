// Package lending is the BFF's client for the lending API. Every request is
// resolved through the indexed OpenAPI contract, validated against the
// operation's request schema, and sent through a circuit breaker with the
// staff member's bearer token forwarded.
package lending

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/backoffice/internal/config"
	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/openapi"
	"github.com/pitabwire/backoffice/model"
)

// ServiceID is the id the lending API contract is indexed under.
const ServiceID = "lending"

// Operation ids of the lending API contract.
const (
	OpGetUser              = "getUser"
	OpUpdateBankAccount    = "updateBankAccount"
	OpPatchIdentity        = "patchIdentity"
	OpCreateRiskAssessment = "createRiskAssessment"
	OpUpdateRiskAssessment = "updateRiskAssessment"
	OpAdvanceOnboarding    = "advanceOnboarding"
)

// Operations lists every operation the client depends on.
var Operations = []string{
	OpGetUser,
	OpUpdateBankAccount,
	OpPatchIdentity,
	OpCreateRiskAssessment,
	OpUpdateRiskAssessment,
	OpAdvanceOnboarding,
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Client calls the lending API.
type Client struct {
	index   *openapi.Index
	http    *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	users   singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMetrics records backend request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a lending API client. It fails if the index does not
// hold every operation in Operations.
func NewClient(idx *openapi.Index, cfg config.LendingConfig, opts ...Option) (*Client, error) {
	if err := idx.Require(ServiceID, Operations...); err != nil {
		return nil, fmt.Errorf("lending: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := cfg.CircuitBreaker
	c := &Client{
		index: idx,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout,
			cb.ErrorRateThreshold, cb.ErrorRateWindow),
		retry:  cfg.Retry,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.metrics.SetBackendCircuitBreakerState(ServiceID, breakerGauge(BreakerClosed))
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(ServiceID, breakerGauge(s))
		c.logger.Warn("lending: circuit breaker state changed", zap.String("state", s.String()))
	})
	return c, nil
}

// breakerGauge maps a breaker state to the gauge encoding
// (0=closed, 1=half-open, 2=open).
func breakerGauge(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// HealthCheck reports an error while the circuit breaker is open.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// GetUser fetches a customer record. Concurrent fetches of the same customer
// made with the same credentials share one request. The shared request is
// bounded by the client timeout rather than by any one caller's context; a
// caller whose context ends stops waiting with a timeout error.
func (c *Client) GetUser(ctx context.Context, rctx *model.RequestContext, userID string) (*model.Customer, error) {
	key := strings.Join([]string{rctx.TenantID, rctx.SubjectID, rctx.Token, userID}, "\x00")
	ch := c.users.DoChan(key, func() (any, error) {
		var cust model.Customer
		err := c.call(context.WithoutCancel(ctx), rctx, OpGetUser, map[string]string{"id": userID}, nil, &cust)
		return cust, err
	})

	select {
	case <-ctx.Done():
		return nil, model.NewBackendTimeoutError()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cust := res.Val.(model.Customer)
		return &cust, nil
	}
}

// verification is the body of the bank account and identity updates.
type verification struct {
	Verified  bool   `json:"verified"`
	UpdatedBy string `json:"updatedBy"`
}

// UpdateBankAccount records whether the bank account on file was verified.
func (c *Client) UpdateBankAccount(ctx context.Context, rctx *model.RequestContext, bankAccountID string, verified bool) error {
	return c.call(ctx, rctx, OpUpdateBankAccount, map[string]string{"id": bankAccountID},
		verification{Verified: verified, UpdatedBy: rctx.Actor()}, nil)
}

// PatchIdentity records whether the customer's identity was verified.
func (c *Client) PatchIdentity(ctx context.Context, rctx *model.RequestContext, identityID string, verified bool) error {
	return c.call(ctx, rctx, OpPatchIdentity, map[string]string{"id": identityID},
		verification{Verified: verified, UpdatedBy: rctx.Actor()}, nil)
}

type resource struct {
	ID string `json:"id"`
}

// CreateRiskAssessment creates a risk assessment and returns its id.
func (c *Client) CreateRiskAssessment(ctx context.Context, rctx *model.RequestContext, ra model.RiskAssessment) (string, error) {
	if ra.UpdatedBy == "" {
		ra.UpdatedBy = rctx.Actor()
	}
	var out resource
	if err := c.call(ctx, rctx, OpCreateRiskAssessment, nil, ra, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("lending: %s returned no id", OpCreateRiskAssessment)
	}
	return out.ID, nil
}

// UpdateRiskAssessment updates an existing risk assessment and returns its id.
func (c *Client) UpdateRiskAssessment(ctx context.Context, rctx *model.RequestContext, id string, ra model.RiskAssessment) (string, error) {
	if ra.UpdatedBy == "" {
		ra.UpdatedBy = rctx.Actor()
	}
	var out resource
	if err := c.call(ctx, rctx, OpUpdateRiskAssessment, map[string]string{"id": id}, ra, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return id, nil
	}
	return out.ID, nil
}

// AdvanceOnboarding moves the customer's server-side onboarding forward.
func (c *Client) AdvanceOnboarding(ctx context.Context, rctx *model.RequestContext, userID string, adv model.OnboardingAdvance) error {
	if adv.UpdatedBy == "" {
		adv.UpdatedBy = rctx.Actor()
	}
	return c.call(ctx, rctx, OpAdvanceOnboarding, map[string]string{"userId": userID}, adv, nil)
}

// response is a raw lending API response.
type response struct {
	status int
	body   []byte
}

// call performs one contract operation and decodes a successful JSON
// response into out when out is non-nil.
func (c *Client) call(ctx context.Context, rctx *model.RequestContext, operationID string,
	pathParams map[string]string, body any, out any) (err error) {
	op, ok := c.index.GetOperation(ServiceID, operationID)
	if !ok {
		return fmt.Errorf("lending: operation %s not found in OpenAPI index", operationID)
	}

	var bodyBytes []byte
	if body != nil {
		if verrs := c.index.ValidateRequest(ServiceID, operationID, body); len(verrs) > 0 {
			return contractError(verrs)
		}
		if bodyBytes, err = json.Marshal(body); err != nil {
			return fmt.Errorf("lending: marshal %s body: %w", operationID, err)
		}
	}

	ctx, span := observability.StartSpan(ctx, "lending."+operationID,
		observability.AttrServiceID.String(ServiceID),
		observability.AttrOperationID.String(operationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	reqURL := buildRequestURL(op, pathParams)
	headers := buildRequestHeaders(ctx, rctx, op.Method)

	resp, err := c.executeWithRetry(ctx, op, reqURL, headers, bodyBytes)
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return responseError(resp)
	}
	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return fmt.Errorf("lending: decode %s response: %w", operationID, err)
		}
	}
	return nil
}

// executeWithRetry wraps executeOnce with retries for idempotent reads.
// Writes are sent exactly once.
func (c *Client) executeWithRetry(
	ctx context.Context,
	op openapi.IndexedOperation,
	reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (response, error) {
	maxAttempts := 1
	if op.Method == http.MethodGet && c.retry.MaxAttempts > 1 {
		maxAttempts = c.retry.MaxAttempts
	}
	logger := observability.LoggerFrom(ctx, c.logger)

	var (
		lastErr  error
		lastResp response
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(ServiceID)
			select {
			case <-ctx.Done():
				return response{}, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		resp, err := c.executeOnce(ctx, op, reqURL, headers, bodyBytes)
		if err != nil {
			lastErr = err
			if !isRetryableError(err) || c.breaker.State() == BreakerOpen {
				return response{}, err
			}
			logger.Debug("lending: retrying after error",
				zap.String("operation_id", op.OperationID),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(resp.status) && attempt < maxAttempts-1 {
			lastResp, lastErr = resp, nil
			logger.Debug("lending: retrying after status",
				zap.String("operation_id", op.OperationID),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Int("status", resp.status),
			)
			continue
		}
		return resp, nil
	}

	if lastErr != nil {
		return response{}, lastErr
	}
	return lastResp, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (c *Client) executeOnce(
	ctx context.Context,
	op openapi.IndexedOperation,
	reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (response, error) {
	if err := c.breaker.Allow(); err != nil {
		return response{}, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, body)
	if err != nil {
		return response{}, fmt.Errorf("lending: build request: %w", err)
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(ServiceID, op.OperationID, 0, time.Since(start))
		return response{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(ServiceID, op.OperationID, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return response{}, transportError(ctx, err)
	}

	// 4xx are the lending API's answer, not an infrastructure failure.
	if isServerError(resp.StatusCode) {
		c.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		c.breaker.RecordSuccess()
	}
	return response{status: resp.StatusCode, body: respBody}, nil
}

// --- URL and header building ---

func buildRequestURL(op openapi.IndexedOperation, pathParams map[string]string) string {
	path := op.PathTemplate
	for name, value := range pathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	return op.BaseURL + path
}

func buildRequestHeaders(ctx context.Context, rctx *model.RequestContext, method string) http.Header {
	h := make(http.Header)

	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
	}

	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// --- error mapping ---

// errorEnvelope is the lending API's error body.
type errorEnvelope struct {
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
}

// responseError converts a 4xx/5xx response into an error envelope. Error
// titles from the lending API are surfaced verbatim.
func responseError(resp response) error {
	var env errorEnvelope
	_ = json.Unmarshal(resp.body, &env)

	var titles []string
	for _, e := range env.Errors {
		if t := strings.TrimSpace(e.Title); t != "" {
			titles = append(titles, t)
		}
	}

	switch {
	case len(titles) > 0:
		return model.NewBackendRejectedError(titles)
	case resp.status == http.StatusNotFound:
		return model.NewNotFoundError("The requested lending record was not found")
	case isServerError(resp.status):
		return model.NewBackendUnavailableError()
	default:
		return model.NewBackendRejectedError(nil)
	}
}

// contractError converts request schema violations into a validation error.
func contractError(verrs []openapi.ValidationError) error {
	details := make([]model.FieldError, 0, len(verrs))
	for _, v := range verrs {
		details = append(details, model.FieldError{
			Field:   v.Field,
			Code:    model.FieldInvalid,
			Message: v.Message,
		})
	}
	return model.NewValidationError(details)
}

// transportError classifies a failed round trip as a timeout or an
// unavailable backend.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.NewBackendTimeoutError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError()
	}
	return model.NewBackendUnavailableError()
}

// --- classification helpers ---

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a failed attempt may be retried. Only
// connection failures are; timeouts are final.
func isRetryableError(err error) bool {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == model.ErrBackendUnavailable
	}
	return false
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
