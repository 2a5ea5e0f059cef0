package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"settlement-engine/config"
	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// HTTPClient is the subset of *http.Client the gateway needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.PaymentGateway over the gateway's JSON/REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    HTTPClient
	log     zerolog.Logger
}

// NewClient creates a gateway client. A nil httpClient gets a client with cfg.Timeout.
func NewClient(cfg config.GatewayConfig, httpClient HTTPClient, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		log:     log,
	}
}

// intentObject is the gateway's representation of a payment intent.
type intentObject struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         domain.Amount     `json:"amount"`
	AmountReceived domain.Amount     `json:"amount_received"`
	Currency       string            `json:"currency"`
	ClientSecret   *string           `json:"client_secret"`
	ReceiptEmail   *string           `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
	Created        int64             `json:"created"`
}

// snapshot converts the gateway object into the engine's intent snapshot.
// occurredAt overrides the object's creation time when set.
func (o intentObject) snapshot(occurredAt time.Time) (*domain.IntentSnapshot, error) {
	invoiceID, err := uuid.Parse(o.Metadata["invoice_id"])
	if err != nil {
		return nil, fmt.Errorf("intent %s: metadata.invoice_id: %w", o.ID, err)
	}
	currency, err := domain.ParseCurrency(o.Currency)
	if err != nil {
		return nil, fmt.Errorf("intent %s: %w", o.ID, err)
	}
	status := mapIntentStatus(o.Status)
	if !status.IsValid() {
		return nil, fmt.Errorf("intent %s: unknown status %q", o.ID, o.Status)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Unix(o.Created, 0).UTC()
	}
	return &domain.IntentSnapshot{
		IntentID:       o.ID,
		InvoiceID:      invoiceID,
		Amount:         o.Amount,
		AmountReceived: o.AmountReceived,
		Currency:       currency,
		Status:         status,
		ClientSecret:   o.ClientSecret,
		ReceiptEmail:   o.ReceiptEmail,
		OccurredAt:     occurredAt,
	}, nil
}

func mapIntentStatus(s string) domain.PaymentIntentStatus {
	switch s {
	case "requires_payment_method":
		return domain.IntentRequiresAction
	case "requires_capture":
		return domain.IntentProcessing
	default:
		return domain.PaymentIntentStatus(s)
	}
}

type createIntentBody struct {
	Amount       domain.Amount     `json:"amount"`
	Currency     string            `json:"currency"`
	ReceiptEmail *string           `json:"receipt_email,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

// CreateIntent creates a payment intent for an invoice.
func (c *Client) CreateIntent(ctx context.Context, req ports.CreateIntentRequest) (*domain.IntentSnapshot, error) {
	body := createIntentBody{
		Amount:       req.Amount,
		Currency:     string(req.Currency),
		ReceiptEmail: req.ReceiptEmail,
		Metadata:     map[string]string{"invoice_id": req.InvoiceID.String()},
	}

	var obj intentObject
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", req.IdempotencyKey, body, &obj); err != nil {
		return nil, err
	}
	return c.toSnapshot(obj)
}

// RetrieveIntent fetches the current state of an intent.
func (c *Client) RetrieveIntent(ctx context.Context, intentID string) (*domain.IntentSnapshot, error) {
	var obj intentObject
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), "", nil, &obj); err != nil {
		return nil, err
	}
	return c.toSnapshot(obj)
}

// ConfirmIntent confirms an intent that requires confirmation.
func (c *Client) ConfirmIntent(ctx context.Context, intentID string, idempotencyKey string) (*domain.IntentSnapshot, error) {
	var obj intentObject
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, struct{}{}, &obj); err != nil {
		return nil, err
	}
	return c.toSnapshot(obj)
}

type chargeBody struct {
	Amount   domain.Amount     `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type chargeObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ChargeFee charges the platform fee of an order.
func (c *Client) ChargeFee(ctx context.Context, req ports.ChargeFeeRequest) (*ports.FeeCharge, error) {
	body := chargeBody{
		Amount:   req.Amount,
		Currency: string(req.Currency),
		Metadata: map[string]string{"order_id": req.OrderID.String()},
	}

	var obj chargeObject
	if err := c.do(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, body, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, apperror.ErrGatewayUnavailable(errors.New("charge response without id"))
	}
	if obj.Status == "failed" {
		return nil, apperror.Validation("gateway declined fee charge for order " + req.OrderID.String())
	}
	return &ports.FeeCharge{ChargeID: obj.ID}, nil
}

type drainBody struct {
	Currency string `json:"currency"`
}

type internalTransferObject struct {
	ID     string        `json:"id"`
	Amount domain.Amount `json:"amount"`
}

// DrainAccount sweeps the balance of a pooled account into the main account
// of its currency. A zero balance is a valid drain of amount 0.
func (c *Client) DrainAccount(ctx context.Context, req ports.DrainAccountRequest) (*ports.AccountTransfer, error) {
	var obj internalTransferObject
	path := "/v1/accounts/" + url.PathEscape(req.AccountID.String()) + "/drain"
	body := drainBody{Currency: string(req.Currency)}
	if err := c.do(ctx, http.MethodPost, path, req.IdempotencyKey, body, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" {
		return nil, apperror.ErrGatewayUnavailable(errors.New("drain response without id"))
	}
	return &ports.AccountTransfer{TransferID: obj.ID, Amount: obj.Amount}, nil
}

func (c *Client) toSnapshot(obj intentObject) (*domain.IntentSnapshot, error) {
	snap, err := obj.snapshot(time.Now().UTC())
	if err != nil {
		return nil, apperror.ErrGatewayUnavailable(err)
	}
	return snap, nil
}

// do sends a JSON request and decodes a 2xx JSON response into out.
// Transport failures and 5xx responses are transient; 4xx responses are not.
func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return apperror.InternalError(fmt.Errorf("encode gateway request: %w", err))
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("build gateway request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("gateway request failed")
		return apperror.ErrGatewayUnavailable(err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("gateway request")

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.ErrGatewayUnavailable(fmt.Errorf("decode gateway response: %w", err))
	}
	return nil
}

func classifyStatus(status int, body string) error {
	err := fmt.Errorf("gateway responded %d: %s", status, body)
	switch {
	case status == http.StatusNotFound:
		return apperror.Wrap("STL_004", "Gateway resource not found", http.StatusNotFound, err)
	case status == http.StatusConflict:
		return apperror.Wrap("STL_003", "Gateway reported a conflict", http.StatusConflict, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperror.ErrGatewayUnavailable(err)
	default:
		return apperror.Wrap("STL_002", "Gateway rejected the request", http.StatusBadRequest, err)
	}
}
