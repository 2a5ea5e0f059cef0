package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"settlement-engine/internal/core/domain"
	"settlement-engine/internal/core/ports"
	"settlement-engine/internal/core/ports/mocks"
	"settlement-engine/internal/service"
	"settlement-engine/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const webhookSecret = "whsec_test"

type testMocks struct {
	invoices *mocks.MockInvoiceService
	payments *mocks.MockPaymentService
	payouts  *mocks.MockPayoutService
	accounts *mocks.MockAccountService
	events   *mocks.MockEventStore
}

func newTestRouter(t *testing.T) (*gin.Engine, *testMocks) {
	ctrl := gomock.NewController(t)
	m := &testMocks{
		invoices: mocks.NewMockInvoiceService(ctrl),
		payments: mocks.NewMockPaymentService(ctrl),
		payouts:  mocks.NewMockPayoutService(ctrl),
		accounts: mocks.NewMockAccountService(ctrl),
		events:   mocks.NewMockEventStore(ctrl),
	}
	r := SetupRouter(RouterDeps{
		InvoiceSvc:    m.invoices,
		PaymentSvc:    m.payments,
		PayoutSvc:     m.payouts,
		AccountSvc:    m.accounts,
		Events:        m.events,
		SigSvc:        service.NewHMACSignatureService(),
		WebhookSecret: webhookSecret,
		SigTolerance:  5 * time.Minute,
		Logger:        zerolog.Nop(),
	})
	return r, m
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	d, ok := decode(t, w)["data"].(map[string]interface{})
	require.True(t, ok, "body: %s", w.Body.String())
	return d
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, w)["error_code"].(string)
	return code
}

// --- Invoice Handler Tests ---

func TestCreateInvoice_Success(t *testing.T) {
	r, m := newTestRouter(t)
	seller := uuid.New()
	invoiceID := uuid.New()

	m.invoices.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req ports.CreateInvoiceRequest) (*ports.InvoiceView, error) {
			assert.Equal(t, domain.CurrencyUSD, req.BuyerCurrency)
			require.Len(t, req.Orders, 1)
			assert.Equal(t, seller, req.Orders[0].SellerID)
			assert.Equal(t, domain.CurrencyEUR, req.Orders[0].SellerCurrency)
			assert.Equal(t, "1001", req.Orders[0].TotalAmount.String())
			assert.Equal(t, "55", req.Orders[0].CashbackAmount.String())
			return &ports.InvoiceView{
				Invoice: domain.Invoice{ID: invoiceID, BuyerCurrency: domain.CurrencyUSD},
				Price:   domain.InvoicePrice{InvoiceID: invoiceID, TotalPrice: domain.NewAmount(1102)},
			}, nil
		})

	body := fmt.Sprintf(`{"buyer_currency":"usd","orders":[{"seller_id":%q,"seller_currency":"EUR","total_amount":"1001","cashback_amount":"55"}]}`, seller)
	w := do(r, http.MethodPost, "/api/v1/invoices", body)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	d := data(t, w)
	assert.Equal(t, invoiceID.String(), d["invoice"].(map[string]interface{})["id"])
	assert.Equal(t, "1102", d["price"].(map[string]interface{})["total_price"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCreateInvoice_ValidationError(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"no orders", `{"buyer_currency":"usd","orders":[]}`},
		{"unknown currency", `{"buyer_currency":"doge","orders":[{"seller_id":"` + uuid.NewString() + `","seller_currency":"usd","total_amount":"1"}]}`},
		{"fractional amount", `{"buyer_currency":"usd","orders":[{"seller_id":"` + uuid.NewString() + `","seller_currency":"usd","total_amount":"1.5"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/invoices", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "STL_002", errorCode(t, w))
		})
	}
}

func TestCreateInvoice_ServiceError(t *testing.T) {
	r, m := newTestRouter(t)
	m.invoices.EXPECT().CreateInvoice(gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrDatabaseError(errors.New("conn refused")))

	body := `{"buyer_currency":"usd","orders":[{"seller_id":"` + uuid.NewString() + `","seller_currency":"usd","total_amount":"100"}]}`
	w := do(r, http.MethodPost, "/api/v1/invoices", body)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "SYS_001", errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "conn refused")
}

func TestGetInvoice(t *testing.T) {
	r, m := newTestRouter(t)
	id := uuid.New()

	m.invoices.EXPECT().GetInvoice(gomock.Any(), id).
		Return(&ports.InvoiceView{Invoice: domain.Invoice{ID: id}}, nil)
	m.invoices.EXPECT().GetInvoice(gomock.Any(), gomock.Not(id)).
		Return(nil, apperror.ErrNotFound("invoice"))

	w := do(r, http.MethodGet, "/api/v1/invoices/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.String(), data(t, w)["invoice"].(map[string]interface{})["id"])

	w = do(r, http.MethodGet, "/api/v1/invoices/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "STL_004", errorCode(t, w))

	w = do(r, http.MethodGet, "/api/v1/invoices/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartPayment(t *testing.T) {
	r, m := newTestRouter(t)
	id := uuid.New()

	m.payments.EXPECT().StartPayment(gomock.Any(), id, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, email *string) (*ports.StartPaymentResult, error) {
			require.NotNil(t, email)
			assert.Equal(t, "buyer@example.com", *email)
			return &ports.StartPaymentResult{IntentID: "pi_1", ClientSecret: "sec", Amount: domain.NewAmount(6000), Currency: domain.CurrencyUSD}, nil
		})
	m.payments.EXPECT().StartPayment(gomock.Any(), id, nil).
		Return(nil, apperror.ErrConflict("invoice already paid"))

	w := do(r, http.MethodPost, "/api/v1/invoices/"+id.String()+"/payments", `{"receipt_email":"buyer@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pi_1", data(t, w)["intent_id"])
	assert.Equal(t, "6000", data(t, w)["amount"])

	// No body at all is allowed.
	w = do(r, http.MethodPost, "/api/v1/invoices/"+id.String()+"/payments", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STL_003", errorCode(t, w))

	w = do(r, http.MethodPost, "/api/v1/invoices/"+id.String()+"/payments", `{"receipt_email":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestRateLock(t *testing.T) {
	r, m := newTestRouter(t)
	orderID := uuid.New()

	m.events.EXPECT().Append(gomock.Any(), &domain.RateLockRequested{OrderID: orderID}, "").Return(int64(41), nil)

	w := do(r, http.MethodPost, "/api/v1/orders/"+orderID.String()+"/rate-lock", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(41), data(t, w)["event_id"])
	assert.Equal(t, orderID.String(), data(t, w)["resource_id"])
}

// --- Payment Handler Tests ---

func TestConfirmAndRefreshPayment(t *testing.T) {
	r, m := newTestRouter(t)
	snap := &domain.IntentSnapshot{IntentID: "pi_1", Status: domain.IntentSucceeded}

	m.payments.EXPECT().ConfirmPayment(gomock.Any(), "pi_1").Return(snap, nil)
	m.payments.EXPECT().RefreshPayment(gomock.Any(), "pi_1").
		Return(nil, apperror.ErrGatewayUnavailable(errors.New("timeout")))

	w := do(r, http.MethodPost, "/api/v1/payments/pi_1/confirm", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/api/v1/payments/pi_1/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "SYS_003", errorCode(t, w))
}

// --- Payout Handler Tests ---

func TestRequestPayout(t *testing.T) {
	r, m := newTestRouter(t)
	seller := uuid.New()

	m.events.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, payload domain.EventPayload, externalID string) (int64, error) {
			req, ok := payload.(*domain.PayoutRequested)
			require.True(t, ok)
			assert.Equal(t, seller, req.SellerID)
			assert.Equal(t, domain.CurrencyETH, req.Currency)
			assert.Equal(t, domain.PayoutTargetWallet, req.TargetType)
			assert.Equal(t, "21000", req.BlockchainFee.String())
			assert.Equal(t, "payout:"+req.PayoutID.String(), externalID)
			return 7, nil
		})

	body := fmt.Sprintf(`{"seller_id":%q,"currency":"eth","target_type":"wallet","wallet_address":"0x9f2c","blockchain_fee":"21000"}`, seller)
	w := do(r, http.MethodPost, "/api/v1/payouts", body)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	d := data(t, w)
	assert.Equal(t, float64(7), d["event_id"])
	_, err := uuid.Parse(d["resource_id"].(string))
	assert.NoError(t, err)
}

func TestRequestPayout_ValidationError(t *testing.T) {
	r, _ := newTestRouter(t)

	body := fmt.Sprintf(`{"seller_id":%q,"currency":"eth","target_type":"wallet"}`, uuid.New())
	w := do(r, http.MethodPost, "/api/v1/payouts", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "STL_002", errorCode(t, w))
}

func TestPreviewPayout(t *testing.T) {
	r, m := newTestRouter(t)
	seller := uuid.New()

	m.payouts.EXPECT().Preview(gomock.Any(), seller, domain.CurrencyUSD).
		Return(&domain.PayoutTotals{Gross: domain.NewAmount(4000), Fees: domain.NewAmount(200), Net: domain.NewAmount(3800)}, nil)

	w := do(r, http.MethodGet, "/api/v1/payouts/preview?seller_id="+seller.String()+"&currency=USD", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "3800", data(t, w)["net_amount"])

	w = do(r, http.MethodGet, "/api/v1/payouts/preview?seller_id="+seller.String(), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPayout(t *testing.T) {
	r, m := newTestRouter(t)
	id := uuid.New()

	m.payouts.EXPECT().Get(gomock.Any(), id).Return(&domain.Payout{ID: id, NetAmount: domain.NewAmount(950)}, nil)

	w := do(r, http.MethodGet, "/api/v1/payouts/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id.String(), data(t, w)["id"])
}

func TestGetAccount(t *testing.T) {
	r, m := newTestRouter(t)
	id := uuid.New()

	m.accounts.EXPECT().Get(gomock.Any(), id).
		Return(&domain.Account{ID: id, Currency: domain.CurrencyETH, IsPooled: true}, nil)

	w := do(r, http.MethodGet, "/api/v1/accounts/"+id.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	body := data(t, w)
	assert.Equal(t, id.String(), body["id"])
	assert.Equal(t, "eth", body["currency"])
	assert.Equal(t, true, body["is_pooled"])
}

func TestGetAccount_Errors(t *testing.T) {
	r, m := newTestRouter(t)
	id := uuid.New()

	w := do(r, http.MethodGet, "/api/v1/accounts/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	m.accounts.EXPECT().Get(gomock.Any(), id).Return(nil, apperror.ErrNotFound("account"))
	w = do(r, http.MethodGet, "/api/v1/accounts/"+id.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	m.accounts.EXPECT().Get(gomock.Any(), id).Return(nil, apperror.ErrLockTimeout(errors.New("55P03")))
	w = do(r, http.MethodGet, "/api/v1/accounts/"+id.String(), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConfirmPayout(t *testing.T) {
	r, m := newTestRouter(t)
	id := uuid.New()

	m.events.EXPECT().Append(gomock.Any(), gomock.Any(), "payout:"+id.String()+":confirmed").
		DoAndReturn(func(_ context.Context, payload domain.EventPayload, _ string) (int64, error) {
			confirm, ok := payload.(*domain.PayoutTransferConfirmed)
			require.True(t, ok)
			assert.Equal(t, id, confirm.PayoutID)
			assert.Equal(t, "wire_881", confirm.TransferRef)
			assert.False(t, confirm.ConfirmedAt.IsZero())
			return 9, nil
		})

	w := do(r, http.MethodPost, "/api/v1/payouts/"+id.String()+"/confirm", `{"transfer_ref":"wire_881"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(r, http.MethodPost, "/api/v1/payouts/"+id.String()+"/confirm", `{"transfer_ref":"wire 881"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Event Handler Tests ---

func TestListDead(t *testing.T) {
	r, m := newTestRouter(t)

	m.events.EXPECT().ListDead(gomock.Any(), defaultDeadLimit).
		Return([]domain.Event{{ID: 3, Kind: domain.EventKindFundsReceived, Status: domain.EventDead}}, nil)
	m.events.EXPECT().ListDead(gomock.Any(), 5).Return(nil, nil)

	w := do(r, http.MethodGet, "/api/v1/events/dead", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode(t, w)["data"].([]interface{})
	require.Len(t, events, 1)

	w = do(r, http.MethodGet, "/api/v1/events/dead?limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/v1/events/dead?limit=0x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequeue(t *testing.T) {
	r, m := newTestRouter(t)

	m.events.EXPECT().Requeue(gomock.Any(), int64(12)).Return(nil)
	m.events.EXPECT().Requeue(gomock.Any(), int64(13)).Return(apperror.ErrConflict("event 13 is done"))

	w := do(r, http.MethodPost, "/api/v1/events/12/requeue", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/v1/events/13/requeue", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/v1/events/abc/requeue", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Webhook Handler Tests ---

func signedWebhook(body string) *http.Request {
	sigSvc := service.NewHMACSignatureService()
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewBufferString(body))
	req.Header.Set("X-Gateway-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Gateway-Signature", sigSvc.Sign(webhookSecret, sigSvc.BuildCanonicalString(ts, body)))
	return req
}

func TestWebhook_StoresEvent(t *testing.T) {
	r, m := newTestRouter(t)
	accountID := uuid.New()
	body := fmt.Sprintf(`{"id":"evt_2","type":"transfer.received","created":1700000100,
		"data":{"object":{"id":"tx_9","amount":"1000","currency":"usd","account_id":%q}}}`, accountID)

	m.events.EXPECT().Append(gomock.Any(), gomock.Any(), "evt_2").
		DoAndReturn(func(_ context.Context, payload domain.EventPayload, _ string) (int64, error) {
			funds, ok := payload.(*domain.FundsReceived)
			require.True(t, ok)
			assert.Equal(t, "tx_9", funds.TransactionID)
			return 55, nil
		})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(body))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(55), data(t, w)["event_id"])
}

func TestWebhook_IgnoresUnknownType(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(`{"id":"evt_9","type":"customer.created","data":{"object":{}}}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, w)["received"])
}

func TestWebhook_InvalidObjectStoredAsDead(t *testing.T) {
	r, m := newTestRouter(t)
	body := fmt.Sprintf(`{"id":"evt_3","type":"transfer.received","created":1700000100,
		"data":{"object":{"id":"tx_3","amount":"1000","currency":"xyz","account_id":%q}}}`, uuid.New())

	m.events.EXPECT().
		AppendDead(gomock.Any(), domain.EventKindFundsReceived, []byte(body), "evt_3", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.EventKind, _ []byte, _, reason string) (int64, error) {
			assert.Contains(t, reason, "xyz")
			return 56, nil
		})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(body))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(56), data(t, w)["event_id"])
	assert.Equal(t, true, data(t, w)["received"])
}

func TestWebhook_InvalidObjectStoreFailure(t *testing.T) {
	r, m := newTestRouter(t)
	body := `{"id":"evt_4","type":"payout.paid","data":{"object":{"id":"po_1"}}}`

	m.events.EXPECT().AppendDead(gomock.Any(), gomock.Any(), gomock.Any(), "evt_4", gomock.Any()).
		Return(int64(0), apperror.ErrDatabaseError(errors.New("conn refused")))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(body))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "SYS_001", errorCode(t, w))
}

func TestWebhook_Rejects(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedWebhook(`{"id":"evt_1"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "EVT_001", errorCode(t, w))

	unsigned := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(`{}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, unsigned)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// --- Health Check Tests ---

func TestHealthCheck(t *testing.T) {
	ctrl := gomock.NewController(t)
	pg := mocks.NewMockHealthChecker(ctrl)
	rd := mocks.NewMockHealthChecker(ctrl)
	pg.EXPECT().Name().Return("postgresql").AnyTimes()
	rd.EXPECT().Name().Return("redis").AnyTimes()

	pg.EXPECT().Ping(gomock.Any()).Return(nil).Times(2)
	gomock.InOrder(
		rd.EXPECT().Ping(gomock.Any()).Return(nil),
		rd.EXPECT().Ping(gomock.Any()).Return(errors.New("connection refused")),
	)

	r := gin.New()
	r.GET("/health", HealthCheck(pg, rd))

	w := do(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "degraded", resp["status"])
	redis := resp["dependencies"].(map[string]interface{})["redis"].(map[string]interface{})
	assert.Equal(t, "unhealthy", redis["status"])
}
