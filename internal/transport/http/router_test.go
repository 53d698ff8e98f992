package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/richardliu001/bridge-wallet/internal/config"
	"github.com/richardliu001/bridge-wallet/internal/escrow"
	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/idempotency"
	"github.com/richardliu001/bridge-wallet/internal/ledger"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/reconcile"
	"github.com/richardliu001/bridge-wallet/internal/refund"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"github.com/richardliu001/bridge-wallet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const webhookSecret = "whsec-test"

// testProxy is httptest's default peer address, trusted to forward client IPs.
const testProxy = "192.0.2.1"

var idempotent = []string{
	"/api/wallet/deposit", "/api/wallet/deposit-card", "/api/wallet/withdraw", "/api/wallet/withdraw-bank",
	"/api/wallet/transfer", "/api/wallet/refund", "/api/merchant/process-payment",
	"/api/project/:id/fund", "/api/project/:id/fund-card", "/api/project/:id/milestones/:milestoneId/approve",
}

type server struct {
	db     *gorm.DB
	rail   *testutil.Rail
	wallet *service.WalletService
	router *gin.Engine
}

func newServer(t *testing.T, rail *testutil.Rail, wh config.WebhookConfig) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	r := repo.NewRepository(db, nil, nil, testutil.Log())
	fees := fee.NewEngine(db)
	wallet := service.NewWalletService(r, fees, ledger.New("KES"), rail, testutil.Log(), service.Options{})
	esc := escrow.New(r, wallet, testutil.Log())
	recon := reconcile.New(r, wallet, esc, rail, testutil.Log())
	wallet.SetApplier(recon)

	wh.Secret = webhookSecret
	if wh.RateLimitRPS == 0 {
		wh.RateLimitRPS = 1000
	}
	h := NewHandler(Deps{
		Wallet: wallet, Escrow: esc, Refunds: refund.New(r, testutil.Log()), Reconcile: recon, Fees: fees,
		Breaker: provider.NewBreaker(time.Minute, 3, time.Minute),
	}, testutil.Log())
	router, err := NewRouter(h, RouterConfig{
		TrustedProxies: []string{testProxy},
		RateLimit:      config.RateLimitConfig{RPS: 1000, Burst: 1000},
		Webhook:        wh,
		Idempotent:     idempotent,
		Idempotency:    idempotency.NewGuard(db, time.Hour, testutil.Log()),
	}, testutil.Log())
	require.NoError(t, err)
	return &server{db: db, rail: rail, wallet: wallet, router: router}
}

type call struct {
	method, path, body string
	user, role, key    string
	remote             string
	headers            map[string]string
}

func (s *server) do(c call) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(HeaderUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(HeaderUserRole, c.role)
	}
	if c.key != "" {
		req.Header.Set(idempotency.HeaderKey, c.key)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// envelope decodes {success, data} into data.
func envelope(t *testing.T, w *httptest.ResponseRecorder, data interface{}) {
	t.Helper()
	var out struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	require.True(t, out.Success, w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(out.Data, data))
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Error.Code
}

func TestRouter_HealthAndAuth(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200}, config.WebhookConfig{})

	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/healthz"}).Code)
	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: "/metrics"}).Code)

	w := s.do(call{method: http.MethodGet, path: "/api/wallet/balance"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))

	w = s.do(call{method: http.MethodGet, path: "/api/wallet/balance", user: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "WALLET_NOT_FOUND", errorCode(t, w))

	w = s.do(call{method: http.MethodPost, path: "/api/wallet", user: "ghost"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var wallet walletView
	envelope(t, w, &wallet)
	assert.Equal(t, "ghost", wallet.UserID)
	assert.Equal(t, "KES", wallet.Currency)
}

func TestRouter_TransferReplaysWithSameKey(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200}, config.WebhookConfig{})
	testutil.SeedWallet(t, s.db, "alice", 100)
	testutil.SeedWallet(t, s.db, "bob", 0)
	key := uuid.NewString()
	body := `{"toUserId":"bob","amount":"40"}`

	first := s.do(call{method: http.MethodPost, path: "/api/wallet/transfer", body: body, user: "alice", key: key})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := s.do(call{method: http.MethodPost, path: "/api/wallet/transfer", body: body, user: "alice", key: key})
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))

	assert.Equal(t, "60.00", testutil.Wallet(t, s.db, "alice").Balance.StringFixed(2))
	assert.Equal(t, "40.00", testutil.Wallet(t, s.db, "bob").Balance.StringFixed(2))

	w := s.do(call{method: http.MethodPost, path: "/api/wallet/transfer", body: body, user: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", errorCode(t, w))

	w = s.do(call{method: http.MethodPost, path: "/api/wallet/transfer", body: `{"toUserId":"bob","amount":"500"}`, user: "alice", key: uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", errorCode(t, w))

	w = s.do(call{method: http.MethodGet, path: "/api/wallet/transactions?type=transfer", user: "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Transactions []transactionView `json:"transactions"`
		Total        int64             `json:"total"`
	}
	envelope(t, w, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, model.TxTransfer, page.Transactions[0].Type)
}

func TestRouter_CardDepositSettledByLemonadeCallback(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200, Sent: true,
		Body: `{"status":"success","data":{"transaction_id":4411,"status":"pending","redirect_url":"https://pay.test/4411"}}`},
		config.WebhookConfig{})
	testutil.SeedWallet(t, s.db, "carder", 0)

	w := s.do(call{method: http.MethodPost, path: "/api/wallet/deposit-card", body: `{"amount":250,"email":"c@x.test"}`,
		user: "carder", key: uuid.NewString()})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var pay paymentView
	envelope(t, w, &pay)
	assert.Equal(t, "https://pay.test/4411", pay.RedirectURL)
	assert.Equal(t, model.StatusPending, pay.Transaction.Status)

	cb := []byte(`{"transaction_id":4411,"status":"completed","timestamp":` + unixNow() + `}`)
	w = s.do(call{method: http.MethodPost, path: "/api/callback/lemonade", body: string(cb),
		headers: map[string]string{HeaderSignature: sign(cb)}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, "250.00", testutil.Wallet(t, s.db, "carder").Balance.StringFixed(2))

	// replays are acknowledged without a second credit
	w = s.do(call{method: http.MethodPost, path: "/api/callback/lemonade", body: string(cb),
		headers: map[string]string{HeaderSignature: sign(cb)}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "250.00", testutil.Wallet(t, s.db, "carder").Balance.StringFixed(2))

	unknown := []byte(`{"reference":"NOPE","status":"completed","timestamp":` + unixNow() + `}`)
	w = s.do(call{method: http.MethodPost, path: "/api/callback/lemonade", body: string(unknown),
		headers: map[string]string{HeaderSignature: sign(unknown)}})
	assert.Equal(t, http.StatusOK, w.Code)
	malformed := []byte(`{"status":"completed","timestamp":` + unixNow() + `}`)
	w = s.do(call{method: http.MethodPost, path: "/api/callback/lemonade", body: string(malformed),
		headers: map[string]string{HeaderSignature: sign(malformed)}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "250.00", testutil.Wallet(t, s.db, "carder").Balance.StringFixed(2))

	w = s.do(call{method: http.MethodPost, path: "/api/callback/lemonade", body: string(cb),
		headers: map[string]string{HeaderSignature: "deadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_MpesaCallbacks(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200, Sent: true, Body: `{"MerchantRequestID":"m-9","CheckoutRequestID":"ws-9"}`},
		config.WebhookConfig{})
	testutil.SeedWallet(t, s.db, "saver", 0)

	w := s.do(call{method: http.MethodPost, path: "/api/wallet/deposit", body: `{"amount":"75","phoneNumber":"254700000009"}`,
		user: "saver", key: uuid.NewString()})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	stk := `{"Body":{"stkCallback":{"MerchantRequestID":"m-9","CheckoutRequestID":"ws-9","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"RCPT9"}]}}}}`
	safaricom := map[string]string{"X-Forwarded-For": "196.201.214.200"}

	w = s.do(call{method: http.MethodPost, path: "/api/callback/mpesa", body: stk, headers: map[string]string{"X-Forwarded-For": "203.0.113.7"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
	// a Safaricom address forwarded by a peer that is not a trusted proxy
	w = s.do(call{method: http.MethodPost, path: "/api/callback/mpesa", body: stk, headers: safaricom, remote: "203.0.113.9:40000"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, testutil.Wallet(t, s.db, "saver").Balance.IsZero())

	w = s.do(call{method: http.MethodPost, path: "/api/callback/mpesa", body: stk, headers: safaricom})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
	assert.Equal(t, "75.00", testutil.Wallet(t, s.db, "saver").Balance.StringFixed(2))

	// unknown and malformed bodies are still acknowledged
	w = s.do(call{method: http.MethodPost, path: "/api/callback/mpesa/b2c/result", headers: safaricom,
		body: `{"Result":{"ResultCode":0,"OriginatorConversationID":"nobody","ConversationID":"nobody"}}`})
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(call{method: http.MethodPost, path: "/api/callback/mpesa/b2c/timeout", headers: safaricom, body: `not json`})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProjectLifecycle(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200}, config.WebhookConfig{})
	testutil.SeedWallet(t, s.db, "owner", 1000)
	testutil.SeedWallet(t, s.db, "builder", 0)

	w := s.do(call{method: http.MethodPost, path: "/api/project", user: "owner",
		body: `{"title":"Borehole","budget":800,"milestones":[{"title":"Drill","amount":500},{"title":"Pump","amount":300}]}`})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p projectView
	envelope(t, w, &p)
	require.Len(t, p.Milestones, 2)
	base := "/api/project/" + p.ID

	assert.Equal(t, http.StatusForbidden, s.do(call{method: http.MethodGet, path: base, user: "stranger"}).Code)
	assert.Equal(t, http.StatusOK, s.do(call{method: http.MethodGet, path: base, user: "auditor", role: model.RoleProjectVerifier}).Code)

	require.Equal(t, http.StatusOK, s.do(call{method: http.MethodPost, path: base + "/publish", user: "owner"}).Code)
	require.Equal(t, http.StatusOK, s.do(call{method: http.MethodPost, path: base + "/assign", user: "owner", body: `{"implementerId":"builder"}`}).Code)

	fundKey := uuid.NewString()
	w = s.do(call{method: http.MethodPost, path: base + "/fund", user: "owner", key: fundKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(call{method: http.MethodPost, path: base + "/fund", user: "owner", key: fundKey})
	assert.Equal(t, "true", w.Header().Get(idempotency.HeaderReplayed))
	owner := testutil.Wallet(t, s.db, "owner")
	assert.Equal(t, "200.00", owner.Balance.StringFixed(2))
	assert.Equal(t, "800.00", owner.EscrowBalance.StringFixed(2))

	for _, m := range p.Milestones {
		mb := base + "/milestones/" + m.ID
		require.Equal(t, http.StatusOK, s.do(call{method: http.MethodPost, path: mb + "/submit", user: "builder",
			body: `{"evidence":{"photo":"https://img.test/1"}}`}).Code)
		w = s.do(call{method: http.MethodPost, path: mb + "/approve", user: "builder", key: uuid.NewString()})
		assert.Equal(t, http.StatusForbidden, w.Code)
		w = s.do(call{method: http.MethodPost, path: mb + "/approve", user: "owner", key: uuid.NewString(), body: `{"notes":"looks good"}`})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	var done struct {
		Project projectView `json:"project"`
	}
	envelope(t, w, &done)
	assert.Equal(t, model.ProjectCompleted, done.Project.Status)
	assert.Equal(t, "800.00", testutil.Wallet(t, s.db, "builder").Balance.StringFixed(2))
	assert.True(t, testutil.Wallet(t, s.db, "owner").EscrowBalance.IsZero())
}

func TestRouter_RefundAndEligibility(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200}, config.WebhookConfig{})
	testutil.SeedWallet(t, s.db, "alice", 50)
	testutil.SeedWallet(t, s.db, "bob", 0)
	t1, err := s.wallet.Transfer(context.Background(), service.TransferRequest{FromUserID: "alice", ToUserID: "bob", Amount: testutil.D("20")})
	require.NoError(t, err)

	w := s.do(call{method: http.MethodGet, path: "/api/wallet/refund/" + t1.ID + "/eligibility", user: "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"canRefund":true`)

	body := `{"transactionId":"` + t1.ID + `","reason":"sent by mistake"}`
	w = s.do(call{method: http.MethodPost, path: "/api/wallet/refund", user: "mallory", key: uuid.NewString(), body: body})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(call{method: http.MethodPost, path: "/api/wallet/refund", user: "bob", key: uuid.NewString(), body: body})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(call{method: http.MethodPost, path: "/api/wallet/refund", user: "bob", key: uuid.NewString(), body: body})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NOT_REFUNDABLE", errorCode(t, w))
	assert.Equal(t, "50.00", testutil.Wallet(t, s.db, "alice").Balance.StringFixed(2))

	w = s.do(call{method: http.MethodGet, path: "/api/wallet/refunds", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)
}

func TestRouter_FeeQuoteAndAdmin(t *testing.T) {
	s := newServer(t, &testutil.Rail{Status: 200}, config.WebhookConfig{})

	w := s.do(call{method: http.MethodGet, path: "/api/fees/quote?flow=wallet_withdrawal&method=mpesa&amount=1000", user: "u"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q struct {
		Quote fee.Quote `json:"quote"`
		Total string    `json:"total"`
	}
	envelope(t, w, &q)
	assert.Equal(t, "10.00", q.Quote.Fee.StringFixed(2))
	assert.Equal(t, "1010", q.Total)

	assert.Equal(t, http.StatusBadRequest, s.do(call{method: http.MethodGet, path: "/api/fees/quote?flow=x&amount=abc", user: "u"}).Code)

	assert.Equal(t, http.StatusForbidden, s.do(call{method: http.MethodGet, path: "/api/admin/platform-account", user: "u"}).Code)
	w = s.do(call{method: http.MethodGet, path: "/api/admin/platform-account", user: "ops", role: "admin"})
	require.Equal(t, http.StatusOK, w.Code)
	var acct platformAccountView
	envelope(t, w, &acct)
	assert.Equal(t, "KES", acct.Currency)
	assert.True(t, acct.FeeRevenue.IsZero())

	w = s.do(call{method: http.MethodGet, path: "/api/admin/provider/breaker", user: "ops", role: model.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"closed"`)
}
