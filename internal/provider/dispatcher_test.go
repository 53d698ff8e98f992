package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDirect is the aggregator's own API.
type fakeDirect struct {
	*httptest.Server
	logins   int32
	payments int32
	lastBody map[string]interface{}
	lastAuth string
}

func newFakeDirect(t *testing.T) *fakeDirect {
	f := &fakeDirect{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.logins, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok-1", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/payment", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.payments, 1)
		f.lastAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &f.lastBody)
		_, _ = w.Write([]byte(`{"status":"success","data":{"transaction_id":98765,"status":"pending","redirect_url":"https://pay/x"}}`))
	})
	// status answers only GET on transactions/status
	mux.HandleFunc("/transactions/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"transaction_id":"98765","status":"Completed","external_reference":"` + r.URL.Query().Get("reference") + `"}}`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// fakeRelay accepts only the X-API-Key header and answers /payment with status.
type fakeRelay struct {
	*httptest.Server
	pings    int32
	payments int32
	status   int32
}

func newFakeRelay(t *testing.T, paymentStatus int) *fakeRelay {
	f := &fakeRelay{status: int32(paymentStatus)}
	mux := http.NewServeMux()
	mux.HandleFunc("/payment", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.payments, 1)
		w.WriteHeader(int(atomic.LoadInt32(&f.status)))
		_, _ = w.Write([]byte(`{"status":"success","data":{"transaction_id":"R1"}}`))
	})
	mux.HandleFunc("/payment/status", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.pings, 1)
		if r.Header.Get("X-API-Key") != "relay-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newDispatcher(direct, relay string, opts ...Option) *Dispatcher {
	cfg := Config{
		BaseURL: direct, ConsumerKey: "ck", ConsumerSecret: "cs", WalletNo: "11391837",
		RelayURL: relay, RelayKey: "relay-secret", PreferRelay: true,
		CallTimeout: 2 * time.Second, AttemptTimeout: 500 * time.Millisecond, DiscoveryBudget: 3 * time.Second,
	}
	return NewDispatcher(cfg, zap.NewNop().Sugar(), opts...)
}

func TestDiscover_FindsHeaderAndPathAndCaches(t *testing.T) {
	relay := newFakeRelay(t, http.StatusOK)
	d := newDispatcher("", relay.URL)

	s := d.Discover(context.Background())
	require.NotNil(t, s)
	assert.Equal(t, "X-API-Key", s.HeaderName)
	assert.Equal(t, "payment/status", s.StatusPath)

	pings := atomic.LoadInt32(&relay.pings)
	res, err := d.Call(context.Background(), Request{Action: ActionSTKPush, Payload: map[string]interface{}{"amount": 10}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ModeRelay, res.Mode)
	assert.Equal(t, pings, atomic.LoadInt32(&relay.pings), "cached strategy is reused")
}

func TestCall_DiscoveryFailureFallsBackToDirect(t *testing.T) {
	direct := newFakeDirect(t)
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer dead.Close()
	d := newDispatcher(direct.URL, dead.URL)

	res, err := d.Call(context.Background(), Request{Action: ActionCardPayment, Payload: map[string]interface{}{"amount": 100, "reference": "DEP1"}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ModeDirect, res.Mode)
	assert.False(t, d.RelayLastErrorAt().IsZero())
	assert.Nil(t, d.Strategies().Get())
	assert.Equal(t, "Bearer tok-1", direct.lastAuth)
	assert.Equal(t, "400001", direct.lastBody["channel"])
	require.NotNil(t, res.Response.Lemonade)
	assert.Equal(t, "98765", res.Response.ProviderTransactionID())
	assert.Equal(t, "https://pay/x", res.Response.Lemonade.Data.RedirectURL)
}

func TestCall_FailedDiscoveryIsRememberedForBackoff(t *testing.T) {
	direct := newFakeDirect(t)
	var pings int32
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pings, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer dead.Close()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewStrategyCache(time.Hour).WithClock(clk.now).WithBackoff(30 * time.Second)
	d := newDispatcher(direct.URL, dead.URL, WithStrategyCache(cache))
	pay := Request{Action: ActionCardPayment, Payload: map[string]interface{}{"amount": 100, "reference": "DEP1"}}

	res, err := d.Call(context.Background(), pay)
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, res.Mode)
	first := atomic.LoadInt32(&pings)
	require.Positive(t, first)
	assert.True(t, cache.BackingOff())

	clk.advance(10 * time.Second)
	res, err = d.Call(context.Background(), pay)
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, res.Mode)
	assert.Equal(t, first, atomic.LoadInt32(&pings), "relay skipped while backing off")

	clk.advance(25 * time.Second)
	assert.False(t, cache.BackingOff())
	_, err = d.Call(context.Background(), pay)
	require.NoError(t, err)
	assert.Equal(t, 2*first, atomic.LoadInt32(&pings))
	assert.Equal(t, int32(3), atomic.LoadInt32(&direct.payments))
}

func TestStrategyCache_SuccessClearsBackoff(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewStrategyCache(time.Hour).WithClock(clk.now)
	cache.RecordError()
	assert.True(t, cache.BackingOff())
	cache.Set(Strategy{Base: "http://relay", HeaderName: "X-API-Key", StatusPath: "payment/status"})
	assert.False(t, cache.BackingOff())
	assert.NotNil(t, cache.Get())
}

func TestCall_RelayMissFallsBackWithoutBreakerFailure(t *testing.T) {
	direct := newFakeDirect(t)
	relay := newFakeRelay(t, http.StatusNotFound)
	d := newDispatcher(direct.URL, relay.URL)

	res, err := d.Call(context.Background(), Request{Action: ActionSTKPush})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ModeDirect, res.Mode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&relay.payments))
	assert.Equal(t, 0, d.Breaker().Snapshot().Failures)
}

func TestCall_RelayServerErrorsOpenBreaker(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	direct := newFakeDirect(t)
	relay := newFakeRelay(t, http.StatusBadGateway)
	breaker := NewBreaker(time.Minute, 3, 2*time.Minute).WithClock(clk.now)
	d := newDispatcher(direct.URL, relay.URL, WithBreaker(breaker))

	for i := 0; i < 3; i++ {
		res, err := d.Call(context.Background(), Request{Action: ActionSTKPush})
		require.NoError(t, err)
		assert.Equal(t, ModeDirect, res.Mode, "5xx falls back to direct")
		clk.advance(5 * time.Second)
	}
	assert.True(t, breaker.Open())
	assert.Equal(t, int32(3), atomic.LoadInt32(&relay.payments))

	clk.advance(30 * time.Second)
	res, err := d.Call(context.Background(), Request{Action: ActionSTKPush})
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, res.Mode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&relay.payments), "open breaker skips relay")
	assert.Equal(t, int32(4), atomic.LoadInt32(&direct.payments))
}

func TestCall_RelayClientErrorIsFinal(t *testing.T) {
	direct := newFakeDirect(t)
	relay := newFakeRelay(t, http.StatusBadRequest)
	d := newDispatcher(direct.URL, relay.URL)

	res, err := d.Call(context.Background(), Request{Action: ActionSTKPush})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ModeRelay, res.Mode)
	assert.True(t, res.Rejected())
	assert.Equal(t, int32(0), atomic.LoadInt32(&direct.payments))
}

func TestCall_StatusQueryWalksCandidates(t *testing.T) {
	direct := newFakeDirect(t)
	d := newDispatcher(direct.URL, "")

	res, err := d.Call(context.Background(), Request{
		Action:  ActionTransactionStatus,
		Payload: map[string]interface{}{"reference": "DEP1", "transaction_id": "98765"},
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, http.MethodGet, res.Method)
	// six JSON posts, then GETs until transactions/status (third path)
	assert.Len(t, res.Attempts, len(statusPaths)+3)
	assert.Equal(t, "Completed", res.Response.TransactionStatus())
	assert.Equal(t, "DEP1", res.Response.Reference())
}

func TestCall_TokenCachedAcrossCalls(t *testing.T) {
	direct := newFakeDirect(t)
	d := newDispatcher(direct.URL, "")

	for i := 0; i < 3; i++ {
		res, err := d.Call(context.Background(), Request{Action: ActionMpesaTransfer, Mode: ModeDirect})
		require.NoError(t, err)
		assert.True(t, res.OK)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&direct.logins))
}

func TestCall_NoCredentialsIsRejectedNotIndeterminate(t *testing.T) {
	d := NewDispatcher(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop().Sugar())
	res, err := d.Call(context.Background(), Request{Action: ActionMpesaTransfer})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "token_unavailable", res.Reason)
	assert.True(t, res.Rejected())
}

func TestCall_NetworkErrorIsIndeterminate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/token" {
			_, _ = w.Write([]byte(`{"access_token":"t","expires_in":"3600"}`))
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, _ := hj.Hijack()
		_ = conn.Close()
	}))
	defer srv.Close()
	d := newDispatcher(srv.URL, "")

	res, err := d.Call(context.Background(), Request{Action: ActionMpesaTransfer})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, res.Indeterminate())
	assert.Equal(t, "network_error", res.Reason)
}

func TestAdaptForRelay(t *testing.T) {
	p := adaptForRelay(ActionSTKPush, map[string]interface{}{"reference": "WD-12_ab", "phone_number": "254700000001"}, "777")
	assert.Equal(t, "WD12ab", p["reference"])
	assert.Equal(t, "KES", p["currency"])
	assert.Equal(t, "Payment", p["description"])
	assert.Equal(t, "777", p["wallet_no"])
	assert.Equal(t, "254700000001", p["acc_no"])
	assert.Equal(t, "MSISDN", p["acc_name"])

	w := adaptForRelay(ActionWalletPayment, map[string]interface{}{"wallet_no": "5", "acc_no": "5"}, "777")
	assert.NotContains(t, w, "acc_no")
	assert.Equal(t, "Merchant", w["acc_name"])

	r := adaptForRelay(ActionRefund, map[string]interface{}{"reference": "--"}, "777")
	assert.Equal(t, "Refund", r["description"])
	assert.NotContains(t, r, "wallet_no")
	assert.Regexp(t, `^ref\d+$`, r["reference"])
}

func TestStatusCandidates_Order(t *testing.T) {
	c := statusCandidates("payment/status")
	require.Len(t, c, 3*len(statusPaths))
	assert.Equal(t, statusCandidate{enc: encJSON, path: "payment/status"}, c[0])
	assert.Equal(t, statusCandidate{enc: encJSON, path: "payments/transaction_status"}, c[1])
	assert.Equal(t, encQuery, c[len(statusPaths)].enc)
	assert.Equal(t, encForm, c[len(c)-1].enc)
	assert.Equal(t, url.Values{"a": {"1"}}, c[len(statusPaths)].query(map[string]interface{}{"a": 1}))
}

func TestDecodeResponse(t *testing.T) {
	r := DecodeResponse([]byte(`{"transaction_id":123,"status":"paid","reference":"X1","extra":true}`))
	require.NotNil(t, r.Lemonade)
	assert.Equal(t, "123", r.ProviderTransactionID())
	assert.Equal(t, "paid", r.TransactionStatus())
	assert.Equal(t, "X1", r.Reference())
	assert.Equal(t, true, r.Fields["extra"])

	g := DecodeResponse([]byte(`{"ResultCode":0}`))
	assert.Nil(t, g.Lemonade)
	assert.Equal(t, float64(0), g.Fields["ResultCode"])

	assert.Nil(t, DecodeResponse([]byte("<html>")).Fields)
}
