// Package provider talks to the payment aggregator over one of two rails:
// the direct API (bearer token) or a relay whose auth header and status
// path are discovered at runtime.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Caller is the dispatcher as seen by the ledger services.
type Caller interface {
	Call(ctx context.Context, req Request) (*Result, error)
}

type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	WalletNo        string
	RelayURL        string
	RelayKey        string
	PreferRelay     bool
	CallTimeout     time.Duration
	AttemptTimeout  time.Duration
	DiscoveryBudget time.Duration
}

type Dispatcher struct {
	cfg        Config
	client     *http.Client
	breaker    *Breaker
	strategies *StrategyCache
	tokens     *TokenSource
	discovery  singleflight.Group
	log        *zap.SugaredLogger
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option      { return func(d *Dispatcher) { d.client = c } }
func WithBreaker(b *Breaker) Option             { return func(d *Dispatcher) { d.breaker = b } }
func WithStrategyCache(s *StrategyCache) Option { return func(d *Dispatcher) { d.strategies = s } }
func WithTokenSource(t *TokenSource) Option     { return func(d *Dispatcher) { d.tokens = t } }

func NewDispatcher(cfg Config, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 12 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Second
	}
	if cfg.DiscoveryBudget <= 0 {
		cfg.DiscoveryBudget = 3 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.RelayURL = strings.TrimRight(strings.TrimSpace(cfg.RelayURL), "/")

	d := &Dispatcher{cfg: cfg, client: http.DefaultClient, log: log}
	for _, o := range opts {
		o(d)
	}
	if d.breaker == nil {
		d.breaker = NewBreaker(time.Minute, 3, 2*time.Minute)
	}
	if d.strategies == nil {
		d.strategies = NewStrategyCache(time.Hour)
	}
	if d.tokens == nil {
		d.tokens = NewTokenSource(cfg.BaseURL, cfg.ConsumerKey, cfg.ConsumerSecret, d.client, cfg.CallTimeout)
	}
	return d
}

func (d *Dispatcher) Breaker() *Breaker           { return d.breaker }
func (d *Dispatcher) Strategies() *StrategyCache  { return d.strategies }
func (d *Dispatcher) relayConfigured() bool       { return d.cfg.RelayURL != "" && d.cfg.RelayKey != "" }
func (d *Dispatcher) RelayLastErrorAt() time.Time { return d.strategies.LastErrorAt() }

// Call serves one logical provider operation. The error return is reserved
// for requests that cannot be attempted at all; provider failures are
// reported through Result.
func (d *Dispatcher) Call(ctx context.Context, req Request) (*Result, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("provider: action required")
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeAuto
	}

	var res *Result
	switch mode {
	case ModeAuto:
		if d.relayConfigured() && d.cfg.PreferRelay && !d.breaker.Open() {
			rr := d.callRelay(ctx, req)
			if rr.OK || !fallsBack(rr) {
				res = rr
				break
			}
			d.log.Infow("relay fallback to direct", "action", req.Action, "status", rr.Status,
				"relayMiss", rr.RelayMiss, "reason", rr.Reason, "correlationId", req.CorrelationID)
		}
		res = d.callDirect(ctx, req)
	case ModeRelay:
		res = d.callRelay(ctx, req)
	case ModeDirect:
		res = d.callDirect(ctx, req)
	default:
		return nil, fmt.Errorf("provider: unknown mode %q", mode)
	}

	res.Response = DecodeResponse(res.Raw)
	outcome := "ok"
	if !res.OK {
		outcome = "failed"
	}
	providerCalls.WithLabelValues(string(res.Mode), string(req.Action), outcome).Inc()
	return res, nil
}

// fallsBack: wrong endpoint/auth, 5xx, network error, or no relay strategy.
func fallsBack(r *Result) bool {
	return r.RelayMiss || r.Status == 0 || r.Status >= 500
}

func (d *Dispatcher) callRelay(ctx context.Context, req Request) *Result {
	res := &Result{Mode: ModeRelay}
	if !d.relayConfigured() {
		res.Reason = "relay_unavailable"
		return res
	}
	strat := d.relayStrategy(ctx)
	if strat == nil {
		res.Reason = "relay_unavailable"
		return res
	}
	headers := http.Header{}
	headers.Set(strat.HeaderName, strat.HeaderValue(d.cfg.RelayKey))
	if req.CorrelationID != "" {
		headers.Set("X-Request-Id", req.CorrelationID)
	}

	if req.Action != ActionTransactionStatus {
		payload := adaptForRelay(req.Action, withChannel(req.Action, req.Payload), d.cfg.WalletNo)
		ex := d.exchange(ctx, http.MethodPost, joinURL(strat.Base, "payment", nil), headers, encJSON, payload)
		res.record(ex)
		switch {
		case ex.status == 401 || ex.status == 403 || ex.status == 404:
			res.RelayMiss = true
		case ex.status == 0 || ex.status >= 500:
			d.breaker.RecordFailure()
		}
		return res
	}

	allUnavailable := true
	for _, c := range statusCandidates(strat.StatusPath) {
		ex := d.exchange(ctx, c.method(), joinURL(strat.Base, c.path, c.query(req.Payload)), headers, c.enc, req.Payload)
		res.record(ex)
		if ex.status == 401 || ex.status == 403 || ex.status == 404 {
			res.RelayMiss = true
			return res
		}
		if res.OK {
			return res
		}
		if ex.status != 0 && ex.status < 500 {
			allUnavailable = false
		}
	}
	if allUnavailable {
		d.breaker.RecordFailure()
	}
	res.Reason = "no_2xx"
	return res
}

func (d *Dispatcher) callDirect(ctx context.Context, req Request) *Result {
	res := &Result{Mode: ModeDirect}
	if d.cfg.BaseURL == "" {
		res.Reason = "direct_unconfigured"
		return res
	}
	token, tokenType, err := d.tokens.Token(ctx)
	if err != nil {
		d.log.Warnw("provider token unavailable", "err", err, "correlationId", req.CorrelationID)
		res.Reason = "token_unavailable"
		return res
	}
	headers := http.Header{}
	headers.Set("Authorization", tokenType+" "+token)
	if req.CorrelationID != "" {
		headers.Set("X-Request-Id", req.CorrelationID)
	}

	if req.Action != ActionTransactionStatus {
		if req.IdempotencyKey != "" {
			headers.Set("Idempotency-Key", req.IdempotencyKey)
		}
		path := "payment"
		if req.Action == ActionRefund {
			path = "refund"
		}
		ex := d.exchange(ctx, http.MethodPost, joinURL(d.cfg.BaseURL, path, nil), headers, encJSON, withChannel(req.Action, req.Payload))
		res.record(ex)
		if ex.status == http.StatusUnauthorized {
			d.tokens.Invalidate()
		}
		return res
	}

	for _, c := range statusCandidates("") {
		ex := d.exchange(ctx, c.method(), joinURL(d.cfg.BaseURL, c.path, c.query(req.Payload)), headers, c.enc, req.Payload)
		res.record(ex)
		if res.OK {
			return res
		}
	}
	res.Reason = "no_2xx"
	return res
}

// relayStrategy returns the cached strategy or runs discovery once for all
// concurrent callers. nil means the relay is unusable right now. After a
// failed discovery the relay is skipped until the backoff passes.
func (d *Dispatcher) relayStrategy(ctx context.Context) *Strategy {
	if s := d.strategies.Get(); s != nil {
		return s
	}
	if d.strategies.BackingOff() {
		return nil
	}
	v, _, _ := d.discovery.Do("relay", func() (interface{}, error) {
		if s := d.strategies.Get(); s != nil {
			return s, nil
		}
		if d.strategies.BackingOff() {
			return nil, nil
		}
		return d.Discover(ctx), nil
	})
	s, _ := v.(*Strategy)
	return s
}

// Discover tries header × status-path candidates within the discovery
// budget and caches the first combination answering 2xx.
func (d *Dispatcher) Discover(ctx context.Context) *Strategy {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DiscoveryBudget)
	defer cancel()

	for _, header := range relayHeaderCandidates {
		for _, path := range statusPaths {
			if ctx.Err() != nil {
				break
			}
			cand := &Strategy{Base: d.cfg.RelayURL, HeaderName: header, StatusPath: path}
			h := http.Header{}
			h.Set(header, cand.HeaderValue(d.cfg.RelayKey))
			pctx, pcancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
			ex := d.exchange(pctx, http.MethodGet, joinURL(d.cfg.RelayURL, path, url.Values{"ping": {"1"}}), h, encNone, nil)
			pcancel()
			if ex.ok() {
				d.strategies.Set(*cand)
				discoveryRuns.WithLabelValues("found").Inc()
				d.log.Infow("relay strategy discovered", "header", header, "statusPath", path)
				return d.strategies.Get()
			}
		}
	}
	d.strategies.RecordError()
	discoveryRuns.WithLabelValues("failed").Inc()
	d.log.Warnw("relay discovery failed, using direct rail", "relay", d.cfg.RelayURL)
	return nil
}

type encoding int

const (
	encNone encoding = iota
	encJSON
	encQuery
	encForm
)

// statusCandidate is one (encoding, path) pair tried by a status query.
type statusCandidate struct {
	enc  encoding
	path string
}

func (c statusCandidate) method() string {
	if c.enc == encQuery {
		return http.MethodGet
	}
	return http.MethodPost
}

func (c statusCandidate) query(payload map[string]interface{}) url.Values {
	if c.enc != encQuery {
		return nil
	}
	return toValues(payload)
}

// statusCandidates lists JSON, then query-string, then form encodings over
// every known status path, preferred path first.
func statusCandidates(preferred string) []statusCandidate {
	paths := make([]string, 0, len(statusPaths)+1)
	if preferred != "" {
		paths = append(paths, preferred)
	}
	for _, p := range statusPaths {
		if p != preferred {
			paths = append(paths, p)
		}
	}
	out := make([]statusCandidate, 0, 3*len(paths))
	for _, enc := range []encoding{encJSON, encQuery, encForm} {
		for _, p := range paths {
			out = append(out, statusCandidate{enc: enc, path: p})
		}
	}
	return out
}

type exchange struct {
	method string
	url    string
	status int
	body   []byte
	sent   bool
	err    error
}

func (e exchange) ok() bool { return e.status >= 200 && e.status < 300 }

func (r *Result) record(ex exchange) {
	r.Attempts = append(r.Attempts, Attempt{Method: ex.method, URL: redactURL(ex.url), Status: ex.status})
	r.Method, r.URL, r.Status, r.Raw = ex.method, redactURL(ex.url), ex.status, ex.body
	r.OK = ex.ok()
	r.Sent = r.Sent || ex.sent
	if ex.err != nil {
		r.Reason = "network_error"
	} else {
		r.Reason = ""
	}
}

func (d *Dispatcher) exchange(ctx context.Context, method, target string, headers http.Header, enc encoding, payload map[string]interface{}) exchange {
	ex := exchange{method: method, url: target}
	if enc == encForm {
		ex.method = "POST(form)"
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	var body io.Reader
	contentType := ""
	switch enc {
	case encJSON:
		b, err := json.Marshal(payloadOrEmpty(payload))
		if err != nil {
			ex.err = err
			return ex
		}
		body, contentType = strings.NewReader(string(b)), "application/json"
	case encForm:
		body, contentType = strings.NewReader(toValues(payload).Encode()), "application/x-www-form-urlencoded"
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		ex.err = err
		return ex
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	ex.sent = true
	resp, err := d.client.Do(req)
	if err != nil {
		ex.err = err
		return ex
	}
	defer resp.Body.Close()
	ex.status = resp.StatusCode
	ex.body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return ex
}

func withChannel(a Action, payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["channel"]; !ok {
		if ch := Channel(a); ch != "" {
			out["channel"] = ch
		}
	}
	return out
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// adaptForRelay fills the defaults the relay insists on: an alphanumeric
// reference, currency, description, wallet and account labels.
func adaptForRelay(a Action, payload map[string]interface{}, walletNo string) map[string]interface{} {
	if a == ActionTransactionStatus {
		return payload
	}
	ref := stringField(payload, "reference", "order_reference")
	if ref != "" {
		cleaned := nonAlnum.ReplaceAllString(ref, "")
		if cleaned == "" {
			cleaned = fmt.Sprintf("ref%d", time.Now().UnixMilli())
		}
		payload["reference"] = cleaned
	}
	setDefault(payload, "currency", "KES")
	if a == ActionRefund {
		setDefault(payload, "description", "Refund")
		return payload
	}
	setDefault(payload, "description", "Payment")
	if stringField(payload, "wallet_no") == "" {
		if alias := stringField(payload, "wallet_number", "wallet_id", "till_no", "account_no"); alias != "" {
			payload["wallet_no"] = alias
		} else if walletNo != "" {
			payload["wallet_no"] = walletNo
		}
	}
	if a == ActionWalletPayment {
		if acc := stringField(payload, "acc_no"); acc != "" && acc == stringField(payload, "wallet_no") {
			delete(payload, "acc_no")
		}
		setDefault(payload, "acc_name", "Merchant")
		return payload
	}
	if stringField(payload, "acc_no") == "" {
		if v := stringField(payload, "phone_number", "msisdn", "wallet_no"); v != "" {
			payload["acc_no"] = v
		}
	}
	switch {
	case stringField(payload, "phone_number", "msisdn") != "":
		setDefault(payload, "acc_name", "MSISDN")
	case stringField(payload, "wallet_no") != "":
		setDefault(payload, "acc_name", "Wallet")
	default:
		setDefault(payload, "acc_name", "Account")
	}
	return payload
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func setDefault(m map[string]interface{}, key string, v interface{}) {
	if stringField(m, key) == "" {
		m[key] = v
	}
}

func payloadOrEmpty(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	return p
}

func toValues(p map[string]interface{}) url.Values {
	v := url.Values{}
	for k, val := range p {
		if val != nil {
			v.Set(k, fmt.Sprint(val))
		}
	}
	return v
}

func joinURL(base, path string, q url.Values) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// redactURL drops the query string, which may carry account numbers.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
