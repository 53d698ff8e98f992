package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrNoCredentials = errors.New("provider consumer key/secret not configured")

type loginAttempt struct {
	path string
	form bool
}

var loginAttempts = []loginAttempt{
	{path: "oauth/token", form: true},
	{path: "auth/login"},
}

// TokenSource caches the direct rail's bearer token and refreshes it
// shortly before expiry.
type TokenSource struct {
	mu        sync.Mutex
	base      string
	key       string
	secret    string
	client    *http.Client
	timeout   time.Duration
	margin    time.Duration
	token     string
	tokenType string
	expiresAt time.Time
	now       func() time.Time
}

func NewTokenSource(base, key, secret string, client *http.Client, timeout time.Duration) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenSource{
		base: base, key: key, secret: secret,
		client: client, timeout: timeout, margin: time.Minute, now: time.Now,
	}
}

// Token returns a valid bearer token and its type.
func (t *TokenSource) Token(ctx context.Context) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && t.now().Add(t.margin).Before(t.expiresAt) {
		return t.token, t.tokenType, nil
	}
	if t.key == "" || t.secret == "" {
		return "", "", ErrNoCredentials
	}

	var lastErr error
	for _, a := range loginAttempts {
		tok, typ, ttl, err := t.login(ctx, a)
		if err != nil {
			lastErr = err
			continue
		}
		t.token, t.tokenType, t.expiresAt = tok, typ, t.now().Add(ttl)
		return tok, typ, nil
	}
	return "", "", fmt.Errorf("provider login: %w", lastErr)
}

// Invalidate drops the cached token, e.g. after a 401.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *TokenSource) login(ctx context.Context, a loginAttempt) (string, string, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var req *http.Request
	var err error
	target := joinURL(t.base, a.path, nil)
	if a.form {
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {t.key},
			"client_secret": {t.secret},
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		body, _ := json.Marshal(map[string]string{"consumer_key": t.key, "consumer_secret": t.secret})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(string(body)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return "", "", 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", 0, fmt.Errorf("%s: status %d", a.path, resp.StatusCode)
	}

	var body struct {
		tokenFields
		Data tokenFields `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", 0, fmt.Errorf("%s: %w", a.path, err)
	}
	f := body.tokenFields
	if f.value() == "" {
		f = body.Data
	}
	if f.value() == "" {
		return "", "", 0, fmt.Errorf("%s: no token in response", a.path)
	}
	typ := f.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	secs, _ := strconv.ParseInt(f.ExpiresIn.String(), 10, 64)
	ttl := time.Duration(secs) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return f.value(), typ, ttl, nil
}

type tokenFields struct {
	AccessToken string     `json:"access_token"`
	Token       string     `json:"token"`
	TokenType   string     `json:"token_type"`
	ExpiresIn   FlexString `json:"expires_in"`
}

func (f tokenFields) value() string {
	if f.AccessToken != "" {
		return f.AccessToken
	}
	return f.Token
}
