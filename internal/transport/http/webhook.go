package http

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderSignature = "X-Lemonade-Signature"
	HeaderTimestamp = "X-Timestamp"

	ctxRawBody = "rawBody"
)

// DefaultMpesaIPs are Safaricom's published callback sources. Source
// addresses come from gin's ClientIP, so forwarded headers only count when
// the engine trusts the proxy that set them.
var DefaultMpesaIPs = []string{
	"196.201.214.200", "196.201.214.206", "196.201.213.114", "196.201.214.207",
	"196.201.214.208", "196.201.213.44", "196.201.212.127", "196.201.212.128",
	"196.201.212.129", "196.201.212.130", "196.201.212.131", "196.201.212.132",
}

type WebhookOptions struct {
	Secret     string
	AllowedIPs []string
	MpesaIPs   []string
	// RequireIP rejects aggregator callbacks when no allow-list is set.
	RequireIP bool
	MaxAge    time.Duration
}

// WebhookVerifier authenticates inbound provider callbacks.
type WebhookVerifier struct {
	secret    []byte
	allowed   []netip.Prefix
	mpesa     []netip.Prefix
	requireIP bool
	maxAge    time.Duration
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewWebhookVerifier(o WebhookOptions, log *zap.SugaredLogger) *WebhookVerifier {
	if o.MaxAge <= 0 {
		o.MaxAge = 5 * time.Minute
	}
	if len(o.MpesaIPs) == 0 {
		o.MpesaIPs = DefaultMpesaIPs
	}
	return &WebhookVerifier{
		secret:    []byte(o.Secret),
		allowed:   parsePrefixes(o.AllowedIPs, log),
		mpesa:     parsePrefixes(o.MpesaIPs, log),
		requireIP: o.RequireIP,
		maxAge:    o.MaxAge,
		now:       time.Now,
		log:       log,
	}
}

func (v *WebhookVerifier) WithClock(now func() time.Time) *WebhookVerifier {
	v.now = now
	return v
}

// Configured reports whether aggregator callbacks can be authenticated at
// all: a signing secret, a source allow-list, or both.
func (v *WebhookVerifier) Configured() bool {
	return len(v.secret) > 0 || len(v.allowed) > 0
}

// Lemonade checks source IP, HMAC signature and freshness, in that order.
// Once a secret is configured every callback must be signed. With neither a
// secret nor an allow-list every callback is refused.
func (v *WebhookVerifier) Lemonade() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !v.Configured() {
			v.reject(c, http.StatusForbidden, "WEBHOOK_NOT_CONFIGURED", "Webhook verification not configured", ip)
			return
		}
		if len(v.allowed) > 0 || v.requireIP {
			if !matches(v.allowed, ip) {
				v.reject(c, http.StatusForbidden, "FORBIDDEN", "Unauthorized source IP", ip)
				return
			}
		}
		raw, ok := readBody(c)
		if !ok {
			return
		}
		if len(v.secret) > 0 {
			if !v.validSignature(raw, c.GetHeader(HeaderSignature)) {
				v.reject(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid signature", ip)
				return
			}
		}
		ts := bodyTimestamp(raw)
		if ts == "" {
			ts = c.GetHeader(HeaderTimestamp)
		}
		if !v.fresh(ts) {
			v.reject(c, http.StatusUnauthorized, "INVALID_TIMESTAMP", "Invalid or expired timestamp", ip)
			return
		}
		c.Next()
	}
}

// Mpesa only checks the source IP; Safaricom neither signs nor timestamps.
func (v *WebhookVerifier) Mpesa() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !matches(v.mpesa, ip) {
			v.reject(c, http.StatusForbidden, "FORBIDDEN", "Forbidden", ip)
			return
		}
		if _, ok := readBody(c); !ok {
			return
		}
		c.Next()
	}
}

// validSignature compares hex HMAC-SHA256 of the raw body in constant time.
func (v *WebhookVerifier) validSignature(raw []byte, sig string) bool {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(raw)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(sig), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(want, got)
}

// fresh accepts unix seconds, unix milliseconds or RFC 3339, within maxAge
// either side of now.
func (v *WebhookVerifier) fresh(ts string) bool {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return false
	}
	var at time.Time
	if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if n > 1e12 {
			at = time.UnixMilli(n)
		} else {
			at = time.Unix(n, 0)
		}
	} else if t, err := time.Parse(time.RFC3339, ts); err == nil {
		at = t
	} else {
		return false
	}
	d := v.now().Sub(at)
	if d < 0 {
		d = -d
	}
	return d <= v.maxAge
}

func (v *WebhookVerifier) reject(c *gin.Context, status int, code, msg, ip string) {
	v.log.Warnw("webhook rejected", "path", c.Request.URL.Path, "ip", ip, "code", code)
	webhookRejections.WithLabelValues(code).Inc()
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": msg, "code": code}})
}

func readBody(c *gin.Context) ([]byte, bool) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "unreadable body", "code": "INVALID_BODY"}})
		return nil, false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	c.Set(ctxRawBody, raw)
	return raw, true
}

func rawBody(c *gin.Context) []byte {
	if v, ok := c.Get(ctxRawBody); ok {
		return v.([]byte)
	}
	return nil
}

func bodyTimestamp(raw []byte) string {
	var envelope struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if json.Unmarshal(raw, &envelope) != nil || len(envelope.Timestamp) == 0 {
		return ""
	}
	return strings.Trim(string(envelope.Timestamp), `"`)
}

func parsePrefixes(entries []string, log *zap.SugaredLogger) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				log.Warnw("ignoring bad CIDR in webhook allow-list", "entry", e, "err", err)
				continue
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			log.Warnw("ignoring bad IP in webhook allow-list", "entry", e, "err", err)
			continue
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out
}

func matches(prefixes []netip.Prefix, ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
