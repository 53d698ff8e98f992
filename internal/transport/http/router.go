package http

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/bridge-wallet/internal/config"
	"github.com/richardliu001/bridge-wallet/internal/idempotency"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"go.uber.org/zap"
)

// RouterConfig is the slice of configuration the HTTP layer reads.
type RouterConfig struct {
	// TrustedProxies are the only peers whose X-Forwarded-For is believed.
	TrustedProxies []string
	RateLimit      config.RateLimitConfig
	Webhook        config.WebhookConfig
	Idempotent     []string
	Idempotency    *idempotency.Guard
}

func NewRouter(h *Handler, rc RouterConfig, log *zap.SugaredLogger) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(rc.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	verifier := NewWebhookVerifier(WebhookOptions{
		Secret: rc.Webhook.Secret, AllowedIPs: rc.Webhook.AllowedIPs, MpesaIPs: rc.Webhook.MpesaIPs,
		RequireIP: rc.Webhook.RequireIP, MaxAge: rc.Webhook.MaxAge,
	}, log)
	if !verifier.Configured() {
		log.Warn("lemonade callbacks will be refused: set a webhook secret or allowed_ips")
	}
	cb := r.Group("/api/callback", RateLimitMiddleware(rc.Webhook.RateLimitRPS, rc.Webhook.RateLimitRPS*2))
	{
		cb.POST("/lemonade", verifier.Lemonade(), h.lemonadeCallback)
		mp := cb.Group("/mpesa", verifier.Mpesa())
		mp.POST("", h.mpesaCallback("mpesa_stk", h.recon.HandleMpesaSTK))
		mp.POST("/b2c/result", h.mpesaCallback("mpesa_b2c", h.recon.HandleMpesaB2C))
		mp.POST("/b2c/timeout", h.mpesaCallback("mpesa_b2c_timeout", h.recon.HandleMpesaB2CTimeout))
	}

	api := r.Group("/api", RateLimitMiddleware(rc.RateLimit.RPS, rc.RateLimit.Burst), AuthMiddleware())
	if rc.Idempotency != nil {
		api.Use(idempotency.Middleware(rc.Idempotency, rc.Idempotent, func(c *gin.Context) string { return actor(c).ID }))
	}
	RegisterHandlers(api, h)
	return r, nil
}

// RegisterHandlers mounts the authenticated API on g.
func RegisterHandlers(g *gin.RouterGroup, h *Handler) {
	w := g.Group("/wallet")
	{
		w.POST("", h.openWallet)
		w.GET("/balance", h.balance)
		w.GET("/transactions", h.history)
		w.POST("/deposit", h.deposit)
		w.POST("/deposit-card", h.depositCard)
		w.POST("/withdraw", h.withdraw)
		w.POST("/withdraw-bank", h.withdrawBank)
		w.POST("/transfer", h.transfer)
		w.POST("/refund", h.refund)
		w.GET("/refunds", h.refundHistory)
		w.GET("/refund/:id/eligibility", h.refundEligibility)
	}
	g.GET("/fees/quote", h.feeQuote)
	g.POST("/merchant/process-payment", h.merchantPayment)

	g.POST("/project", h.createProject)
	p := g.Group("/project/:id")
	{
		p.GET("", h.getProject)
		p.POST("/publish", h.publishProject)
		p.POST("/assign", h.assignProject)
		p.POST("/fund", h.fundProject)
		p.POST("/fund-card", h.fundProjectCard)
		p.POST("/dispute", h.disputeProject)
		p.POST("/cancel", h.cancelProject)
		m := p.Group("/milestones/:milestoneId")
		m.POST("/start", h.startMilestone)
		m.POST("/submit", h.submitMilestone)
		m.POST("/review", h.reviewMilestone)
		m.POST("/approve", h.approveMilestone)
		m.POST("/reject", h.rejectMilestone)
	}

	admin := g.Group("/admin", RequireRole(model.RoleAdmin))
	{
		admin.GET("/platform-account", h.platformAccount)
		admin.GET("/provider/breaker", h.breakerState)
	}
}
