package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/escrow"
	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/idempotency"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/reconcile"
	"github.com/richardliu001/bridge-wallet/internal/refund"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BreakerReporter exposes the provider circuit breaker to operators.
type BreakerReporter interface {
	Snapshot() provider.BreakerState
}

// Handler adapts the services to gin.
type Handler struct {
	wallet  *service.WalletService
	escrow  *escrow.Service
	refunds *refund.Service
	recon   *reconcile.Handler
	fees    *fee.Engine
	breaker BreakerReporter
	log     *zap.SugaredLogger
}

type Deps struct {
	Wallet    *service.WalletService
	Escrow    *escrow.Service
	Refunds   *refund.Service
	Reconcile *reconcile.Handler
	Fees      *fee.Engine
	Breaker   BreakerReporter
}

func NewHandler(d Deps, log *zap.SugaredLogger) *Handler {
	return &Handler{
		wallet: d.Wallet, escrow: d.Escrow, refunds: d.Refunds, recon: d.Reconcile,
		fees: d.Fees, breaker: d.Breaker, log: log,
	}
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.Status(err), apperr.Body(err))
}

func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, apperr.Validation("INVALID_BODY", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string, def int) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil || n < 0 {
		return def
	}
	return n
}

type openWalletReq struct {
	Currency string `json:"currency"`
}

func (h *Handler) openWallet(c *gin.Context) {
	var req openWalletReq
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	w, err := h.wallet.OpenWallet(c.Request.Context(), actor(c).ID, req.Currency)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, toWallet(w))
}

func (h *Handler) balance(c *gin.Context) {
	w, err := h.wallet.GetWallet(c.Request.Context(), actor(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, toWallet(w))
}

func (h *Handler) history(c *gin.Context) {
	f := repo.HistoryFilter{
		Type:   strings.ToUpper(c.Query("type")),
		Status: strings.ToUpper(c.Query("status")),
		Limit:  queryInt(c, "limit", 20),
		Offset: queryInt(c, "offset", 0),
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fail(c, apperr.Validation("INVALID_SINCE", "since must be RFC 3339"))
			return
		}
		f.Since = since
	}
	rows, total, err := h.wallet.GetHistory(c.Request.Context(), actor(c).ID, f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"transactions": toTransactions(rows), "total": total, "limit": f.Limit, "offset": f.Offset})
}

type depositReq struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Phone    string          `json:"phoneNumber"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
}

func (r depositReq) toService(c *gin.Context) service.DepositRequest {
	return service.DepositRequest{
		UserID: actor(c).ID, Amount: r.Amount, Currency: r.Currency,
		Phone: r.Phone, Email: r.Email, Name: r.Name, CorrelationID: correlationID(c),
	}
}

func (h *Handler) deposit(c *gin.Context) {
	var req depositReq
	if !bind(c, &req) {
		return
	}
	res, err := h.wallet.DepositMobileMoney(c.Request.Context(), req.toService(c))
	respondPayIn(c, res, err)
}

func (h *Handler) depositCard(c *gin.Context) {
	var req depositReq
	if !bind(c, &req) {
		return
	}
	res, err := h.wallet.DepositCard(c.Request.Context(), req.toService(c))
	respondPayIn(c, res, err)
}

func respondPayIn(c *gin.Context, res *service.PayInResult, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	v := paymentView{Transaction: toTransaction(res.Transaction), Quote: res.Quote, RedirectURL: res.RedirectURL}
	if res.Provider != nil {
		v.Mode = string(res.Provider.Mode)
	}
	ok(c, payInStatus(res.Transaction), v)
}

// payInStatus reports 202 while the rail has yet to confirm.
func payInStatus(t *model.Transaction) int {
	if t != nil && t.Status == model.StatusPending {
		return http.StatusAccepted
	}
	return http.StatusOK
}

type withdrawReq struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Phone    string          `json:"phoneNumber"`
}

func (h *Handler) withdraw(c *gin.Context) {
	var req withdrawReq
	if !bind(c, &req) {
		return
	}
	res, err := h.wallet.Withdraw(c.Request.Context(), service.WithdrawRequest{
		UserID: actor(c).ID, Amount: req.Amount, Method: fee.MethodMpesa, Phone: req.Phone, Currency: req.Currency,
		IdempotencyKey: c.GetHeader(idempotency.HeaderKey), CorrelationID: correlationID(c),
	})
	respondPayout(c, res, err)
}

type withdrawBankReq struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BankCode      string          `json:"bankCode"`
	AccountNumber string          `json:"accountNumber"`
	AccountName   string          `json:"accountName"`
}

func (h *Handler) withdrawBank(c *gin.Context) {
	var req withdrawBankReq
	if !bind(c, &req) {
		return
	}
	res, err := h.wallet.Withdraw(c.Request.Context(), service.WithdrawRequest{
		UserID: actor(c).ID, Amount: req.Amount, Method: fee.MethodBankA2P, Currency: req.Currency,
		Bank:           &model.BankDetails{BankCode: req.BankCode, AccountNumber: req.AccountNumber, AccountName: req.AccountName},
		IdempotencyKey: c.GetHeader(idempotency.HeaderKey), CorrelationID: correlationID(c),
	})
	respondPayout(c, res, err)
}

func respondPayout(c *gin.Context, res *service.PayoutResult, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	v := paymentView{Transaction: toTransaction(res.Transaction), Quote: res.Quote}
	if res.Provider != nil {
		v.Mode = string(res.Provider.Mode)
	}
	ok(c, payInStatus(res.Transaction), v)
}

type transferReq struct {
	ToUserID    string          `json:"toUserId" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
}

func (h *Handler) transfer(c *gin.Context) {
	var req transferReq
	if !bind(c, &req) {
		return
	}
	t, err := h.wallet.Transfer(c.Request.Context(), service.TransferRequest{
		FromUserID: actor(c).ID, ToUserID: req.ToUserID, Amount: req.Amount,
		Currency: req.Currency, Description: req.Description,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, toTransaction(t))
}

type merchantPaymentReq struct {
	MerchantID  string          `json:"merchantId" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Phone       string          `json:"phoneNumber"`
	Email       string          `json:"email"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
}

func (h *Handler) merchantPayment(c *gin.Context) {
	var req merchantPaymentReq
	if !bind(c, &req) {
		return
	}
	res, err := h.wallet.PayMerchantByCard(c.Request.Context(), service.MerchantPaymentRequest{
		PayerID: actor(c).ID, MerchantID: req.MerchantID, Amount: req.Amount, Currency: req.Currency,
		Phone: req.Phone, Email: req.Email, Name: req.Name, Description: req.Description,
		CorrelationID: correlationID(c),
	})
	respondPayIn(c, res, err)
}

type refundReq struct {
	TransactionID string           `json:"transactionId" binding:"required"`
	Amount        *decimal.Decimal `json:"amount"`
	Reason        string           `json:"reason"`
}

func (h *Handler) refund(c *gin.Context) {
	var req refundReq
	if !bind(c, &req) {
		return
	}
	a := actor(c)
	t, err := h.refunds.Refund(c.Request.Context(), refund.Request{
		ActorID: a.ID, ActorRole: a.Role, TransactionID: req.TransactionID, Amount: req.Amount, Reason: req.Reason,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, toTransaction(t))
}

func (h *Handler) refundEligibility(c *gin.Context) {
	e, err := h.refunds.CanRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, e)
}

func (h *Handler) refundHistory(c *gin.Context) {
	limit, offset := queryInt(c, "limit", 20), queryInt(c, "offset", 0)
	rows, total, err := h.refunds.History(c.Request.Context(), actor(c).ID, limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"refunds": toTransactions(rows), "total": total, "limit": limit, "offset": offset})
}

func (h *Handler) feeQuote(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		fail(c, apperr.ErrInvalidAmount)
		return
	}
	q, err := h.fees.Quote(c.Request.Context(), fee.QuoteRequest{
		Flow:     strings.ToUpper(c.Query("flow")),
		Method:   strings.ToUpper(c.Query("method")),
		Currency: strings.ToUpper(c.Query("currency")),
		Amount:   amount,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"quote": q, "total": q.Total(), "net": q.Net()})
}

func (h *Handler) platformAccount(c *gin.Context) {
	ctx := c.Request.Context()
	l := h.wallet.Ledger()
	acct, err := l.Account(ctx, h.wallet.Repo().DB(ctx), strings.ToUpper(c.Query("currency")))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, platformAccountView{
		Currency: acct.Currency, FeeRevenue: acct.FeeRevenue, PayoutClearing: acct.PayoutClearing, UpdatedAt: acct.UpdatedAt,
	})
}

func (h *Handler) breakerState(c *gin.Context) {
	if h.breaker == nil {
		ok(c, http.StatusOK, provider.BreakerState{State: "closed"})
		return
	}
	ok(c, http.StatusOK, h.breaker.Snapshot())
}
