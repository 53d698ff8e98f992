package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/escrow"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/shopspring/decimal"
)

type milestoneReq struct {
	Title  string          `json:"title"`
	Amount decimal.Decimal `json:"amount"`
}

type createProjectReq struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Budget      decimal.Decimal `json:"budget"`
	Currency    string          `json:"currency"`
	Milestones  []milestoneReq  `json:"milestones"`
}

func (h *Handler) createProject(c *gin.Context) {
	var req createProjectReq
	if !bind(c, &req) {
		return
	}
	in := escrow.CreateProjectRequest{
		OwnerID: actor(c).ID, Title: req.Title, Description: req.Description,
		Budget: req.Budget, Currency: req.Currency,
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, escrow.MilestoneInput{Title: m.Title, Amount: m.Amount})
	}
	p, err := h.escrow.CreateProject(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, toProject(p))
}

// getProject is visible to the parties, admins and verifiers.
func (h *Handler) getProject(c *gin.Context) {
	p, err := h.escrow.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	a := actor(c)
	party := p.OwnerID == a.ID || (p.ImplementerID != nil && *p.ImplementerID == a.ID)
	if !party && !a.IsAdmin() && a.Role != model.RoleProjectVerifier {
		fail(c, apperr.ErrForbidden)
		return
	}
	ok(c, http.StatusOK, toProject(p))
}

// projectResult reloads the project after a state change and returns it.
func (h *Handler) projectResult(c *gin.Context, status int, extra gin.H) {
	p, err := h.escrow.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{"project": toProject(p)}
	for k, v := range extra {
		body[k] = v
	}
	ok(c, status, body)
}

func (h *Handler) publishProject(c *gin.Context) {
	if err := h.escrow.Publish(c.Request.Context(), actor(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}

type assignReq struct {
	ImplementerID string `json:"implementerId"`
}

func (h *Handler) assignProject(c *gin.Context) {
	var req assignReq
	if !bind(c, &req) {
		return
	}
	if err := h.escrow.Assign(c.Request.Context(), actor(c), c.Param("id"), req.ImplementerID); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}

func (h *Handler) fundProject(c *gin.Context) {
	t, err := h.escrow.FundFromWallet(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, gin.H{"transaction": toTransaction(t)})
}

type fundCardReq struct {
	Amount decimal.Decimal `json:"amount"`
	Phone  string          `json:"phoneNumber"`
	Email  string          `json:"email"`
	Name   string          `json:"name"`
}

func (h *Handler) fundProjectCard(c *gin.Context) {
	var req fundCardReq
	if !bind(c, &req) {
		return
	}
	res, err := h.escrow.FundByCard(c.Request.Context(), actor(c), c.Param("id"), escrow.CardFundingRequest{
		Amount: req.Amount, Phone: req.Phone, Email: req.Email, Name: req.Name, CorrelationID: correlationID(c),
	})
	respondPayIn(c, res, err)
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) disputeProject(c *gin.Context) {
	var req reasonReq
	if !bind(c, &req) {
		return
	}
	if err := h.escrow.Dispute(c.Request.Context(), actor(c), c.Param("id"), req.Reason); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}

func (h *Handler) cancelProject(c *gin.Context) {
	t, err := h.escrow.Cancel(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, gin.H{"refund": toTransaction(t)})
}

func (h *Handler) startMilestone(c *gin.Context) {
	if err := h.escrow.StartMilestone(c.Request.Context(), actor(c), c.Param("id"), c.Param("milestoneId")); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}

type evidenceReq struct {
	Evidence map[string]interface{} `json:"evidence"`
}

func (h *Handler) submitMilestone(c *gin.Context) {
	var req evidenceReq
	if !bind(c, &req) {
		return
	}
	if err := h.escrow.SubmitEvidence(c.Request.Context(), actor(c), c.Param("id"), c.Param("milestoneId"), req.Evidence); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}

func (h *Handler) reviewMilestone(c *gin.Context) {
	if err := h.escrow.StartReview(c.Request.Context(), actor(c), c.Param("id"), c.Param("milestoneId")); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}

type approveReq struct {
	Notes string `json:"notes"`
}

func (h *Handler) approveMilestone(c *gin.Context) {
	var req approveReq
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	t, err := h.escrow.ApproveMilestone(c.Request.Context(), actor(c), c.Param("id"), c.Param("milestoneId"), req.Notes)
	if err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, gin.H{"transaction": toTransaction(t)})
}

func (h *Handler) rejectMilestone(c *gin.Context) {
	var req reasonReq
	if !bind(c, &req) {
		return
	}
	if err := h.escrow.RejectMilestone(c.Request.Context(), actor(c), c.Param("id"), c.Param("milestoneId"), req.Reason); err != nil {
		fail(c, err)
		return
	}
	h.projectResult(c, http.StatusOK, nil)
}
