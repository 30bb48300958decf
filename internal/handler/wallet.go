package handler

import (
	"net/http"

	"github.com/GoPolymarket/polyvault/internal/middleware"
	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
)

type WalletHandler struct {
	registry *service.Registry
	reports  *service.ReportService
}

func NewWalletHandler(registry *service.Registry, reports *service.ReportService) *WalletHandler {
	return &WalletHandler{registry: registry, reports: reports}
}

func (h *WalletHandler) Create(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.CreateWalletRequest
	if !bindJSON(c, &req) {
		return
	}
	w, err := h.registry.CreateWallet(c.Request.Context(), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "wallet_id", w.ID)
	c.JSON(http.StatusCreated, w)
}

func (h *WalletHandler) List(c *gin.Context) {
	wallets, err := h.registry.ListWallets(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, wallets)
}

func (h *WalletHandler) Get(c *gin.Context) {
	w, err := h.registry.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHandler) Balance(c *gin.Context) {
	bals, err := h.registry.GetBalance(c.Request.Context(), c.Param("id"), c.Query("asset"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet_id": c.Param("id"), "balances": bals})
}

func (h *WalletHandler) Credit(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.CreditRequest
	if !bindJSON(c, &req) {
		return
	}
	tx, err := h.registry.CreditWallet(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type statusChangeRequest struct {
	Reason string `json:"reason"`
}

func (h *WalletHandler) Freeze(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.registry.FreezeWallet(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "cancelled_requests", res.Cancelled)
	c.JSON(http.StatusOK, res)
}

func (h *WalletHandler) Unfreeze(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	w, err := h.registry.UnfreezeWallet(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHandler) Lock(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	w, err := h.registry.LockWalletStatus(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHandler) Deprecate(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.registry.DeprecateWallet(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WalletHandler) SetPolicy(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req model.AccessPolicy
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.registry.SetAccessPolicy(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "policy_version", p.Version)
	c.JSON(http.StatusOK, p)
}

func (h *WalletHandler) GetPolicy(c *gin.Context) {
	p, err := h.registry.GetAccessPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type attachSignerRequest struct {
	SignerID string `json:"signer_id" binding:"required"`
}

func (h *WalletHandler) AttachSigner(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req attachSignerRequest
	if !bindJSON(c, &req) {
		return
	}
	w, err := h.registry.AttachSigner(c.Request.Context(), c.Param("id"), req.SignerID, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type generateReportRequest struct {
	Type   model.ReportType   `json:"type" binding:"required"`
	Period model.ReportPeriod `json:"period"`
	service.ReportOptions
}

func (h *WalletHandler) GenerateReport(c *gin.Context) {
	var req generateReportRequest
	if !bindJSON(c, &req) {
		return
	}
	rep, err := h.reports.GenerateReport(c.Request.Context(), c.Param("id"), req.Type, req.Period, req.ReportOptions)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "report_id", rep.ID)
	c.JSON(http.StatusCreated, rep)
}

func (h *WalletHandler) ListReports(c *gin.Context) {
	if _, err := h.registry.GetWallet(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	reps, err := h.reports.ListReports(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reps)
}

// requireActor reads the caller set by AuthMiddleware.
func requireActor(c *gin.Context) (model.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok || actor.ID == "" {
		c.Error(apperrors.New(apperrors.ErrAuthFailed, "unauthorized: missing actor context", nil))
		return model.Actor{}, false
	}
	return actor, true
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.Error(apperrors.WithReasonCause(apperrors.ErrValidation, "invalid_body", err.Error(), err))
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}
