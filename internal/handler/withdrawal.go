package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/GoPolymarket/polyvault/internal/middleware"
	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
)

type WithdrawalHandler struct {
	withdrawals *service.WithdrawalService
}

func NewWithdrawalHandler(withdrawals *service.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawals: withdrawals}
}

func (h *WithdrawalHandler) Submit(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.SubmitRequest
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.withdrawals.Submit(c.Request.Context(), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "risk_score", r.RiskScore)
	middleware.AddAuditContext(c, "flagged", r.Flagged)
	c.JSON(http.StatusCreated, r)
}

func (h *WithdrawalHandler) Get(c *gin.Context) {
	r, err := h.withdrawals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// List filters by ?wallet_id=, ?status= (repeatable or comma separated) and ?limit=.
func (h *WithdrawalHandler) List(c *gin.Context) {
	f := repository.RequestFilter{WalletID: c.Query("wallet_id")}
	for _, raw := range c.QueryArray("status") {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, model.RequestStatus(st))
			}
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			f.Limit = parsed
		}
	}
	reqs, err := h.withdrawals.List(c.Request.Context(), f)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

func (h *WithdrawalHandler) Approve(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.ApproveRequest
	if !bindJSON(c, &req) {
		return
	}
	req.RequestID = c.Param("id")
	res, err := h.withdrawals.Approve(c.Request.Context(), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "decision", req.Decision)
	middleware.AddAuditContext(c, "status", res.Request.Status)
	c.JSON(http.StatusOK, res)
}

func (h *WithdrawalHandler) Cancel(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	r, err := h.withdrawals.Cancel(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *WithdrawalHandler) Execute(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	res, err := h.withdrawals.Execute(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
