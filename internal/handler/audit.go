package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	svc *service.AuditService
}

func NewAuditHandler(svc *service.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// List returns audit entries newest first. Admins and auditors see every entry;
// other actors only their own.
func (h *AuditHandler) List(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	f := repository.AuditFilter{
		WalletID:  c.Query("wallet_id"),
		RequestID: c.Query("request_id"),
		Actor:     c.Query("actor"),
		Action:    c.Query("action"),
	}
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			f.Limit = parsed
		}
	}
	if raw := c.Query("from"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.WithReason(apperrors.ErrValidation, "invalid_from", err.Error()))
			return
		}
		f.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			c.Error(apperrors.WithReason(apperrors.ErrValidation, "invalid_to", err.Error()))
			return
		}
		f.To = &t
	}

	if actor.Role != model.RoleAdmin && actor.Role != model.RoleAuditor {
		f.Actor = actor.ID
	}

	records, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, records)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format %q", raw)
}
