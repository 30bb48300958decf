package handler

import (
	"context"
	"net/http"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
)

type SignerHandler struct {
	registry *service.Registry
}

func NewSignerHandler(registry *service.Registry) *SignerHandler {
	return &SignerHandler{registry: registry}
}

func (h *SignerHandler) Add(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req service.AddSignerRequest
	if !bindJSON(c, &req) {
		return
	}
	s, err := h.registry.AddSigner(c.Request.Context(), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *SignerHandler) List(c *gin.Context) {
	signers, err := h.registry.ListSigners(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, signers)
}

func (h *SignerHandler) Get(c *gin.Context) {
	s, err := h.registry.GetSigner(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *SignerHandler) Suspend(c *gin.Context) {
	h.changeStatus(c, h.registry.SuspendSigner)
}

func (h *SignerHandler) Revoke(c *gin.Context) {
	h.changeStatus(c, h.registry.RevokeSigner)
}

func (h *SignerHandler) Reactivate(c *gin.Context) {
	h.changeStatus(c, h.registry.ReactivateSigner)
}

type signerStatusFunc func(ctx context.Context, id, reason string, actor model.Actor) (*model.VaultSigner, error)

func (h *SignerHandler) changeStatus(c *gin.Context, fn signerStatusFunc) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req statusChangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	s, err := fn(c.Request.Context(), c.Param("id"), req.Reason, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s)
}
