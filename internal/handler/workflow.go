package handler

import (
	"net/http"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
)

type WorkflowHandler struct {
	workflows *service.WorkflowEngine
}

func NewWorkflowHandler(workflows *service.WorkflowEngine) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows}
}

func (h *WorkflowHandler) Register(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req model.ApprovalWorkflow
	if !bindJSON(c, &req) {
		return
	}
	wf, err := h.workflows.RegisterWorkflow(c.Request.Context(), req, actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

func (h *WorkflowHandler) List(c *gin.Context) {
	wfs, err := h.workflows.ListWorkflows(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if walletID := c.Query("wallet_id"); walletID != "" {
		// 全局流程 (无 wallet_id) 对所有钱包生效
		filtered := wfs[:0]
		for _, wf := range wfs {
			if wf.WalletID == "" || wf.WalletID == walletID {
				filtered = append(filtered, wf)
			}
		}
		wfs = filtered
	}
	c.JSON(http.StatusOK, wfs)
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	wf, err := h.workflows.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, wf)
}
