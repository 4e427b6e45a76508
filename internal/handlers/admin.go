package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/services"
)

// AdminHandler serves the ops-key protected reconciliation triggers.
type AdminHandler struct {
	recon *services.ReconciliationService
	log   *zap.Logger
}

func NewAdminHandler(recon *services.ReconciliationService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{recon: recon, log: log.Named("handlers.admin")}
}

// ReconcileAll handles POST /admin/reconcile. Partial failures still return
// the report so the operator can see which jobs ran.
func (h *AdminHandler) ReconcileAll(c *gin.Context) {
	report, err := h.recon.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"report": report, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ReconcileJob handles POST /admin/reconcile/:job.
func (h *AdminHandler) ReconcileJob(c *gin.Context) {
	report, err := h.recon.RunJob(c.Request.Context(), c.Param("job"))
	if err != nil {
		if report == "" {
			respondError(c, h.log, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"report": report, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
