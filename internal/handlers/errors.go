package handlers

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
)

// respondError translates the service error taxonomy to HTTP. Policy errors
// (credits, model access, concurrency) carry structured detail next to the
// message so clients can render limits without parsing strings.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	var (
		validation  *models.ValidationError
		credits     *models.InsufficientCreditsError
		modelAccess *models.ModelAccessError
		trial       *models.TrialNotAllowedError
		projects    *models.ProjectLimitError
		concurrency *models.ConcurrencyLimitError
	)
	switch {
	case errors.As(err, &validation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, models.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.As(err, &credits):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":     credits.Error(),
			"required":  credits.Required,
			"available": credits.Available,
		})
	case errors.As(err, &modelAccess):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": modelAccess.Error(),
			"model": modelAccess.Model,
			"tier":  modelAccess.Tier,
		})
	case errors.As(err, &trial):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":        trial.Error(),
			"trial_status": trial.Status,
		})
	case errors.As(err, &projects):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   projects.Error(),
			"current": projects.Count,
			"limit":   projects.Limit,
		})
	case errors.Is(err, models.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, models.ErrRunTerminal):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &concurrency):
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":              concurrency.Error(),
			"running_count":      concurrency.RunningCount,
			"limit":              concurrency.Limit,
			"running_thread_ids": concurrency.RunningThreadIDs,
		})
	case errors.Is(err, models.ErrProviderUnavailable):
		c.Header("Retry-After", "60")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		sentry.CaptureException(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// pathUUID parses a path parameter as a UUID, responding 400 itself when the
// value is malformed.
func pathUUID(c *gin.Context, log *zap.Logger, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, log, &models.ValidationError{Field: name, Reason: "must be a valid uuid"})
		return uuid.Nil, false
	}
	return id, true
}
