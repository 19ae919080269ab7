package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/job/store"
	"github.com/backportd/backportd/internal/orchestrator"
)

func handleStoreError(c *gin.Context, log *logger.Logger, err error, fallback string) {
	if errors.Is(err, store.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
		return
	}
	log.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}

func handleSubmitError(c *gin.Context, log *logger.Logger, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTrigger):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log.Error("trigger submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
