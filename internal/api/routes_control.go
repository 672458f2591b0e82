package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/idle"
)

func (s *Server) handleSuspend(c *gin.Context) {
	err := s.deps.Controller.SuspendNow(c.Request.Context())
	switch {
	case err == nil:
	case errors.Is(err, idle.ErrSessionsActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, idle.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	default:
		log.Error().Err(err).Msg("manual suspend failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("client_ip", c.ClientIP()).Msg("backend suspended via API")
	c.JSON(http.StatusOK, gin.H{
		"status":  "suspended",
		"backend": s.deps.Backend.Snapshot().Status,
	})
}

// handleResume wakes the backend as if a session had come and gone, so the
// idle timeout suspends it again if nobody joins.
func (s *Server) handleResume(c *gin.Context) {
	err := s.deps.Controller.Hold(c.Request.Context(), s.deps.Backend.Wake)
	if err != nil {
		log.Error().Err(err).Msg("manual resume failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("client_ip", c.ClientIP()).Msg("backend resumed via API")
	c.JSON(http.StatusOK, gin.H{
		"status":  "resumed",
		"backend": s.deps.Backend.Snapshot().Status,
	})
}
