package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const redacted = "********"

// handleGetConfig returns the running configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	appData := s.cfg.GetApplicationData()
	if appData.API.Token != "" {
		appData.API.Token = redacted
	}
	if appData.Discord.WebhookURL != "" {
		appData.Discord.WebhookURL = redacted
	}

	c.JSON(http.StatusOK, gin.H{
		"proxy":            s.cfg.Proxy,
		"backend":          s.cfg.GetBackend(),
		"status":           s.cfg.GetStatus(),
		"application_data": appData,
	})
}

// handlePatchStatus updates status fields by JSON key, saves the config
// and applies it to the server list entry immediately.
func (s *Server) handlePatchStatus(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	for key, value := range updates {
		if err := s.cfg.UpdateStatusField(key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": key})
			return
		}
	}

	if s.cfg.Path() != "" {
		if err := s.cfg.Save(); err != nil {
			log.Error().Err(err).Msg("failed to save config")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
			return
		}
	}

	status := s.cfg.GetStatus()
	s.deps.Status.Update(status)
	log.Info().Int("fields", len(updates)).Msg("status config updated via API")

	c.JSON(http.StatusOK, gin.H{"status": status})
}
