package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "slumber",
		"version": s.deps.Version,
	})
}

// handleStatus is what a dashboard or uptime check polls: the server list
// entry players see plus the backend's power state.
func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	backend := s.deps.Backend.Snapshot()

	resp := gin.H{
		"version":        s.deps.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"backend_status": backend.Status,
		"backend_mode":   s.deps.Backend.Mode(),
		"server_list":    s.deps.Status.Build(ctx, s.cfg.GetStatus().Protocol),
	}

	if snap, err := s.deps.Controller.Snapshot(ctx); err == nil {
		resp["active_sessions"] = snap.Active
		resp["suspend_deadline"] = snap.Deadline
	}

	c.JSON(http.StatusOK, resp)
}
