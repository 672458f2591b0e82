package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/network"
	"github.com/slumber-project/slumber/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func historyLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// handleSessions returns the live tunnelled sessions, the idle controller
// state and, when history is enabled, recent finished sessions.
func (s *Server) handleSessions(c *gin.Context) {
	ctx := c.Request.Context()

	snap, err := s.deps.Controller.Snapshot(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	live := []network.ConnectionInfo{}
	for _, info := range s.deps.Proxy.Registry().List() {
		if info.Tunnelled {
			live = append(live, info)
		}
	}

	resp := gin.H{
		"idle": snap,
		"live": live,
	}

	if s.deps.History != nil {
		recent, err := s.deps.History.RecentSessions(ctx, historyLimit(c))
		if err != nil {
			log.Error().Err(err).Msg("failed to read session history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session history"})
			return
		}
		summary, err := s.deps.History.Summary(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to summarize session history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session history"})
			return
		}
		resp["recent"] = recent
		resp["summary"] = summary
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": s.deps.Proxy.Registry().List(),
		"stats":       s.deps.Proxy.Stats(),
	})
}

func (s *Server) handlePowerEvents(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	evts, err := s.deps.History.PowerEvents(c.Request.Context(), historyLimit(c))
	if err != nil {
		log.Error().Err(err).Msg("failed to read power events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read power events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

// handleSystem reports host resources and the backend process.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{
		"system":  util.GetSystemInfo(),
		"backend": s.deps.Backend.Snapshot(),
		"managed": s.deps.Backend.Managed(),
	}

	if cpuPct, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpuPct
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = memUsage
	}
	if avg, err := util.GetLoadAverage(); err == nil {
		resp["load"] = avg
	}

	dir := s.cfg.GetBackend().WorkDirectory
	if dir == "" {
		dir = "."
	}
	if du, err := util.GetDiskUsage(dir); err == nil {
		resp["disk"] = du
	}

	c.JSON(http.StatusOK, resp)
}
