// Package health runs periodic checks on the backend and the host and
// publishes heartbeats.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/connector"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/server"
	"github.com/slumber-project/slumber/internal/util"
)

// Backend is the part of the backend supervisor the checks look at.
type Backend interface {
	Snapshot() server.BackendSnapshot
	IsReady(ctx context.Context) bool
}

// Counters reports live proxy activity for heartbeats.
type Counters interface {
	ActiveSessions(ctx context.Context) int
	OpenConnections() int
}

// Manager runs periodic health checks.
type Manager struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	backend   Backend
	counters  Counters
	startedAt time.Time

	mu          sync.Mutex
	unreachable bool
	diskLevel   string
}

// NewManager creates a new health check manager.
func NewManager(cfg *config.Config, eventBus *events.EventBus, backend Backend, counters Counters) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		backend:   backend,
		counters:  counters,
		startedAt: time.Now(),
	}
}

// Start launches every check with a positive interval and blocks until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetApplicationData().Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
		{"stats_polling", timers.StatsPollingInterval, m.pollStats},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	var wg sync.WaitGroup
	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			log.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	log.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("health check manager stopped")
}

// checkGeneralHealth dials a backend that claims to be ready and reports
// when it stops (or starts again) accepting connections.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	snap := m.backend.Snapshot()

	if snap.Status == events.BackendStarting {
		limit := 2 * m.cfg.GetBackend().ReadyTimeout()
		if limit > 0 && time.Since(snap.StatusChangedAt) > limit {
			log.Warn().
				Dur("starting_for", time.Since(snap.StatusChangedAt)).
				Msg("backend stuck in starting state")
		}
		return
	}
	if snap.Status != events.BackendReady {
		return
	}

	ready := m.backend.IsReady(ctx)

	m.mu.Lock()
	changed := ready == m.unreachable
	m.unreachable = !ready
	m.mu.Unlock()

	if !changed {
		return
	}

	if !ready {
		log.Warn().Str("addr", m.cfg.GetBackend().Addr()).Msg("backend is not accepting connections")
		m.notify(ctx, "Backend Unreachable",
			fmt.Sprintf("The backend at %s stopped accepting connections.", m.cfg.GetBackend().Addr()),
			connector.LevelError)
		return
	}
	log.Info().Msg("backend is accepting connections again")
	m.notify(ctx, "Backend Recovered", "The backend is accepting connections again.", connector.LevelInfo)
}

// diskAlertLevel maps disk usage to a notification level. Below 80% there
// is nothing to report.
func diskAlertLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 95:
		return connector.LevelError
	case usedPercent >= 90:
		return connector.LevelWarning
	case usedPercent >= 80:
		return connector.LevelInfo
	default:
		return ""
	}
}

// checkDiskUtilization watches the backend's work directory. It notifies
// once per level change.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	path := m.cfg.GetBackend().WorkDirectory
	if path == "" {
		path = "."
	}

	usage, err := util.GetDiskUsage(path)
	if err != nil {
		log.Warn().Err(err).Msg("disk utilization check failed")
		return
	}
	m.reportDisk(ctx, usage)
}

func (m *Manager) reportDisk(ctx context.Context, usage *util.DiskUsage) {
	log.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	level := diskAlertLevel(usage.UsedPercent)

	m.mu.Lock()
	changed := level != m.diskLevel
	m.diskLevel = level
	m.mu.Unlock()

	if !changed || level == "" {
		return
	}

	message := fmt.Sprintf("Disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
	log.Warn().Str("level", level).Msg(message)

	if m.cfg.GetApplicationData().Discord.NotifyOnDisk {
		m.notify(ctx, "Disk Space Alert", message, level)
	}
}

// pollStats logs backend and host resource usage.
func (m *Manager) pollStats(ctx context.Context) {
	snap := m.backend.Snapshot()
	ev := log.Debug().
		Str("backend", snap.Status.String()).
		Float64("backend_cpu", snap.CPUPercent).
		Float64("backend_mem_mb", snap.MemoryMB)

	if memUsage, err := util.GetMemoryUsage(); err == nil {
		ev = ev.Float64("host_mem_percent", memUsage.UsedPercent)
		if memUsage.UsedPercent >= 95 {
			log.Warn().
				Float64("used_percent", memUsage.UsedPercent).
				Uint64("available_mb", memUsage.Available).
				Msg("host memory nearly exhausted")
		}
	}
	ev.Msg("resource usage")
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHeartbeat,
		Source: "health",
		Payload: events.HeartbeatPayload{
			Backend:         m.backend.Snapshot().Status,
			ActiveSessions:  m.counters.ActiveSessions(ctx),
			OpenConnections: m.counters.OpenConnections(),
			Uptime:          time.Since(m.startedAt),
		},
	})
}

func (m *Manager) notify(ctx context.Context, title, message, level string) {
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyDiscord,
		Source: "health",
		Payload: events.NotifyDiscordPayload{
			Title:   title,
			Message: message,
			Level:   level,
		},
	})
}
