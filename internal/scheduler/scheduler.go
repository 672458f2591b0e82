// Package scheduler runs the proxy's periodic housekeeping: history
// retention and stale connection sweeps.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
)

// HistoryPruner deletes history older than a retention period.
type HistoryPruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// StaleSweeper closes connections that stopped sending.
type StaleSweeper interface {
	SweepStale() int
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	history HistoryPruner
	sweeper StaleSweeper
}

// NewScheduler creates a new task scheduler. history may be nil when the
// history store is disabled.
func NewScheduler(cfg *config.Config, history HistoryPruner, sweeper StaleSweeper) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		history: history,
		sweeper: sweeper,
	}
}

// Start runs the scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	appData := s.cfg.GetApplicationData()
	log.Info().Msg("scheduler started")

	var wg sync.WaitGroup
	run := func(name string, intervalSec int, fn func(context.Context)) {
		if intervalSec <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runLoop(ctx, name, time.Duration(intervalSec)*time.Second, fn)
		}()
	}

	if s.history != nil && appData.Database.RetentionDays > 0 {
		run("history_cleanup", appData.Timers.HistoryCleanupInterval, s.runHistoryCleanup)
	}
	if s.sweeper != nil {
		run("stale_sweep", appData.Timers.StaleSweepInterval, s.runStaleSweep)
	}

	<-ctx.Done()
	wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debug().Str("task", name).Dur("interval", interval).Msg("task scheduled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runHistoryCleanup deletes sessions and power events past the retention
// period.
func (s *Scheduler) runHistoryCleanup(ctx context.Context) {
	dbCfg := s.cfg.GetApplicationData().Database
	retention := time.Duration(dbCfg.RetentionDays) * 24 * time.Hour

	removed, err := s.history.Prune(ctx, retention)
	if err != nil {
		log.Warn().Err(err).Msg("history cleanup failed")
		return
	}

	ev := log.Info().
		Int64("removed_rows", removed).
		Int("retention_days", dbCfg.RetentionDays)
	if info, err := os.Stat(dbCfg.Path); err == nil {
		ev = ev.Str("database_size", formatBytes(info.Size()))
	}
	ev.Msg("history cleanup completed")
}

func (s *Scheduler) runStaleSweep(ctx context.Context) {
	if closed := s.sweeper.SweepStale(); closed > 0 {
		log.Info().Int("closed", closed).Msg("closed stale connections")
	}
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
