package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotRunning is returned when an operation needs a live process.
var ErrNotRunning = errors.New("process not running")

// ProcessManager handles the lifecycle of the backend OS process. It wraps
// os/exec for launching and gopsutil for pausing and resource queries.
type ProcessManager struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	proc   *process.Process
	pid    int
	logger zerolog.Logger

	// State
	running   bool
	paused    bool
	startedAt time.Time
	exitCode  int
	exitErr   error
	done      chan struct{}
	onExit    func(pid, exitCode int, err error)

	cfg ProcessConfig
}

// ProcessConfig holds configuration for launching the backend process.
type ProcessConfig struct {
	Executable    string
	Args          []string
	WorkDir       string
	ForwardOutput bool              // copy stdout/stderr into the log
	EnvVars       map[string]string // added to the inherited environment
	OnLine        func(line string) // called for every output line
}

// JavaProcessConfig builds the launch line `java -jar <server file> <args...>`.
func JavaProcessConfig(javaPath, serverFile string, args []string, workDir string, forward bool) ProcessConfig {
	return ProcessConfig{
		Executable:    javaPath,
		Args:          append([]string{"-jar", serverFile}, args...),
		WorkDir:       workDir,
		ForwardOutput: forward,
	}
}

// NewProcessManager creates a new process manager.
func NewProcessManager(cfg ProcessConfig) *ProcessManager {
	return &ProcessManager{
		cfg:      cfg,
		exitCode: -1,
		logger:   log.With().Str("component", "process").Logger(),
	}
}

// OnExit registers a callback run after the process exits, whether it was
// asked to or not.
func (pm *ProcessManager) OnExit(fn func(pid, exitCode int, err error)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.onExit = fn
}

// Start launches the process. The process is not tied to ctx: it keeps
// running until Stop or Kill.
func (pm *ProcessManager) Start(_ context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.running {
		return fmt.Errorf("process already running (pid: %d)", pm.pid)
	}

	pm.logger.Info().
		Str("executable", pm.cfg.Executable).
		Strs("args", pm.cfg.Args).
		Str("workdir", pm.cfg.WorkDir).
		Msg("starting backend process")

	cmd := exec.Command(pm.cfg.Executable, pm.cfg.Args...)
	cmd.Dir = pm.cfg.WorkDir
	if len(pm.cfg.EnvVars) > 0 {
		env := os.Environ()
		for k, v := range pm.cfg.EnvVars {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	if pm.cfg.ForwardOutput || pm.cfg.OnLine != nil {
		out := &lineLogger{
			logger:  log.With().Str("component", "backend").Logger(),
			forward: pm.cfg.ForwardOutput,
			onLine:  pm.cfg.OnLine,
		}
		cmd.Stdout = out
		cmd.Stderr = out
	}
	setPlatformProcessAttrs(cmd)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to start process: %w", err)
	}

	pm.cmd = cmd
	pm.stdin = stdin
	pm.pid = cmd.Process.Pid
	pm.running = true
	pm.paused = false
	pm.startedAt = time.Now()
	pm.exitCode = -1
	pm.exitErr = nil
	pm.done = make(chan struct{})
	pm.proc = nil
	if p, err := process.NewProcess(int32(pm.pid)); err == nil {
		pm.proc = p
	}

	pm.logger.Info().Int("pid", pm.pid).Msg("backend process started")

	go pm.monitor(cmd, pm.done)
	return nil
}

// monitor waits for the process and records how it ended.
func (pm *ProcessManager) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.paused = false
	pm.exitErr = err
	if cmd.ProcessState != nil {
		pm.exitCode = cmd.ProcessState.ExitCode()
	}
	pid := pm.pid
	exitCode := pm.exitCode
	onExit := pm.onExit
	pm.mu.Unlock()
	close(done)

	pm.logger.Info().
		Int("pid", pid).
		Int("exit_code", exitCode).
		Msg("backend process exited")

	if onExit != nil {
		onExit(pid, exitCode, err)
	}
}

// SendCommand writes one line to the process's console.
func (pm *ProcessManager) SendCommand(line string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.stdin == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(pm.stdin, strings.TrimRight(line, "\r\n")+"\n"); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// Stop asks the server to shut down with the "stop" console command, then
// interrupts it, then kills it. ctx bounds the graceful part.
func (pm *ProcessManager) Stop(ctx context.Context) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	done := pm.done
	pid := pm.pid
	paused := pm.paused
	pm.mu.Unlock()

	pm.logger.Info().Int("pid", pid).Msg("stopping backend process")

	// A paused process cannot act on the stop command.
	if paused {
		if err := pm.Continue(ctx); err != nil {
			pm.logger.Warn().Err(err).Msg("failed to continue paused process before stop")
		}
	}

	if err := pm.SendCommand("stop"); err != nil {
		pm.logger.Warn().Err(err).Msg("stop command failed")
	}

	select {
	case <-done:
		pm.logger.Info().Int("pid", pid).Msg("process stopped gracefully")
		return nil
	case <-ctx.Done():
	}

	pm.mu.Lock()
	cmd := pm.cmd
	pm.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		if err := interruptProcess(cmd.Process); err != nil {
			pm.logger.Debug().Err(err).Msg("interrupt failed")
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		pm.logger.Warn().Int("pid", pid).Msg("process didn't stop in 10s, force killing")
		return pm.Kill()
	}
}

// Kill immediately terminates the process.
func (pm *ProcessManager) Kill() error {
	pm.mu.Lock()
	if !pm.running || pm.cmd == nil || pm.cmd.Process == nil {
		pm.mu.Unlock()
		return nil
	}
	p := pm.cmd.Process
	done := pm.done
	pm.mu.Unlock()

	pm.logger.Warn().Int("pid", p.Pid).Msg("force killing backend process")
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

// Pause freezes the process (SIGSTOP, or NtSuspendProcess on Windows).
func (pm *ProcessManager) Pause(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.proc == nil {
		return ErrNotRunning
	}
	if pm.paused {
		return nil
	}
	if err := pm.proc.SuspendWithContext(ctx); err != nil {
		return fmt.Errorf("failed to suspend pid %d: %w", pm.pid, err)
	}
	pm.paused = true
	pm.logger.Info().Int("pid", pm.pid).Msg("backend process paused")
	return nil
}

// Continue resumes a paused process.
func (pm *ProcessManager) Continue(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if !pm.running || pm.proc == nil {
		return ErrNotRunning
	}
	if !pm.paused {
		return nil
	}
	if err := pm.proc.ResumeWithContext(ctx); err != nil {
		return fmt.Errorf("failed to resume pid %d: %w", pm.pid, err)
	}
	pm.paused = false
	pm.logger.Info().Int("pid", pm.pid).Msg("backend process resumed")
	return nil
}

// IsRunning returns whether the process is currently running.
func (pm *ProcessManager) IsRunning() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// IsPaused returns whether the process is currently paused.
func (pm *ProcessManager) IsPaused() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.paused
}

// PID returns the process ID.
func (pm *ProcessManager) PID() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.pid
}

// Uptime returns how long the process has been running.
func (pm *ProcessManager) Uptime() time.Duration {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.running {
		return 0
	}
	return time.Since(pm.startedAt)
}

// ExitCode returns the exit code of the process (-1 if still running).
func (pm *ProcessManager) ExitCode() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.exitCode
}

// Usage returns CPU percent and resident memory in megabytes.
func (pm *ProcessManager) Usage() (cpu float64, memMB float64, err error) {
	pm.mu.Lock()
	proc := pm.proc
	pm.mu.Unlock()

	if proc == nil {
		return 0, 0, ErrNotRunning
	}
	cpu, err = proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return cpu, 0, err
	}
	return cpu, float64(memInfo.RSS) / (1024 * 1024), nil
}

// lineLogger splits process output into lines, logging them when forward
// is set and handing each to onLine.
type lineLogger struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	forward bool
	onLine  func(string)
	buf     []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf[:i]), "\r")
		l.buf = l.buf[i+1:]
		if line == "" {
			continue
		}
		if l.forward {
			l.logger.Info().Msg(line)
		}
		if l.onLine != nil {
			l.onLine(line)
		}
	}
	return len(p), nil
}
