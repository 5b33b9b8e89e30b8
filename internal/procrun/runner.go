// Package procrun spawns, monitors, and stops child tool-server processes.
// It owns port assignment, captures output tails for diagnostics, and
// enforces the restart policy when a child exits on its own.
package procrun

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/async"
	"toolgate/internal/logging"
)

// RestartPolicy controls what happens when a child exits unexpectedly.
type RestartPolicy int

const (
	// RestartNever leaves the record in Exited for inspection.
	RestartNever RestartPolicy = iota
	// RestartOnFailure respawns within the restart budget.
	RestartOnFailure
)

func (p RestartPolicy) String() string {
	if p == RestartOnFailure {
		return "on_failure"
	}
	return "never"
}

// Status is the lifecycle state of one managed process.
type Status int

const (
	StatusStarting Status = iota
	StatusRunning
	StatusExited
	StatusCrashed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

const (
	defaultMaxRestarts   = 3
	defaultRestartWindow = 5 * time.Minute
	defaultStopGrace     = 5 * time.Second
	tailBytes            = 16 * 1024
)

// Config describes one provider process to install.
type Config struct {
	RegistryIDHint string
	DisplayName    string
	Command        string
	Args           []string
	Env            map[string]string

	// Port 0 lets the runner scan its range.
	Port    int
	Restart RestartPolicy

	MaxRestarts   int
	RestartWindow time.Duration
	StopGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = defaultRestartWindow
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	return c
}

// Installed is what a successful install returns to the caller.
type Installed struct {
	Handle         string
	RegistryIDHint string
	Endpoint       string
	Port           int
}

// Snapshot is a read-only view of one managed process.
type Snapshot struct {
	Handle         string
	RegistryIDHint string
	Command        string
	Args           []string
	PID            int
	Port           int
	Status         Status
	StartTime      time.Time
	LastExitCode   int
	Restarts       int
	StderrTail     string
	StdoutTail     string
}

type managed struct {
	handle string
	cfg    Config

	cmd       *exec.Cmd
	port      int
	status    Status
	startTime time.Time
	lastExit  int
	restarts  []time.Time
	stopped   bool // stop initiated by us

	stdout *tailBuffer
	stderr *tailBuffer
}

// Runner owns all ProviderProcess records. Only the runner transitions their
// states; everyone else reads snapshots.
type Runner struct {
	mu     sync.Mutex
	procs  map[string]*managed
	ports  *portAllocator
	logger logging.Logger
}

// Options configures the runner.
type Options struct {
	PortRangeStart int
	PortRangeEnd   int
	Logger         logging.Logger
}

// NewRunner builds a runner over the given port range.
func NewRunner(opts Options) *Runner {
	return &Runner{
		procs:  make(map[string]*managed),
		ports:  newPortAllocator(opts.PortRangeStart, opts.PortRangeEnd),
		logger: logging.OrNop(opts.Logger),
	}
}

// Install allocates a port, spawns the command with the port injected via
// environment, and begins monitoring. A spawn failure is reported to the
// caller and does not disturb other providers.
func (r *Runner) Install(cfg Config) (Installed, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Command) == "" {
		return Installed{}, fmt.Errorf("command is required")
	}

	handle := uuid.NewString()
	port, err := r.ports.allocate(cfg.Port, handle)
	if err != nil {
		return Installed{}, err
	}

	m := &managed{
		handle: handle,
		cfg:    cfg,
		port:   port,
		status: StatusStarting,
		stdout: newTailBuffer(tailBytes),
		stderr: newTailBuffer(tailBytes),
	}

	r.mu.Lock()
	r.procs[handle] = m
	r.mu.Unlock()

	if err := r.spawn(m); err != nil {
		r.mu.Lock()
		m.status = StatusExited
		m.lastExit = -1
		r.mu.Unlock()
		r.ports.release(port)
		return Installed{}, fmt.Errorf("spawn %s: %w", cfg.Command, err)
	}

	return Installed{
		Handle:         handle,
		RegistryIDHint: cfg.RegistryIDHint,
		Endpoint:       fmt.Sprintf("ws://127.0.0.1:%d", port),
		Port:           port,
	}, nil
}

// spawn starts the process and its exit watcher. Callers must not hold r.mu;
// the watcher takes it on exit.
func (r *Runner) spawn(m *managed) error {
	resolved, err := exec.LookPath(strings.TrimSpace(m.cfg.Command))
	if err != nil {
		return fmt.Errorf("command not found: %w", err)
	}

	cmd := exec.Command(resolved, m.cfg.Args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TOOLGATE_PROVIDER_PORT=%d", m.port),
		fmt.Sprintf("PORT=%d", m.port),
	)
	for k, v := range m.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = m.stdout
	cmd.Stderr = m.stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	r.mu.Unlock()

	r.logger.Info("spawned %s (pid %d, port %d)", m.cfg.Command, cmd.Process.Pid, m.port)

	async.Go(r.logger, "procrun.watch", func() {
		r.watch(m, cmd)
	})
	return nil
}

// watch blocks on process exit and applies the restart policy.
func (r *Runner) watch(m *managed, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	r.mu.Lock()
	if m.cmd != cmd {
		// A respawn already replaced this command; stale watcher.
		r.mu.Unlock()
		return
	}
	m.lastExit = exitCode

	if m.stopped || m.cfg.Restart == RestartNever {
		m.status = StatusExited
		port := m.port
		r.mu.Unlock()
		r.ports.release(port)
		r.logger.Info("process %s exited (code %d)", m.cfg.Command, exitCode)
		return
	}

	// Unexpected exit with a restart policy: check the rolling budget.
	now := time.Now()
	recent := m.restarts[:0]
	for _, ts := range m.restarts {
		if now.Sub(ts) < m.cfg.RestartWindow {
			recent = append(recent, ts)
		}
	}
	m.restarts = recent

	if len(m.restarts) >= m.cfg.MaxRestarts {
		m.status = StatusCrashed
		port := m.port
		r.mu.Unlock()
		r.ports.release(port)
		r.logger.Error("process %s crashed terminally (code %d, %d restarts in window)",
			m.cfg.Command, exitCode, len(recent))
		return
	}

	m.restarts = append(m.restarts, now)
	m.status = StatusStarting
	oldPort := m.port
	r.mu.Unlock()

	newPort, err := r.ports.reallocate(oldPort, m.handle)
	if err != nil {
		r.mu.Lock()
		m.status = StatusCrashed
		r.mu.Unlock()
		r.logger.Error("respawn of %s failed: %v", m.cfg.Command, err)
		return
	}
	r.mu.Lock()
	m.port = newPort
	r.mu.Unlock()

	r.logger.Warn("process %s exited unexpectedly (code %d), respawning on port %d",
		m.cfg.Command, exitCode, newPort)
	if err := r.spawn(m); err != nil {
		r.mu.Lock()
		m.status = StatusCrashed
		r.mu.Unlock()
		r.ports.release(newPort)
		r.logger.Error("respawn of %s failed: %v", m.cfg.Command, err)
	}
}

// Stop terminates one process: polite signal, grace period, force kill.
// Returns false for unknown handles or processes already gone.
func (r *Runner) Stop(handle string) bool {
	r.mu.Lock()
	m, ok := r.procs[handle]
	if !ok || m.cmd == nil || m.status == StatusExited || m.status == StatusCrashed {
		r.mu.Unlock()
		return false
	}
	m.stopped = true
	cmd := m.cmd
	grace := m.cfg.StopGrace
	r.mu.Unlock()

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		done := m.status == StatusExited || m.status == StatusCrashed
		r.mu.Unlock()
		if done {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return true
}

// Status returns a point-in-time snapshot of one process.
func (r *Runner) Status(handle string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.procs[handle]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(m), true
}

// List snapshots every known process.
func (r *Runner) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.procs))
	for _, m := range r.procs {
		out = append(out, r.snapshotLocked(m))
	}
	return out
}

func (r *Runner) snapshotLocked(m *managed) Snapshot {
	s := Snapshot{
		Handle:         m.handle,
		RegistryIDHint: m.cfg.RegistryIDHint,
		Command:        m.cfg.Command,
		Args:           append([]string(nil), m.cfg.Args...),
		Port:           m.port,
		Status:         m.status,
		StartTime:      m.startTime,
		LastExitCode:   m.lastExit,
		Restarts:       len(m.restarts),
		StderrTail:     m.stderr.String(),
		StdoutTail:     m.stdout.String(),
	}
	if m.cmd != nil && m.cmd.Process != nil {
		s.PID = m.cmd.Process.Pid
	}
	return s
}

// CleanupAll stops every process we started. Used on shutdown.
func (r *Runner) CleanupAll() {
	r.mu.Lock()
	handles := make([]string, 0, len(r.procs))
	for h := range r.procs {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		r.Stop(h)
	}
}
