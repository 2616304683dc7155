// Package manager is the node-local process supervisor: it loads job
// configurations, spawns and reaps their OS processes, and emits the
// lifecycle events the registration adapter mirrors into lookup services.
//
// Process identifiers handed out here are node-local sequence numbers
// starting at 1, not OS pids. Every spawn takes the next number; a number is
// never reused within one Manager.
package manager

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/supervisor"
)

var (
	// ErrJobLoaded is returned when Load sees a job name that is already
	// loaded.
	ErrJobLoaded = errors.New("job is already loaded")

	// ErrJobNotFound is returned when an operation targets an unloaded job.
	ErrJobNotFound = errors.New("job not found")

	// ErrProcessNotFound is returned by StopProcess for an unknown pid.
	ErrProcessNotFound = errors.New("process not found")
)

// ProcessConfig describes one job: a command spawned NumProcesses times
// under a session.
type ProcessConfig struct {
	Name    string   `koanf:"name"`
	Session string   `koanf:"session"`
	Cmd     string   `koanf:"cmd"`
	Args    []string `koanf:"args"`
	Cwd     string   `koanf:"cwd"`

	// NumProcesses is how many processes to keep for the job; zero means 1.
	NumProcesses int `koanf:"numprocesses"`

	// Start controls whether processes are spawned at load time. A job
	// loaded with Start false is registered but idle.
	Start bool `koanf:"start"`
}

// JobName returns the canonical "<session>.<name>" form, with the session
// defaulting to "default".
func (c ProcessConfig) JobName() string {
	session := c.Session
	if session == "" {
		session = "default"
	}
	return session + "." + c.Name
}

func (c ProcessConfig) numProcesses() int {
	if c.NumProcesses <= 0 {
		return 1
	}
	return c.NumProcesses
}

type job struct {
	config ProcessConfig
	name   string
	pids   []int
}

type process struct {
	pid     int
	jobName string
	cmd     *exec.Cmd
}

// Manager supervises the node's local processes. Safe for concurrent use.
type Manager struct {
	logger *zap.Logger

	mu       sync.Mutex
	jobs     map[string]*job
	jobOrder []string
	procs    map[int]*process
	nextPid  int
	subs     []chan<- supervisor.Event

	wg sync.WaitGroup
}

// New creates an empty Manager. logger may be nil.
func New(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger.Named("manager"),
		jobs:   make(map[string]*job),
		procs:  make(map[int]*process),
	}
}

// Load registers a job and, unless cfg.Start is false, spawns its processes.
// Emits job_loaded followed by one process_spawned per process.
func (m *Manager) Load(cfg ProcessConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("manager: job config has no name")
	}
	if cfg.Cmd == "" {
		return fmt.Errorf("manager: job %q has no command", cfg.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := cfg.JobName()
	if _, exists := m.jobs[name]; exists {
		return fmt.Errorf("manager: %q: %w", name, ErrJobLoaded)
	}

	j := &job{config: cfg, name: name}
	m.jobs[name] = j
	m.jobOrder = append(m.jobOrder, name)
	m.emitLocked(supervisor.Event{Type: supervisor.JobLoaded, JobName: name})
	m.logger.Info("job loaded", zap.String("job", name))

	if !cfg.Start {
		return nil
	}
	for i := 0; i < cfg.numProcesses(); i++ {
		if err := m.spawnLocked(j); err != nil {
			m.logger.Error("spawn failed",
				zap.String("job", name),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

// Unload stops every process of the job and removes it. Emits one
// process_exited per live process, then job_unloaded.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return fmt.Errorf("manager: %q: %w", name, ErrJobNotFound)
	}

	for _, pid := range append([]int(nil), j.pids...) {
		m.stopProcessLocked(pid)
	}
	delete(m.jobs, name)
	m.jobOrder = dropString(m.jobOrder, name)
	m.emitLocked(supervisor.Event{Type: supervisor.JobUnloaded, JobName: name})
	m.logger.Info("job unloaded", zap.String("job", name))
	return nil
}

// StopProcess kills one process by its node-local pid.
func (m *Manager) StopProcess(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.procs[pid]; !ok {
		return fmt.Errorf("manager: pid %d: %w", pid, ErrProcessNotFound)
	}
	m.stopProcessLocked(pid)
	return nil
}

// Spawn adds one more process to a loaded job.
func (m *Manager) Spawn(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return 0, fmt.Errorf("manager: %q: %w", name, ErrJobNotFound)
	}
	if err := m.spawnLocked(j); err != nil {
		return 0, err
	}
	return j.pids[len(j.pids)-1], nil
}

// Pids returns the live node-local pids of a job.
func (m *Manager) Pids(name string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return nil, fmt.Errorf("manager: %q: %w", name, ErrJobNotFound)
	}
	return append([]int(nil), j.pids...), nil
}

// Jobs returns the loaded job names in load order.
func (m *Manager) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.jobOrder...)
}

// Stop unloads every job and waits for the reapers to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	names := append([]string(nil), m.jobOrder...)
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Unload(name); err != nil && !errors.Is(err, ErrJobNotFound) {
			m.logger.Warn("unload during shutdown failed",
				zap.String("job", name),
				zap.Error(err),
			)
		}
	}
	m.wg.Wait()
}

// SnapshotAndSubscribe implements supervisor.Supervisor. The snapshot and
// the subscription happen in one critical section: every event delivered on
// ch reflects a strictly post-snapshot state.
func (m *Manager) SnapshotAndSubscribe(ch chan<- supervisor.Event) []supervisor.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]supervisor.JobState, 0, len(m.jobOrder))
	for _, name := range m.jobOrder {
		j := m.jobs[name]
		snapshot = append(snapshot, supervisor.JobState{
			Name: name,
			Pids: append([]int(nil), j.pids...),
		})
	}
	m.subs = append(m.subs, ch)
	return snapshot
}

// Unsubscribe implements supervisor.Supervisor.
func (m *Manager) Unsubscribe(ch chan<- supervisor.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// spawnLocked starts one OS process for j and registers it under the next
// node-local pid. Caller holds m.mu.
func (m *Manager) spawnLocked(j *job) error {
	cmd := exec.Command(j.config.Cmd, j.config.Args...)
	cmd.Dir = j.config.Cwd
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("manager: spawn %q: %w", j.name, err)
	}

	m.nextPid++
	pid := m.nextPid
	p := &process{pid: pid, jobName: j.name, cmd: cmd}
	m.procs[pid] = p
	j.pids = append(j.pids, pid)

	m.emitLocked(supervisor.Event{Type: supervisor.ProcessSpawned, JobName: j.name, Pid: pid})
	m.logger.Info("process spawned",
		zap.String("job", j.name),
		zap.Int("pid", pid),
		zap.Int("os_pid", cmd.Process.Pid),
	)

	m.wg.Add(1)
	go m.reap(p)
	return nil
}

// reap waits for the OS process and, if the process is still tracked (it
// exited on its own rather than being stopped), removes it and emits
// process_exited.
func (m *Manager) reap(p *process) {
	defer m.wg.Done()
	err := p.cmd.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.procs[p.pid]; !ok {
		// Stopped explicitly; the exit event was already emitted.
		return
	}
	delete(m.procs, p.pid)
	if j, ok := m.jobs[p.jobName]; ok {
		j.pids = dropInt(j.pids, p.pid)
	}
	m.emitLocked(supervisor.Event{Type: supervisor.ProcessExited, JobName: p.jobName, Pid: p.pid})
	m.logger.Info("process exited",
		zap.String("job", p.jobName),
		zap.Int("pid", p.pid),
		zap.Error(err),
	)
}

// stopProcessLocked removes pid from tracking, emits process_exited and
// kills the OS process. Emitting before the kill keeps event order
// deterministic; the reaper skips untracked processes.
func (m *Manager) stopProcessLocked(pid int) {
	p, ok := m.procs[pid]
	if !ok {
		return
	}
	delete(m.procs, pid)
	if j, ok := m.jobs[p.jobName]; ok {
		j.pids = dropInt(j.pids, pid)
	}
	m.emitLocked(supervisor.Event{Type: supervisor.ProcessExited, JobName: p.jobName, Pid: pid})

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// emitLocked delivers ev to every subscriber in subscription order. Caller
// holds m.mu. Subscriber channels are buffered (see supervisor.Supervisor);
// a full channel blocks the manager rather than dropping the event, keeping
// the mirrored directory consistent.
func (m *Manager) emitLocked(ev supervisor.Event) {
	for _, ch := range m.subs {
		ch <- ev
	}
}

func dropInt(list []int, v int) []int {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func dropString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
