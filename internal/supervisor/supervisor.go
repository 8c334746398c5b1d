package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	ErrAlreadyRunning = errors.New("tunnel is already running")
	ErrLaunch         = errors.New("failed to launch tunnel process")
)

// DefaultProcessName is the ssh client executable matched by KillAllSystemWide
const DefaultProcessName = "ssh"

// Handle associates a tunnel key with a live child process
type Handle struct {
	Key       string
	Pid       int
	Command   string
	Args      []string
	StartDate time.Time

	cmd    *exec.Cmd
	closer io.Closer
}

// Launcher spawns a prepared command. The returned closer (may be nil) is
// released when the process is stopped or exits.
type Launcher interface {
	Launch(key string, cmd *exec.Cmd) (io.Closer, error)
}

// Supervisor owns the key to process table. Start and Stop return as soon
// as the spawn or kill call returns; nothing waits for readiness or exit.
type Supervisor struct {
	mu          sync.Mutex
	handles     map[string]*Handle
	launcher    Launcher
	processName string
	onExit      func(key string, err error)
}

type Option func(*Supervisor)

func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithProcessName sets the executable name broadcast-killed by KillAllSystemWide
func WithProcessName(name string) Option {
	return func(s *Supervisor) {
		s.processName = filepath.Base(name)
	}
}

// WithExitHook is called after a tracked process exits on its own
func WithExitHook(fn func(key string, err error)) Option {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		handles:     make(map[string]*Handle),
		launcher:    ExecLauncher{},
		processName: DefaultProcessName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type startOptions struct {
	env []string
}

type StartOption func(*startOptions)

// WithEnv appends variables to the inherited environment
func WithEnv(env ...string) StartOption {
	return func(o *startOptions) {
		o.env = append(o.env, env...)
	}
}

// Start spawns command for key. The command is treated opaquely.
func (s *Supervisor) Start(key, command string, args []string, opts ...StartOption) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.handles[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), o.env...)

	closer, err := s.launcher.Launch(key, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, key, err)
	}

	handle := &Handle{
		Key:       key,
		Pid:       cmd.Process.Pid,
		Command:   command,
		Args:      append([]string(nil), args...),
		StartDate: time.Now(),
		cmd:       cmd,
		closer:    closer,
	}
	s.handles[key] = handle
	slog.Info(fmt.Sprintf("Started tunnel '%s' (PID %d)", key, handle.Pid))

	go s.reap(handle)

	return handle, nil
}

// reap waits on the child so it does not linger as a zombie, then moves the
// key back to stopped if the handle is still the tracked one.
func (s *Supervisor) reap(h *Handle) {
	waitErr := h.cmd.Wait()

	s.mu.Lock()
	key := h.Key
	current, exists := s.handles[key]
	tracked := exists && current == h
	if tracked {
		delete(s.handles, key)
	}
	s.mu.Unlock()

	if !tracked {
		// Stopped deliberately or replaced
		return
	}

	if h.closer != nil {
		h.closer.Close()
	}

	if waitErr != nil {
		slog.Info(fmt.Sprintf("Tunnel process for '%s' exited with an error: %v", key, waitErr))
	} else {
		slog.Info(fmt.Sprintf("Tunnel process for '%s' exited.", key))
	}

	if s.onExit != nil {
		s.onExit(key, waitErr)
	}
}

// Stop kills the process for key. Unknown or already stopped keys are not an error.
func (s *Supervisor) Stop(key string) error {
	s.mu.Lock()
	handle, exists := s.handles[key]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.handles, key)
	s.mu.Unlock()

	return s.kill(handle)
}

func (s *Supervisor) kill(h *Handle) error {
	var killErr error
	if h.cmd != nil && h.cmd.Process != nil {
		killErr = killProcess(h.cmd.Process)
		if errors.Is(killErr, os.ErrProcessDone) {
			killErr = nil
		}
	}
	if h.closer != nil {
		h.closer.Close()
	}

	if killErr != nil {
		return fmt.Errorf("failed to kill process for '%s': %w", h.Key, killErr)
	}
	slog.Info(fmt.Sprintf("Stopped tunnel '%s' (PID %d)", h.Key, h.Pid))
	return nil
}

// StopTracked stops every process this supervisor started and returns how many it stopped
func (s *Supervisor) StopTracked() int {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	stopped := 0
	for _, h := range handles {
		if err := s.kill(h); err != nil {
			slog.Error("Failed to stop tunnel", "key", h.Key, "pid", h.Pid, "error", err)
			continue
		}
		stopped++
	}
	return stopped
}

// KillAllSystemWide kills every process on the machine whose executable name
// matches the ssh client, including ones this supervisor never started (for
// example leftovers of a crashed run). This is deliberately broad.
func (s *Supervisor) KillAllSystemWide() (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || !MatchesProcessName(name, s.processName) {
			continue
		}
		if status, err := p.Status(); err == nil && slices.Contains(status, process.Zombie) {
			continue
		}
		if err := p.Kill(); err != nil {
			slog.Debug("Failed to kill process", "pid", p.Pid, "name", name, "error", err)
			continue
		}
		killed++
		slog.Debug("Killed process", "pid", p.Pid, "name", name)
	}

	if killed > 0 {
		slog.Info(fmt.Sprintf("Killed %d '%s' processes system-wide", killed, s.processName))
	}
	return killed, nil
}

// KillAll stops tracked processes, then broadcast-kills matching executables
func (s *Supervisor) KillAll() (int, error) {
	stopped := s.StopTracked()
	killed, err := s.KillAllSystemWide()
	return stopped + killed, err
}

// MatchesProcessName reports whether a process name is the target executable.
// The Windows ".exe" suffix is accepted.
func MatchesProcessName(name, target string) bool {
	if name == "" || target == "" {
		return false
	}
	name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	target = strings.TrimSuffix(strings.ToLower(target), ".exe")
	return name == target
}

// Running reports whether key has a live tracked process
func (s *Supervisor) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.handles[key]
	return exists
}

// Handle returns a copy of the handle for key
func (s *Supervisor) Handle(key string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, exists := s.handles[key]
	if !exists {
		return Handle{}, false
	}
	return *h, true
}

// Handles returns copies of all tracked handles ordered by key
func (s *Supervisor) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Rename moves a tracked process to a new key after a registry key move
func (s *Supervisor) Rename(oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.handles[oldKey]
	if !exists {
		return nil
	}
	if _, taken := s.handles[newKey]; taken {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, newKey)
	}

	delete(s.handles, oldKey)
	h.Key = newKey
	s.handles[newKey] = h
	return nil
}
