package daemon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.tunnelmgr.dev/tunnelmgr/internal/core"
	"go.tunnelmgr.dev/tunnelmgr/internal/db"
	"go.tunnelmgr.dev/tunnelmgr/internal/guard"
	"go.tunnelmgr.dev/tunnelmgr/internal/keyring"
	"go.tunnelmgr.dev/tunnelmgr/internal/registry"
	"go.tunnelmgr.dev/tunnelmgr/internal/store"
	"go.tunnelmgr.dev/tunnelmgr/internal/supervisor"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

// Daemon is the manager process. It owns the registry and serves the CLI
// over a unix socket; tunnels live no longer than it does.
type Daemon struct {
	settings *core.Settings
	verbose  int

	store      *store.Store
	supervisor *supervisor.Supervisor
	registry   *registry.Registry
	guard      *guard.Guard
	launcher   supervisor.Launcher

	dbMu     sync.Mutex
	database *db.DB

	passwords     *keyring.Passwords
	passwordsOnce sync.Once

	// askpass token of the latest launch, by tunnel key
	tokensMu      sync.Mutex
	askpassTokens map[string]string

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup

	logBroadcast  *LogBroadcaster
	logOutput     io.Writer
	handleSignals bool
	startDate     time.Time
	reloadDelay   time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

type Option func(*Daemon)

// WithVerbose lowers the log level to debug when n > 0
func WithVerbose(n int) Option {
	return func(d *Daemon) {
		d.verbose = n
	}
}

func WithLauncher(l supervisor.Launcher) Option {
	return func(d *Daemon) {
		d.launcher = l
	}
}

// WithPasswords replaces the OS keyring
func WithPasswords(p *keyring.Passwords) Option {
	return func(d *Daemon) {
		d.passwords = p
	}
}

// WithLogOutput replaces stderr as the local log destination
func WithLogOutput(w io.Writer) Option {
	return func(d *Daemon) {
		d.logOutput = w
	}
}

func New(settings *core.Settings, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		settings:      settings,
		logBroadcast:  NewLogBroadcaster(settings.LogHistory),
		logOutput:     os.Stderr,
		handleSignals: true,
		reloadDelay:   500 * time.Millisecond,
		askpassTokens: make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.launcher == nil {
		if settings.UsePTY {
			d.launcher = supervisor.PTYLauncher{}
		} else {
			d.launcher = supervisor.ExecLauncher{}
		}
	}

	d.supervisor = supervisor.New(
		supervisor.WithLauncher(d.launcher),
		supervisor.WithProcessName(settings.SSHBinary),
		supervisor.WithExitHook(d.onTunnelExit),
	)
	d.store = store.New(settings.RegistryFile, store.WithRetention(settings.BackupRetention))
	d.registry = registry.New(d.store, d.supervisor,
		registry.WithSSHBinary(settings.SSHBinary),
		registry.WithIconDirs(tunnel.IconDirs{
			UserDir:  settings.Icons.UserDir,
			LocalDir: settings.Icons.LocalDir,
		}),
		registry.WithEnv(d.tunnelEnv),
		registry.WithEvents(d),
	)
	d.guard = guard.New(settings.InstanceDir, settings.InstanceToken())

	return d
}

// Registry exposes the hosted registry
func (d *Daemon) Registry() *registry.Registry {
	return d.registry
}

// Run claims the instance marker, loads the registry and serves commands
// until Stop is called or a termination signal arrives. Every exit route
// after the claim saves, kills the tunnels and releases the marker, in
// that order.
func (d *Daemon) Run() error {
	d.setupLogging()
	d.startDate = time.Now()

	acquired, err := d.guard.Acquire()
	if err != nil {
		return fmt.Errorf("failed to claim instance marker: %w", err)
	}
	if !acquired {
		slog.Error(fmt.Sprintf("Another tunnelmgr instance is already running (PID %d)", d.guard.Holder()))
		return guard.ErrInstanceAlreadyRunning
	}
	defer func() {
		if err := d.guard.Release(); err != nil {
			slog.Error("Failed to release instance marker", "error", err)
		}
	}()

	if created, err := d.store.EnsureExists(); err != nil {
		slog.Error("Failed to initialize tunnel registry", "path", d.store.Path(), "error", err)
		return fmt.Errorf("failed to initialize registry: %w", err)
	} else if created {
		slog.Info(fmt.Sprintf("Created a new tunnel registry at %s", d.store.Path()))
	}

	if err := d.registry.Load(); err != nil {
		slog.Error("Failed to load tunnel registry", "path", d.store.Path(), "error", err)
		return fmt.Errorf("failed to load registry: %w", err)
	}

	d.openDatabase()
	defer d.closeDatabase()

	listener, err := d.listen()
	if err != nil {
		return err
	}
	socketPath := d.settings.SocketPath()
	defer os.Remove(socketPath)

	d.mu.Lock()
	d.listener = listener
	stopped := d.ctx.Err() != nil
	d.mu.Unlock()
	if stopped {
		listener.Close()
	}

	pidFilePath := d.settings.PIDFilePath()
	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("Failed to write PID file", "path", pidFilePath, "error", err)
	}
	defer os.Remove(pidFilePath)

	defer d.shutdown()

	d.watchRegistry()
	if d.handleSignals {
		d.watchSignals()
	}

	slog.Info(fmt.Sprintf("tunnelmgr %s listening on %s", core.FormatVersion(core.Version), socketPath))
	d.LogManagerEvent("start", fmt.Sprintf("version: %s, PID: %d, tunnels: %d",
		core.FormatVersion(core.Version), os.Getpid(), d.registry.Len()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "error", err)
			d.Stop()
			return fmt.Errorf("accept failed: %w", err)
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConnection(conn)
		}()
	}
}

// Stop ends the accept loop; Run then performs the shutdown sequence
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.mu.Lock()
		if d.listener != nil {
			d.listener.Close()
		}
		d.mu.Unlock()
	})
}

// listen creates the command socket. A socket file nobody answers on is
// left over from a crash and gets replaced.
func (d *Daemon) listen() (net.Listener, error) {
	socketPath := d.settings.SocketPath()

	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s is in use", guard.ErrInstanceAlreadyRunning, socketPath)
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
	if err := os.Remove(socketPath); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}

	listener, err = net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

func (d *Daemon) watchSignals() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		defer signal.Stop(signals)
		select {
		case sig := <-signals:
			slog.Info(fmt.Sprintf("Received %s, shutting down", sig))
			d.Stop()
		case <-d.ctx.Done():
		}
	}()
}

// shutdown saves pending edits and kills every tunnel
func (d *Daemon) shutdown() {
	slog.Info("Executing shutdown sequence...")

	// A command accepted before Stop may still be starting a tunnel
	d.conns.Wait()

	running := len(d.supervisor.Handles())
	result, err := d.registry.Shutdown()
	if err != nil {
		slog.Error("Unsaved tunnel changes were lost", "error", err)
	}
	d.applyMoves(result.Moved)

	d.LogManagerEvent("stop", fmt.Sprintf("version: %s, PID: %d, stopped tunnels: %d",
		core.FormatVersion(core.Version), os.Getpid(), running))
}

func (d *Daemon) openDatabase() {
	path := d.settings.EventsDBPath()
	database, err := db.Open(path)
	if err != nil {
		slog.Error("Failed to open event database, history will not be recorded", "path", path, "error", err)
		return
	}

	d.dbMu.Lock()
	d.database = database
	d.dbMu.Unlock()
	slog.Debug("Event database opened", "path", path)
}

func (d *Daemon) closeDatabase() {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	if d.database == nil {
		return
	}
	if err := d.database.Flush(); err != nil {
		slog.Error("Failed to flush event database", "error", err)
	}
	if err := d.database.Close(); err != nil {
		slog.Error("Failed to close event database", "error", err)
	}
	d.database = nil
}

// LogTunnelEvent records a tunnel event when the database is available
func (d *Daemon) LogTunnelEvent(key, eventType, details string) error {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	if d.database == nil {
		return nil
	}
	return d.database.LogTunnelEvent(key, eventType, details)
}

func (d *Daemon) LogManagerEvent(eventType, details string) {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	if d.database == nil {
		return
	}
	if err := d.database.LogManagerEvent(eventType, details); err != nil {
		slog.Error("Failed to log manager event", "event", eventType, "error", err)
	}
}

func (d *Daemon) history(key string, limit int) ([]db.TunnelEvent, error) {
	d.dbMu.Lock()
	defer d.dbMu.Unlock()

	if d.database == nil {
		return nil, fmt.Errorf("event history is unavailable")
	}
	return d.database.RecentTunnelEvents(key, limit)
}

func (d *Daemon) onTunnelExit(key string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	if logErr := d.LogTunnelEvent(key, "exited", details); logErr != nil {
		slog.Error("Failed to log tunnel exit", "key", key, "error", logErr)
	}
}

func (d *Daemon) getPasswords() *keyring.Passwords {
	d.passwordsOnce.Do(func() {
		if d.passwords != nil {
			return
		}
		p, err := keyring.Default()
		if err != nil {
			slog.Debug("Keyring unavailable, stored passwords will not be used", "error", err)
			return
		}
		d.passwords = p
	})
	return d.passwords
}

// tunnelEnv wires askpass for tunnels with a stored password. Each launch
// gets a fresh token; tunnels without a password keep using keys and agents.
func (d *Daemon) tunnelEnv(key string) ([]string, error) {
	p := d.getPasswords()
	if p == nil || !p.Has(key) {
		return nil, nil
	}

	token, err := keyring.NewAskpassToken()
	if err != nil {
		return nil, err
	}
	d.tokensMu.Lock()
	d.askpassTokens[key] = token
	d.tokensMu.Unlock()

	return keyring.AskpassEnv(key, token, d.settings.SocketPath())
}

// askpass answers the helper ssh runs, but only with the token of the launch
func (d *Daemon) askpass(args string) Response {
	var response Response

	key, token, _ := strings.Cut(args, " ")
	d.tokensMu.Lock()
	expected, ok := d.askpassTokens[key]
	d.tokensMu.Unlock()
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(token))) != 1 {
		slog.Warn("Rejected askpass request", "key", key)
		response.AddMessage("Askpass request rejected", StatusError)
		return response
	}

	p := d.getPasswords()
	if p == nil {
		response.AddMessage("Keyring is unavailable", StatusError)
		return response
	}
	password, err := p.Get(key)
	if err != nil {
		response.Error(err)
		return response
	}
	response.AddData(password)
	return response
}

// applyMoves carries history and stored passwords over to moved keys
func (d *Daemon) applyMoves(moves map[string]string) {
	if len(moves) == 0 {
		return
	}

	oldKeys := make([]string, 0, len(moves))
	for oldKey := range moves {
		oldKeys = append(oldKeys, oldKey)
	}
	sort.Strings(oldKeys)

	for _, oldKey := range oldKeys {
		newKey := moves[oldKey]

		d.dbMu.Lock()
		if d.database != nil {
			if err := d.database.RenameTunnel(oldKey, newKey); err != nil {
				slog.Error("Failed to move tunnel history", "from", oldKey, "to", newKey, "error", err)
			}
		}
		d.dbMu.Unlock()

		if p := d.getPasswords(); p != nil {
			if err := p.Rename(oldKey, newKey); err != nil {
				slog.Warn("Failed to move stored password", "from", oldKey, "to", newKey, "error", err)
			}
		}

		d.tokensMu.Lock()
		if token, ok := d.askpassTokens[oldKey]; ok {
			delete(d.askpassTokens, oldKey)
			d.askpassTokens[newKey] = token
		}
		d.tokensMu.Unlock()
	}
}
