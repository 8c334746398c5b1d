package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.tunnelmgr.dev/tunnelmgr/internal/store"
	"go.tunnelmgr.dev/tunnelmgr/internal/supervisor"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

// ErrClosed is returned by operations that would spawn or persist after Shutdown
var ErrClosed = errors.New("tunnel registry is shut down")

// EventLogger records tunnel and manager lifecycle events
type EventLogger interface {
	LogTunnelEvent(key, eventType, details string) error
	LogManagerEvent(eventType, details string)
}

// EnvFunc returns extra environment for the process of key
type EnvFunc func(key string) ([]string, error)

// Registry is the composition root: it owns the live entries and delegates
// persistence to the store, keys to the resolver and processes to the supervisor.
// All operations are serialized.
type Registry struct {
	mu         sync.Mutex
	store      *store.Store
	supervisor *supervisor.Supervisor
	entries    map[string]*liveEntry
	closed     bool

	sshBinary string
	iconDirs  tunnel.IconDirs
	envFor    EnvFunc
	events    EventLogger
}

// liveEntry is an entry as currently edited. moveTo holds a requested key
// move and newName the display name that comes with it; both are resolved
// on the next save and dropped together when the move is rejected.
type liveEntry struct {
	entry   tunnel.Entry
	moveTo  string
	newName string
}

type Option func(*Registry)

func WithSSHBinary(path string) Option {
	return func(r *Registry) {
		if path != "" {
			r.sshBinary = path
		}
	}
}

func WithIconDirs(dirs tunnel.IconDirs) Option {
	return func(r *Registry) {
		r.iconDirs = dirs
	}
}

// WithEnv supplies per-tunnel environment, e.g. askpass wiring
func WithEnv(fn EnvFunc) Option {
	return func(r *Registry) {
		r.envFor = fn
	}
}

func WithEvents(events EventLogger) Option {
	return func(r *Registry) {
		r.events = events
	}
}

func New(st *store.Store, sup *supervisor.Supervisor, opts ...Option) *Registry {
	r := &Registry{
		store:      st,
		supervisor: sup,
		entries:    make(map[string]*liveEntry),
		sshBinary:  supervisor.DefaultProcessName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status is an entry plus its runtime state, as shown to clients
type Status struct {
	tunnel.Entry
	DisplayName string    `json:"display_name"`
	Command     string    `json:"command"`
	IconPath    string    `json:"icon_path"`
	Running     bool      `json:"running"`
	Pid         int       `json:"pid,omitempty"`
	StartDate   time.Time `json:"start_date,omitzero"`
	PendingMove string    `json:"pending_move,omitempty"`
}

// SaveResult reports what a save did
type SaveResult struct {
	Written  bool              `json:"written"`
	Moved    map[string]string `json:"moved,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Load replaces the live entries with the registry file contents.
// Keys that are not already sanitized get a pending move to their sanitized form.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	loaded, err := r.store.Load()
	if err != nil {
		return err
	}

	entries := make(map[string]*liveEntry, len(loaded))
	for key, entry := range loaded {
		le := &liveEntry{entry: entry}
		if tunnel.SanitizeKey(key) != key {
			slog.Warn("Tunnel key contains unsafe characters, it will be renamed on next save", "key", key)
			le.moveTo = key
		}
		entries[key] = le
	}
	r.entries = entries

	slog.Info(fmt.Sprintf("Loaded %d tunnels from %s", len(entries), r.store.Path()))
	return nil
}

// Reload re-reads the file after an external edit. Nothing happens when the
// file matches the persisted snapshot, or when there are unsaved edits that
// would be lost. Running tunnels whose key is gone from the file are stopped.
func (r *Registry) Reload() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, nil
	}

	disk, err := r.store.ReadDisk()
	if err != nil {
		return false, err
	}
	if store.Equal(disk, r.store.Snapshot()) {
		return false, nil
	}
	if r.dirtyLocked() {
		slog.Warn("Registry file changed on disk but there are unsaved edits; keeping in-memory state")
		return false, nil
	}

	if err := r.loadLocked(); err != nil {
		return false, err
	}

	// A running tunnel whose key left the file has nothing to be listed under
	for _, h := range r.supervisor.Handles() {
		if _, ok := r.entries[h.Key]; ok {
			continue
		}
		slog.Warn(fmt.Sprintf("Tunnel '%s' is no longer in the registry file, stopping it", h.Key))
		if err := r.supervisor.Stop(h.Key); err != nil {
			slog.Error("Failed to stop tunnel", "key", h.Key, "error", err)
			continue
		}
		r.logEvent(h.Key, "stop", "removed from registry file")
	}
	return true, nil
}

func (r *Registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// current returns the live entries under their current keys
func (r *Registry) current() tunnel.Registry {
	out := make(tunnel.Registry, len(r.entries))
	for key, le := range r.entries {
		out[key] = le.entry
	}
	return out
}

func (r *Registry) status(le *liveEntry) Status {
	s := Status{
		Entry:       le.entry,
		DisplayName: le.entry.DisplayName(),
		Command:     le.entry.Command(r.sshBinary),
		IconPath:    r.iconDirs.Resolve(le.entry.IconName()),
		PendingMove: le.moveTo,
	}
	if h, ok := r.supervisor.Handle(le.entry.Key); ok {
		s.Running = true
		s.Pid = h.Pid
		s.StartDate = h.StartDate
	}
	return s
}

// List returns all tunnels ordered by key
func (r *Registry) List() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.entries))
	for _, key := range r.sortedKeys() {
		out = append(out, r.status(r.entries[key]))
	}
	return out
}

// Get returns one tunnel
func (r *Registry) Get(key string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	le, ok := r.entries[key]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}
	return r.status(le), nil
}

// Len returns the number of live entries
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dirty reports whether there are edits not yet persisted
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirtyLocked()
}

func (r *Registry) dirtyLocked() bool {
	for _, le := range r.entries {
		if le.moveTo != "" {
			return true
		}
	}
	return r.store.Diff(r.current()) != ""
}

// Add creates a tunnel named name and persists it immediately. On any
// failure the registry is left exactly as it was.
func (r *Registry) Add(name string, entry tunnel.Entry) (tunnel.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return tunnel.Entry{}, ErrClosed
	}

	key, err := tunnel.ResolveKey(name, "", r.current())
	if err != nil {
		return tunnel.Entry{}, err
	}

	entry.Key = key
	if label := strings.TrimSpace(name); entry.Name == "" && label != key {
		entry.Name = label
	}
	if err := entry.Validate(); err != nil {
		return tunnel.Entry{}, err
	}

	// Only the new entry is persisted; other pending edits wait for Save
	next := r.store.Snapshot()
	next[key] = entry
	if _, err := r.store.Save(next); err != nil {
		return tunnel.Entry{}, err
	}

	r.entries[key] = &liveEntry{entry: entry}
	slog.Info(fmt.Sprintf("Added tunnel '%s'", key))
	r.logEvent(key, "added", entry.Command(r.sshBinary))

	return entry, nil
}

// Update replaces the editable fields of key. The change is persisted on the next Save.
// Key and display name are changed through Rename only.
func (r *Registry) Update(key string, entry tunnel.Entry) (tunnel.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	le, ok := r.entries[key]
	if !ok {
		return tunnel.Entry{}, fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}

	entry.Key = key
	entry.Name = le.entry.Name
	if err := entry.Validate(); err != nil {
		return tunnel.Entry{}, err
	}

	le.entry = entry
	slog.Debug("Tunnel edited", "key", key)
	return entry, nil
}

// Rename requests a new display name and the key move that follows from it.
// Obvious duplicates are rejected now; the move itself is resolved against
// the whole batch on the next Save, and the name only changes with it.
func (r *Registry) Rename(key, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	le, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}

	if _, err := tunnel.ResolveKey(name, key, r.current()); err != nil {
		return err
	}

	le.moveTo = name
	le.newName = strings.TrimSpace(name)
	return nil
}

// Remove stops and drops key. The removal is persisted on the next Save.
func (r *Registry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}
	if err := r.supervisor.Stop(key); err != nil {
		return err
	}

	delete(r.entries, key)
	slog.Info(fmt.Sprintf("Removed tunnel '%s'", key))
	r.logEvent(key, "removed", "")
	return nil
}

// Save rebuilds a snapshot from the live entries, applies pending key moves
// and hands the result to the store. A move onto a key held by any other
// entry is rejected: that entry keeps its key and a warning is returned.
// Live state only changes once the store accepted the snapshot.
func (r *Registry) Save() (SaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() (SaveResult, error) {
	result := SaveResult{}

	batch := r.current()
	moves := make(map[string]string)
	names := make(map[string]string)

	for _, key := range r.sortedKeys() {
		le := r.entries[key]
		if le.moveTo == "" {
			continue
		}

		newKey, err := tunnel.ResolveKey(le.moveTo, key, batch)
		if err != nil {
			warning := fmt.Sprintf("Cannot rename '%s' to '%s': %v. Keeping key '%s'.", key, le.moveTo, err, key)
			slog.Warn(warning)
			result.Warnings = append(result.Warnings, warning)
			continue
		}

		entry := batch[key]
		if le.newName != "" {
			entry.Name = le.newName
			names[key] = le.newName
		}
		if newKey == key {
			batch[key] = entry
			continue
		}

		delete(batch, key)
		entry.Key = newKey
		batch[newKey] = entry
		moves[key] = newKey
	}

	written, err := r.store.Save(batch)
	if err != nil {
		return SaveResult{}, err
	}
	result.Written = written

	entries := make(map[string]*liveEntry, len(r.entries))
	for key, le := range r.entries {
		le.moveTo = ""
		le.newName = ""
		if name, ok := names[key]; ok {
			le.entry.Name = name
		}
		newKey, moved := moves[key]
		if !moved {
			entries[key] = le
			continue
		}

		le.entry.Key = newKey
		entries[newKey] = le
		if err := r.supervisor.Rename(key, newKey); err != nil {
			slog.Error("Failed to move running tunnel to its new key", "from", key, "to", newKey, "error", err)
		}
		slog.Info(fmt.Sprintf("Renamed tunnel '%s' to '%s'", key, newKey))
		r.logEvent(newKey, "renamed", fmt.Sprintf("from %s", key))
	}
	r.entries = entries

	if len(moves) > 0 {
		result.Moved = moves
	}
	return result, nil
}

// Command renders the ssh command line for key
func (r *Registry) Command(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	le, ok := r.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}
	return le.entry.Command(r.sshBinary), nil
}

// URL returns the browser URL for key with the local port substituted
func (r *Registry) URL(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	le, ok := r.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}
	return le.entry.BrowserURL()
}

// Start launches the tunnel for key using the current, possibly unsaved, fields
func (r *Registry) Start(key string) (supervisor.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return supervisor.Handle{}, ErrClosed
	}

	le, ok := r.entries[key]
	if !ok {
		return supervisor.Handle{}, fmt.Errorf("%w: %s", tunnel.ErrNotFound, key)
	}
	if err := le.entry.Validate(); err != nil {
		return supervisor.Handle{}, err
	}

	executable, args := tunnel.SplitCommand(le.entry.Command(r.sshBinary))

	var opts []supervisor.StartOption
	if r.envFor != nil {
		env, err := r.envFor(key)
		if err != nil {
			slog.Warn("Failed to prepare tunnel environment", "key", key, "error", err)
		} else if len(env) > 0 {
			opts = append(opts, supervisor.WithEnv(env...))
		}
	}

	h, err := r.supervisor.Start(key, executable, args, opts...)
	if err != nil {
		r.logEvent(key, "start_failed", err.Error())
		return supervisor.Handle{}, err
	}

	r.logEvent(key, "start", fmt.Sprintf("PID: %d", h.Pid))
	return *h, nil
}

// Stop stops the tunnel for key. Stopping a stopped tunnel is not an error.
func (r *Registry) Stop(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	running := r.supervisor.Running(key)
	if err := r.supervisor.Stop(key); err != nil {
		return err
	}
	if running {
		r.logEvent(key, "stop", "")
	}
	return nil
}

// KillAll stops tracked tunnels and broadcast-kills stray ssh processes
func (r *Registry) KillAll() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killAllLocked()
}

func (r *Registry) killAllLocked() (int, error) {
	killed, err := r.supervisor.KillAll()
	if r.events != nil {
		r.events.LogManagerEvent("kill_all", fmt.Sprintf("killed %d processes", killed))
	}
	return killed, err
}

// Shutdown saves and then kills every tunnel. Tunnels live no longer than
// the manager, so this must run before the instance marker is released.
// Processes are killed even when the save fails. Afterwards Start, Add and
// Reload refuse to act.
func (r *Registry) Shutdown() (SaveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	result, saveErr := r.saveLocked()
	if saveErr != nil {
		slog.Error("Failed to save registry during shutdown", "error", saveErr)
	}

	if _, err := r.killAllLocked(); err != nil {
		slog.Error("Failed to kill tunnel processes during shutdown", "error", err)
	}

	return result, saveErr
}

func (r *Registry) logEvent(key, eventType, details string) {
	if r.events == nil {
		return
	}
	if err := r.events.LogTunnelEvent(key, eventType, details); err != nil {
		slog.Error("Failed to log tunnel event", "key", key, "event", eventType, "error", err)
	}
}
