package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
	"gopkg.in/yaml.v3"
)

// DefaultRetention is the number of backup files kept after a save
const DefaultRetention = 10

var (
	ErrStorageUnavailable = errors.New("registry file unavailable")
	ErrParse              = errors.New("registry file is malformed")
	ErrBackupFailed       = errors.New("failed to back up registry file")
	ErrWriteFailed        = errors.New("failed to write registry file")
)

// Store owns the on-disk registry file, its backups and the last persisted snapshot.
// Save is serialized so diff, backup and write happen atomically with
// respect to the snapshot.
type Store struct {
	path      string
	retention int
	now       func() time.Time

	mu       sync.Mutex
	snapshot tunnel.Registry
}

type Option func(*Store)

// WithRetention sets how many backups survive pruning
func WithRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithClock replaces time.Now for backup naming
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		retention: DefaultRetention,
		now:       time.Now,
		snapshot:  tunnel.Registry{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the registry file path
func (s *Store) Path() string {
	return s.path
}

// EnsureExists writes the default registry if no file exists yet.
// Returns true when a file was created.
func (s *Store) EnsureExists() (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := writeRegistry(s.path, tunnel.DefaultRegistry()); err != nil {
		return false, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	slog.Info(fmt.Sprintf("Created default registry at %s", s.path))
	return true, nil
}

// Load reads the registry from disk and makes it the persisted snapshot
func (s *Store) Load() (tunnel.Registry, error) {
	registry, err := s.ReadDisk()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snapshot = registry.Clone()
	s.mu.Unlock()

	slog.Debug("Registry loaded", "path", s.path, "tunnels", len(registry))
	return registry, nil
}

// ReadDisk decodes the registry file without touching the snapshot
func (s *Store) ReadDisk() (tunnel.Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return decode(data)
}

func decode(data []byte) (tunnel.Registry, error) {
	raw := map[string]tunnel.Entry{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	registry := make(tunnel.Registry, len(raw))
	for key, entry := range raw {
		if !tunnel.ValidPort(entry.LocalPort) {
			return nil, fmt.Errorf("%w: tunnel %q has local_port %d", ErrParse, key, entry.LocalPort)
		}
		entry.Key = key
		registry[key] = entry
	}
	return registry, nil
}

// Snapshot returns a copy of the last loaded or saved registry
func (s *Store) Snapshot() tunnel.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Equal compares two registries by key presence and per-key fields, ignoring order
func Equal(a, b tunnel.Registry) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}

// Diff describes how next differs from the persisted snapshot; "" when equal
func (s *Store) Diff(next tunnel.Registry) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cmp.Diff(s.snapshot, next, cmpopts.EquateEmpty())
}

// Save persists next if it differs from the snapshot.
//
// The previous file is copied to <path>-<unix seconds> before it is
// overwritten, then backups beyond the retention bound are pruned.
// Returns false without touching disk when nothing changed.
func (s *Store) Save(next tunnel.Registry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	diff := cmp.Diff(s.snapshot, next, cmpopts.EquateEmpty())
	if diff == "" {
		slog.Debug("Registry unchanged, skipping save", "path", s.path)
		return false, nil
	}
	slog.Debug("Registry changed", "path", s.path, "diff", diff)

	backup, err := s.backup()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	if err := writeRegistry(s.path, next); err != nil {
		if backup != "" {
			slog.Warn("Registry write failed, previous state kept in backup", "backup", backup)
		}
		return false, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	s.snapshot = next.Clone()
	slog.Info(fmt.Sprintf("Saved %d tunnels to %s", len(next), s.path))

	if removed, err := s.prune(); err != nil {
		slog.Warn("Failed to prune registry backups", "error", err)
	} else if removed > 0 {
		slog.Debug("Pruned registry backups", "removed", removed)
	}

	return true, nil
}

// backup copies the current file aside. No file means no previous state, so
// nothing is copied and "" is returned.
func (s *Store) backup() (string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	// Seconds resolution can collide; bump forward so names stay unique and ordered
	stamp := s.now().Unix()
	if newest, ok := s.newestBackup(); ok && newest >= stamp {
		stamp = newest + 1
	}
	name := fmt.Sprintf("%s-%d", s.path, stamp)

	if err := os.WriteFile(name, data, 0o600); err != nil {
		return "", err
	}
	slog.Debug("Registry backup written", "backup", name)
	return name, nil
}

type backupFile struct {
	path  string
	stamp int64
}

// listBackups returns backups whose suffix is a unix timestamp, newest first
func (s *Store) listBackups() ([]backupFile, error) {
	matches, err := filepath.Glob(globEscape(s.path) + "-*")
	if err != nil {
		return nil, err
	}

	prefix := s.path + "-"
	backups := make([]backupFile, 0, len(matches))
	for _, m := range matches {
		stamp, err := strconv.ParseInt(strings.TrimPrefix(m, prefix), 10, 64)
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{path: m, stamp: stamp})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].stamp > backups[j].stamp
	})
	return backups, nil
}

func (s *Store) newestBackup() (int64, bool) {
	backups, err := s.listBackups()
	if err != nil || len(backups) == 0 {
		return 0, false
	}
	return backups[0].stamp, true
}

// Backups returns backup file paths, newest first
func (s *Store) Backups() ([]string, error) {
	backups, err := s.listBackups()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths, nil
}

// prune deletes all but the newest retention backups, oldest first
func (s *Store) prune() (int, error) {
	backups, err := s.listBackups()
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.retention {
		return 0, nil
	}

	stale := backups[s.retention:]
	removed := 0
	for i := len(stale) - 1; i >= 0; i-- {
		if err := os.Remove(stale[i].path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// writeRegistry writes atomically via a temp file and rename
func writeRegistry(path string, registry tunnel.Registry) error {
	data, err := yaml.Marshal(map[string]tunnel.Entry(registry))
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

// globEscape protects glob metacharacters that may appear in the config path
func globEscape(path string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return replacer.Replace(path)
}
