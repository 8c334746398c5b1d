// Package guard makes sure only one manager process runs at a time.
//
// The instance marker is a file named after a fixed token. The holder keeps
// an exclusive flock on it for its whole lifetime. The kernel drops that lock
// when the holder dies, but the file itself survives a crash, so a marker
// whose lock can be taken is an orphan and gets reclaimed.
//
// Reclaiming is best-effort: another instance may claim the marker between
// the orphan being removed and the retry. The retry is authoritative.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

var ErrInstanceAlreadyRunning = errors.New("another instance is already running")

// Guard holds the instance marker. Create it once at startup, Acquire, and
// defer Release so every exit route drops the marker.
type Guard struct {
	path string

	mu       sync.Mutex
	file     *os.File
	released bool
}

func New(dir, token string) *Guard {
	return &Guard{
		path: filepath.Join(dir, token+".lock"),
	}
}

// Path returns the marker file path
func (g *Guard) Path() string {
	return g.path
}

// Acquire claims the marker. It returns false when a live instance holds it.
func (g *Guard) Acquire() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file != nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create marker directory: %w", err)
	}

	claimed, err := g.claim()
	if err != nil || claimed {
		return claimed, err
	}

	orphaned, err := g.reclaimOrphan()
	if err != nil {
		return false, err
	}
	if !orphaned {
		return false, nil
	}

	// Retry once; whatever happens now is final
	return g.claim()
}

// claim creates the marker exclusively and locks it.
// false with a nil error means the marker already exists.
func (g *Guard) claim() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create instance marker: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone attached between create and lock and now owns it
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock instance marker: %w", err)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		slog.Debug("Failed to record PID in instance marker", "error", err)
	}

	g.file = f
	g.released = false
	slog.Debug("Instance marker acquired", "path", g.path)
	return true, nil
}

// reclaimOrphan attaches to an existing marker and detaches again. If the
// lock could be taken the previous holder is gone and the marker is removed.
func (g *Guard) reclaimOrphan() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		// Released between our claim and attach
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open instance marker: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := readPID(g.path); pid > 0 {
				slog.Debug("Instance marker held by live process", "pid", pid)
			}
			return false, nil
		}
		return false, fmt.Errorf("failed to probe instance marker: %w", err)
	}

	// The lock is authoritative; the PID only tells the log whether it was recycled
	pid := readPID(g.path)
	pidInUse := false
	if pid > 0 {
		pidInUse, _ = process.PidExists(int32(pid))
	}
	slog.Info("Reclaiming instance marker left by a previous crash",
		"path", g.path,
		"previous_pid", pid,
		"pid_in_use", pidInUse)

	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to remove orphaned instance marker: %w", err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return true, nil
}

// Holder returns the PID recorded in the marker, or 0
func (g *Guard) Holder() int {
	return readPID(g.path)
}

// Release drops the marker. Safe to call more than once and on a guard that
// never acquired.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.file == nil || g.released {
		return nil
	}
	g.released = true

	f := g.file
	g.file = nil

	// Remove before unlocking so a waiting instance never sees our stale file unlocked
	removeErr := os.Remove(g.path)
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()

	slog.Debug("Instance marker released", "path", g.path)

	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("failed to remove instance marker: %w", removeErr)
	}
	return closeErr
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
