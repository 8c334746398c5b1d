package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchRegistry reloads the registry when the file changes on disk.
// Saves replace the file by rename, so the directory is watched and
// events are filtered by name.
func (d *Daemon) watchRegistry() {
	registryPath := filepath.Clean(d.store.Path())

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create registry file watcher", "error", err)
		return
	}

	if err := watcher.Add(filepath.Dir(registryPath)); err != nil {
		slog.Error("Failed to watch registry directory", "error", err, "path", registryPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != registryPath {
					continue
				}

				slog.Debug("Filesystem event on registry file", "event", event.Op.String(), "file", event.Name)
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				// Editors emit several events per save
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(d.reloadDelay, d.reloadRegistry)
				reloadMutex.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Registry watcher error", "error", err)
			}
		}
	}()
}

func (d *Daemon) reloadRegistry() {
	if d.ctx.Err() != nil {
		return
	}

	reloaded, err := d.registry.Reload()
	if err != nil {
		slog.Error("Registry file could not be reloaded, keeping current tunnels", "path", d.store.Path(), "error", err)
		return
	}
	if !reloaded {
		return
	}

	slog.Info(fmt.Sprintf("Registry reloaded from %s (%d tunnels)", d.store.Path(), d.registry.Len()))
	d.LogManagerEvent("reload", fmt.Sprintf("tunnels: %d", d.registry.Len()))
}
