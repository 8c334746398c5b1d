package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.tunnelmgr.dev/tunnelmgr/internal/store"
	"go.tunnelmgr.dev/tunnelmgr/internal/supervisor"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

func quietLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// fakeSSH writes an executable that ignores its arguments and sleeps
func fakeSSH(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 60\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type recordedEvent struct {
	key, eventType string
}

type eventRecorder struct {
	mu      sync.Mutex
	events  []recordedEvent
	manager []string
}

func (r *eventRecorder) LogManagerEvent(eventType, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manager = append(r.manager, eventType)
}

func (r *eventRecorder) hasManagerEvent(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.manager, eventType)
}

func (r *eventRecorder) LogTunnelEvent(key, eventType, details string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{key: key, eventType: eventType})
	return nil
}

func (r *eventRecorder) has(key, eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.key == key && e.eventType == eventType {
			return true
		}
	}
	return false
}

func entry(port int) tunnel.Entry {
	return tunnel.Entry{
		RemoteAddress: "localhost:5432",
		LocalPort:     port,
		ProxyHost:     "user@bastion",
	}
}

type fixture struct {
	path     string
	store    *store.Store
	sup      *supervisor.Supervisor
	registry *Registry
	events   *eventRecorder
}

// newFixture writes initial to a registry file and loads it
func newFixture(t *testing.T, initial map[string]tunnel.Entry) *fixture {
	t.Helper()
	quietLogger(t)

	path := filepath.Join(t.TempDir(), "config.yml")
	seed := store.New(path)
	reg := make(tunnel.Registry, len(initial))
	for key, e := range initial {
		e.Key = key
		reg[key] = e
	}
	if len(reg) > 0 {
		if _, err := seed.Save(reg); err != nil {
			t.Fatalf("failed to seed registry: %v", err)
		}
	} else if _, err := seed.EnsureExists(); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		path:   path,
		store:  store.New(path),
		sup:    supervisor.New(supervisor.WithProcessName("tmgr-no-such-process")),
		events: &eventRecorder{},
	}
	f.registry = New(f.store, f.sup,
		WithSSHBinary(fakeSSH(t)),
		WithEvents(f.events))
	if err := f.registry.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	t.Cleanup(func() { f.sup.StopTracked() })
	return f
}

func (f *fixture) disk(t *testing.T) tunnel.Registry {
	t.Helper()
	reg, err := f.store.ReadDisk()
	if err != nil {
		t.Fatalf("ReadDisk failed: %v", err)
	}
	return reg
}

func keys(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.Key)
	}
	return out
}

func TestAddPersistsImmediately(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	added, err := f.registry.Add("My DB!", entry(6543))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added.Key != "My_DB_" {
		t.Errorf("expected sanitized key My_DB_, got %q", added.Key)
	}
	if added.Name != "My DB!" {
		t.Errorf("expected display name to keep the typed label, got %q", added.Name)
	}

	if !f.disk(t).Has("My_DB_") {
		t.Error("expected added entry to be on disk without an explicit save")
	}
	if f.registry.Dirty() {
		t.Error("registry should not be dirty right after add")
	}
	if !f.events.has("My_DB_", "added") {
		t.Error("expected an added event")
	}
}

func TestAddDoesNotPersistOtherPendingEdits(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if _, err := f.registry.Update("db", entry(7000)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Add("web", entry(8080)); err != nil {
		t.Fatal(err)
	}

	disk := f.disk(t)
	if disk["db"].LocalPort != 5432 {
		t.Errorf("pending edit leaked to disk: port %d", disk["db"].LocalPort)
	}
	if !f.registry.Dirty() {
		t.Error("expected pending edit to keep the registry dirty")
	}
}

func TestAddRejections(t *testing.T) {
	tests := []struct {
		name    string
		label   string
		entry   tunnel.Entry
		wantErr error
	}{
		{name: "duplicate", label: "db", entry: entry(6000), wantErr: tunnel.ErrDuplicateKey},
		{name: "sanitizes to duplicate", label: " db ", entry: entry(6000), wantErr: tunnel.ErrDuplicateKey},
		{name: "empty name", label: "   ", entry: entry(6000), wantErr: tunnel.ErrInvalidName},
		{name: "port out of range", label: "new", entry: entry(0), wantErr: tunnel.ErrInvalidEntry},
		{name: "missing proxy", label: "new", entry: tunnel.Entry{RemoteAddress: "h:1", LocalPort: 6000}, wantErr: tunnel.ErrInvalidEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})
			before := f.registry.List()
			diskBefore := f.disk(t)

			_, err := f.registry.Add(tt.label, tt.entry)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			if diff := cmp.Diff(before, f.registry.List()); diff != "" {
				t.Errorf("registry changed after rejected add (-before +after):\n%s", diff)
			}
			if diff := cmp.Diff(diskBefore, f.disk(t)); diff != "" {
				t.Errorf("disk changed after rejected add (-before +after):\n%s", diff)
			}
		})
	}
}

func TestAddRollsBackOnWriteFailure(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	// A directory where the temporary file should go makes the write fail
	if err := os.Mkdir(f.path+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := f.registry.Add("web", entry(8080))
	if !errors.Is(err, store.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if _, err := f.registry.Get("web"); !errors.Is(err, tunnel.ErrNotFound) {
		t.Errorf("expected web to be rolled back, got %v", err)
	}
	if f.registry.Len() != 1 {
		t.Errorf("expected 1 entry after rollback, got %d", f.registry.Len())
	}
}

func TestSaveIsNoopWhenUnchanged(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	before, err := f.store.Backups()
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.registry.Save()
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if result.Written {
		t.Error("expected unchanged save not to write")
	}

	after, err := f.store.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Errorf("expected no new backup, had %d now %d", len(before), len(after))
	}
}

func TestUpdateAndRemoveArePendingUntilSave(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{
		"db":  entry(5432),
		"web": entry(8080),
	})

	updated := entry(7000)
	updated.Name = "ignored"
	got, err := f.registry.Update("db", updated)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Name != "" {
		t.Errorf("Update must not change the display name, got %q", got.Name)
	}
	if err := f.registry.Remove("web"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if !f.registry.Dirty() {
		t.Fatal("expected registry to be dirty")
	}
	disk := f.disk(t)
	if disk["db"].LocalPort != 5432 || !disk.Has("web") {
		t.Fatal("edits reached disk before save")
	}

	result, err := f.registry.Save()
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !result.Written {
		t.Error("expected save to write")
	}

	disk = f.disk(t)
	if disk["db"].LocalPort != 7000 {
		t.Errorf("expected saved port 7000, got %d", disk["db"].LocalPort)
	}
	if disk.Has("web") {
		t.Error("expected web to be removed from disk")
	}
	if f.registry.Dirty() {
		t.Error("expected clean registry after save")
	}
}

func TestUpdateUnknownKey(t *testing.T) {
	f := newFixture(t, nil)

	if _, err := f.registry.Update("missing", entry(1000)); !errors.Is(err, tunnel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.registry.Remove("missing"); !errors.Is(err, tunnel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := f.registry.Rename("missing", "x"); !errors.Is(err, tunnel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRenameAppliesOnSave(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if err := f.registry.Rename("db", "Prod DB"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := f.registry.Get("db"); err != nil {
		t.Fatalf("key must not move before save: %v", err)
	}

	result, err := f.registry.Save()
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"db": "Prod_DB"}, result.Moved); diff != "" {
		t.Errorf("unexpected moves (-want +got):\n%s", diff)
	}

	got, err := f.registry.Get("Prod_DB")
	if err != nil {
		t.Fatalf("expected entry under new key: %v", err)
	}
	if got.DisplayName != "Prod DB" {
		t.Errorf("expected display name Prod DB, got %q", got.DisplayName)
	}

	disk := f.disk(t)
	if disk.Has("db") || !disk.Has("Prod_DB") {
		t.Errorf("unexpected keys on disk: %v", disk.Keys())
	}
	if !f.events.has("Prod_DB", "renamed") {
		t.Error("expected a renamed event")
	}
}

func TestRenameOntoExistingKeyIsRejected(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{
		"db":  entry(5432),
		"web": entry(8080),
	})

	if err := f.registry.Rename("db", "web"); !errors.Is(err, tunnel.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	got, _ := f.registry.Get("db")
	if got.Name != "" || got.PendingMove != "" {
		t.Errorf("rejected rename changed the entry: %+v", got)
	}
	if f.registry.Dirty() {
		t.Error("rejected rename must not leave pending edits")
	}
}

func TestRenameToSameKeyKeepsKey(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if err := f.registry.Rename("db", " db "); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	result, err := f.registry.Save()
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Moved) != 0 {
		t.Errorf("expected no moves, got %v", result.Moved)
	}
	if _, err := f.registry.Get("db"); err != nil {
		t.Error(err)
	}
}

func TestSaveRejectsCollidingMovesInBatch(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{
		"a": entry(1001),
		"b": entry(1002),
	})

	// Neither target is taken when requested; they only collide with each other
	if err := f.registry.Rename("a", "c"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Rename("b", "c"); err != nil {
		t.Fatal(err)
	}

	result, err := f.registry.Save()
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if diff := cmp.Diff(map[string]string{"a": "c"}, result.Moved); diff != "" {
		t.Errorf("unexpected moves (-want +got):\n%s", diff)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "'b'") {
		t.Errorf("expected one warning about b, got %v", result.Warnings)
	}

	if diff := cmp.Diff([]string{"b", "c"}, keys(f.registry.List())); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
	disk := f.disk(t)
	if diff := cmp.Diff([]string{"b", "c"}, disk.Keys()); diff != "" {
		t.Errorf("unexpected keys on disk (-want +got):\n%s", diff)
	}
	if disk["c"].Name != "c" {
		t.Errorf("accepted move should carry its name, got %q", disk["c"].Name)
	}
	if disk["b"].Name != "" {
		t.Errorf("rejected move changed the name on disk to %q", disk["b"].Name)
	}
	if got, _ := f.registry.Get("b"); got.DisplayName != "b" {
		t.Errorf("rejected move changed the display name to %q", got.DisplayName)
	}
	if f.registry.Dirty() {
		t.Error("rejected move must not stay pending")
	}
}

func TestRenameNameWaitsForSave(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if err := f.registry.Rename("db", "Prod DB"); err != nil {
		t.Fatal(err)
	}

	got, err := f.registry.Get("db")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "" || got.DisplayName != "db" {
		t.Errorf("name changed before save: name=%q display=%q", got.Name, got.DisplayName)
	}
	if got.PendingMove != "Prod DB" {
		t.Errorf("expected pending move to Prod DB, got %q", got.PendingMove)
	}
}

func TestRenameOntoKeyWithPendingMoveIsRejected(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{
		"a": entry(1001),
		"b": entry(1002),
	})

	// a is still reserved until the save that moves it away
	if err := f.registry.Rename("a", "x"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Rename("b", "a"); err == nil {
		t.Fatal("expected rename onto a live key to be rejected immediately")
	}
}

func TestSaveFailureKeepsPendingState(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if err := f.registry.Rename("db", "prod"); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(f.path+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := f.registry.Save(); !errors.Is(err, store.ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}

	got, err := f.registry.Get("db")
	if err != nil {
		t.Fatalf("entry must keep its key after failed save: %v", err)
	}
	if got.PendingMove != "prod" {
		t.Errorf("expected pending move to survive, got %q", got.PendingMove)
	}
	if !f.registry.Dirty() {
		t.Error("expected registry to stay dirty")
	}
}

func TestLoadSchedulesUnsafeKeysForRename(t *testing.T) {
	quietLogger(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	raw := "my db:\n  remote_address: localhost:5432\n  local_port: 5432\n  proxy_host: user@bastion\n  browser_open: \"\"\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	st := store.New(path)
	r := New(st, supervisor.New(supervisor.WithProcessName("tmgr-no-such-process")))
	if err := r.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !r.Dirty() {
		t.Fatal("expected unsafe key to mark the registry dirty")
	}

	result, err := r.Save()
	if err != nil {
		t.Fatal(err)
	}
	if result.Moved["my db"] != "my_db" {
		t.Errorf("expected my db to move to my_db, got %v", result.Moved)
	}
}

func TestStartStopAndStatus(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	h, err := f.registry.Start("db")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.Pid <= 0 {
		t.Fatalf("expected a pid, got %d", h.Pid)
	}

	wantArgs := []string{"-L", "127.0.0.1:5432:localhost:5432", "user@bastion"}
	if diff := cmp.Diff(wantArgs, h.Args); diff != "" {
		t.Errorf("unexpected ssh arguments (-want +got):\n%s", diff)
	}

	got, _ := f.registry.Get("db")
	if !got.Running || got.Pid != h.Pid {
		t.Errorf("expected running status with pid %d, got %+v", h.Pid, got)
	}

	if _, err := f.registry.Start("db"); !errors.Is(err, supervisor.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := f.registry.Stop("db"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := f.registry.Stop("db"); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
	got, _ = f.registry.Get("db")
	if got.Running {
		t.Error("expected stopped status")
	}

	if !f.events.has("db", "start") || !f.events.has("db", "stop") {
		t.Errorf("expected start and stop events, got %+v", f.events.events)
	}
}

func TestStartUnknownKey(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.registry.Start("missing"); !errors.Is(err, tunnel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStartPassesEnvironment(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	var asked string
	f.registry.envFor = func(key string) ([]string, error) {
		asked = key
		return []string{"TUNNEL_KEY=" + key}, nil
	}

	if _, err := f.registry.Start("db"); err != nil {
		t.Fatal(err)
	}
	if asked != "db" {
		t.Errorf("expected env to be requested for db, got %q", asked)
	}
}

func TestRunningTunnelFollowsRename(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	h, err := f.registry.Start("db")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Rename("db", "prod"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Save(); err != nil {
		t.Fatal(err)
	}

	got, err := f.registry.Get("prod")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Running || got.Pid != h.Pid {
		t.Errorf("expected running process to follow the key, got %+v", got)
	}
}

func TestRemoveStopsRunningTunnel(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if _, err := f.registry.Start("db"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Remove("db"); err != nil {
		t.Fatal(err)
	}
	if f.sup.Running("db") {
		t.Error("expected removed tunnel to be stopped")
	}
}

func TestShutdownSavesThenKills(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432), "web": entry(8080)})

	if _, err := f.registry.Start("db"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Start("web"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Update("web", entry(9090)); err != nil {
		t.Fatal(err)
	}

	result, err := f.registry.Shutdown()
	if err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !result.Written {
		t.Error("expected shutdown to persist pending edits")
	}
	if f.disk(t)["web"].LocalPort != 9090 {
		t.Error("pending edit lost on shutdown")
	}
	if len(f.sup.Handles()) != 0 {
		t.Error("expected every tunnel to be stopped")
	}
	if !f.events.hasManagerEvent("kill_all") {
		t.Error("expected a kill_all manager event")
	}
}

func TestShutdownKillsEvenWhenSaveFails(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if _, err := f.registry.Start("db"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Update("db", entry(7000)); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(f.path+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := f.registry.Shutdown(); err == nil {
		t.Error("expected save error from shutdown")
	}
	if len(f.sup.Handles()) != 0 {
		t.Error("expected tunnels to be killed despite the failed save")
	}
}

func TestShutdownRefusesStartAndAdd(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if _, err := f.registry.Shutdown(); err != nil {
		t.Fatal(err)
	}

	if _, err := f.registry.Start("db"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Start, got %v", err)
	}
	if f.sup.Running("db") {
		t.Error("no tunnel may start after shutdown")
	}
	if _, err := f.registry.Add("web", entry(8080)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Add, got %v", err)
	}
	if f.disk(t).Has("web") {
		t.Error("no tunnel may be persisted after shutdown")
	}
}

func TestReloadStopsTunnelsMissingFromFile(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if _, err := f.registry.Start("db"); err != nil {
		t.Fatal(err)
	}

	// An external writer replaces db with web
	web := entry(8080)
	web.Key = "web"
	if _, err := store.New(f.path).Save(tunnel.Registry{"web": web}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := f.registry.Reload()
	if err != nil || !reloaded {
		t.Fatalf("expected reload, got reloaded=%v err=%v", reloaded, err)
	}
	if diff := cmp.Diff([]string{"web"}, keys(f.registry.List())); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
	if f.sup.Running("db") {
		t.Error("tunnel removed from the file must be stopped")
	}
	if !f.events.has("db", "stop") {
		t.Error("expected a stop event for db")
	}
}

func TestStatusJSONOmitsStartDateWhenStopped(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	encode := func() string {
		t.Helper()
		got, err := f.registry.Get("db")
		if err != nil {
			t.Fatal(err)
		}
		data, err := json.Marshal(got)
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}

	if out := encode(); strings.Contains(out, "start_date") {
		t.Errorf("stopped tunnel should not carry a start date: %s", out)
	}
	if _, err := f.registry.Start("db"); err != nil {
		t.Fatal(err)
	}
	if out := encode(); !strings.Contains(out, "start_date") {
		t.Errorf("running tunnel should carry a start date: %s", out)
	}
}

func TestReload(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	// Nothing changed on disk
	if reloaded, err := f.registry.Reload(); err != nil || reloaded {
		t.Fatalf("expected no reload, got reloaded=%v err=%v", reloaded, err)
	}

	// An external writer adds an entry
	external := store.New(f.path)
	if _, err := external.Load(); err != nil {
		t.Fatal(err)
	}
	next := external.Snapshot()
	added := entry(8080)
	added.Key = "web"
	next["web"] = added
	if _, err := external.Save(next); err != nil {
		t.Fatal(err)
	}

	reloaded, err := f.registry.Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !reloaded {
		t.Fatal("expected external edit to be picked up")
	}
	if _, err := f.registry.Get("web"); err != nil {
		t.Errorf("expected web after reload: %v", err)
	}
}

func TestReloadKeepsUnsavedEdits(t *testing.T) {
	f := newFixture(t, map[string]tunnel.Entry{"db": entry(5432)})

	if _, err := f.registry.Update("db", entry(7000)); err != nil {
		t.Fatal(err)
	}

	external := store.New(f.path)
	if _, err := external.Load(); err != nil {
		t.Fatal(err)
	}
	next := external.Snapshot()
	added := entry(8080)
	added.Key = "web"
	next["web"] = added
	if _, err := external.Save(next); err != nil {
		t.Fatal(err)
	}

	reloaded, err := f.registry.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded {
		t.Error("reload must not discard unsaved edits")
	}
	got, _ := f.registry.Get("db")
	if got.LocalPort != 7000 {
		t.Errorf("unsaved edit lost, port %d", got.LocalPort)
	}
}

func TestCommandAndURL(t *testing.T) {
	f := newFixture(t, nil)

	e := entry(8443)
	e.BrowserOpen = "https://intranet.example.com/dashboard"
	if _, err := f.registry.Add("web", e); err != nil {
		t.Fatal(err)
	}

	command, err := f.registry.Command("web")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(command, " -L 127.0.0.1:8443:localhost:5432 user@bastion") {
		t.Errorf("unexpected command %q", command)
	}

	url, err := f.registry.URL("web")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://localhost:8443/dashboard" {
		t.Errorf("unexpected url %q", url)
	}
}
