package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.tunnelmgr.dev/tunnelmgr/internal/core"
	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

const managerStartTimeout = 5 * time.Second

// sendCommand sends command to the manager and exits when it is not running
// or answers with an error
func sendCommand(command string) daemon.Response {
	response, err := daemon.SendCommand(settings.SocketPath(), command)
	if err != nil {
		slog.Error("tunnelmgr is not running. Use 'tunnelmgr start' to start it.")
		os.Exit(1)
	}

	response.LogMessages()
	if response.Failed() {
		os.Exit(1)
	}
	return response
}

// decodeData decodes the response data into v or exits
func decodeData(response daemon.Response, v any) {
	if err := response.DecodeData(v); err != nil {
		slog.Error(fmt.Sprintf("Unexpected response from tunnelmgr: %v", err))
		os.Exit(1)
	}
}

// ensureManagerIsRunning starts the manager in the background when needed
func ensureManagerIsRunning() {
	if daemon.IsRunning(settings.SocketPath()) {
		return
	}

	slog.Info("tunnelmgr is not running. Starting it now...")
	pid, err := daemon.StartDaemon(settings.ConfigPath, verbose)
	if err != nil {
		slog.Error(fmt.Sprintf("Could not start tunnelmgr: %v", err))
		os.Exit(1)
	}
	slog.Debug(fmt.Sprintf("Manager process launched with PID: %d", pid))

	if err := daemon.WaitForDaemon(settings.SocketPath(), managerStartTimeout); err != nil {
		slog.Error(fmt.Sprintf("tunnelmgr failed to start: %v", err))
		os.Exit(1)
	}
}

// checkVersionMismatch warns when the manager runs a different build
func checkVersionMismatch() {
	response, err := daemon.SendCommand(settings.SocketPath(), "VERSION")
	if err != nil {
		return
	}

	var version string
	if err := response.DecodeData(&version); err != nil || version == "" {
		return
	}
	if version != core.Version {
		slog.Warn(fmt.Sprintf("Version mismatch! Client %s and manager %s differ. Consider restarting tunnelmgr.",
			core.FormatVersion(core.Version), core.FormatVersion(version)))
	}
}
