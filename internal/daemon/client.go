package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// SendCommand connects to the manager, sends a command, and returns the response.
func SendCommand(socketPath, command string) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return response, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to manager: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from manager: %w", err)
	}

	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from manager: %w", err)
	}

	return response, nil
}

// IsRunning reports whether a manager answers on socketPath
func IsRunning(socketPath string) bool {
	_, err := SendCommand(socketPath, "VERSION")
	return err == nil
}

// StartDaemon launches `tunnelmgr run` detached from the terminal and
// returns its PID. It does not wait for the socket.
func StartDaemon(configPath string, verbose int) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("could not locate tunnelmgr executable: %w", err)
	}

	args := []string{"run", "--config-path", configPath}
	if verbose > 0 {
		args = append(args, "-"+strings.Repeat("v", verbose))
	}

	cmd := exec.Command(executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("could not fork manager process: %w", err)
	}

	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// WaitForDaemon polls until the manager answers or timeout passes
func WaitForDaemon(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsRunning(socketPath) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("manager did not answer on %s within %s", socketPath, timeout)
}

// StreamLogs copies the manager log stream to w until the connection closes
func StreamLogs(socketPath string, historyLines int, w io.Writer) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "LOGS %d\n", historyLines); err != nil {
		return fmt.Errorf("failed to request logs: %w", err)
	}
	if _, err := io.Copy(w, conn); err != nil {
		return fmt.Errorf("log stream interrupted: %w", err)
	}
	return nil
}
