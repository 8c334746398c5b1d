package supervisor

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// ExecLauncher starts the process in its own session with stdio detached
type ExecLauncher struct{}

func (ExecLauncher) Launch(key string, cmd *exec.Cmd) (io.Closer, error) {
	// Own session so terminal signals aimed at the manager do not reach the tunnel
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return nil, nil
}

// PTYLauncher gives the process a pseudo terminal. ssh without -N opens a
// remote shell and exits as soon as its stdin hits EOF, so the tunnel needs
// a terminal that stays open for the life of the process.
type PTYLauncher struct{}

func (PTYLauncher) Launch(key string, cmd *exec.Cmd) (io.Closer, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	// Drain output so the child never blocks on a full terminal buffer
	go drainPTY(key, ptmx)

	return ptmx, nil
}

func drainPTY(key string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		slog.Debug("tunnel output", "key", key, "line", line)
	}
}

// killProcess sends SIGKILL to the process group, falling back to the process alone
func killProcess(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return p.Kill()
}
