// Package bastion runs an in-process SSH jump host for tests.
//
// The host accepts password logins for one user, holds shell sessions open
// and serves direct-tcpip channels, which is all `ssh -L` needs. It writes an
// ssh config and a wrapper script so the system ssh client can reach it by
// alias without touching ~/.ssh.
package bastion

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

type Bastion struct {
	t        testing.TB
	user     string
	password string

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	dir   string
	alias string
}

// RequireSSH skips the test when no ssh client is installed
func RequireSSH(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("ssh"); err != nil {
		t.Skip("ssh client not installed")
	}
}

// Start listens on a random loopback port. The host is stopped on test cleanup.
func Start(t testing.TB, user, password string) *Bastion {
	t.Helper()

	b := &Bastion{
		t:        t,
		user:     user,
		password: password,
		done:     make(chan struct{}),
		dir:      t.TempDir(),
	}

	b.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == b.user && string(password) == b.password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
	}
	b.config.AddHostKey(hostKey(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bastion: failed to listen: %v", err)
	}
	b.listener = listener
	b.alias = fmt.Sprintf("bastion-%d", b.Port())
	b.writeClientFiles()

	b.wg.Add(1)
	go b.acceptLoop()

	t.Cleanup(b.Stop)
	return b
}

func (b *Bastion) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.listener.Close()
		b.wg.Wait()
	})
}

func (b *Bastion) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

// Alias is the host name to use as proxy host
func (b *Bastion) Alias() string {
	return b.alias
}

func (b *Bastion) SSHConfigPath() string {
	return filepath.Join(b.dir, "ssh_config")
}

// SSHWrapper is an executable that runs ssh with the generated config; use it
// in place of the ssh binary
func (b *Bastion) SSHWrapper() string {
	return filepath.Join(b.dir, "ssh")
}

// AskpassEnv makes ssh read the given password from a script instead of a terminal
func (b *Bastion) AskpassEnv(password string) []string {
	script := filepath.Join(b.dir, "askpass")
	content := fmt.Sprintf("#!/bin/sh\necho '%s'\n", password)
	if err := os.WriteFile(script, []byte(content), 0o700); err != nil {
		b.t.Fatalf("bastion: failed to write askpass script: %v", err)
	}
	return []string{
		"SSH_ASKPASS=" + script,
		"SSH_ASKPASS_REQUIRE=force",
		"DISPLAY=:0",
	}
}

func (b *Bastion) writeClientFiles() {
	config := fmt.Sprintf(`Host %s
    HostName 127.0.0.1
    Port %d
    User %s
    StrictHostKeyChecking no
    UserKnownHostsFile /dev/null
    PreferredAuthentications password
    PubkeyAuthentication no
    ConnectTimeout 10
    LogLevel ERROR
`, b.alias, b.Port(), b.user)
	if err := os.WriteFile(b.SSHConfigPath(), []byte(config), 0o600); err != nil {
		b.t.Fatalf("bastion: failed to write ssh config: %v", err)
	}

	wrapper := fmt.Sprintf("#!/bin/sh\nexec ssh -F %s \"$@\"\n", b.SSHConfigPath())
	if err := os.WriteFile(b.SSHWrapper(), []byte(wrapper), 0o755); err != nil {
		b.t.Fatalf("bastion: failed to write ssh wrapper: %v", err)
	}
}

func (b *Bastion) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.done:
			default:
				b.t.Logf("bastion: accept error: %v", err)
			}
			return
		}

		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *Bastion) serve(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, b.config)
	if err != nil {
		b.t.Logf("bastion: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	go replyAll(reqs, func(req *ssh.Request) bool {
		return req.Type == "keepalive@openssh.com" || req.Type == "no-more-sessions@openssh.com"
	})

	for {
		select {
		case <-b.done:
			return
		case newChan, ok := <-chans:
			if !ok {
				return
			}
			switch newChan.ChannelType() {
			case "session":
				b.wg.Add(1)
				go b.holdSession(newChan)
			case "direct-tcpip":
				b.wg.Add(1)
				go b.forward(newChan)
			default:
				newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			}
		}
	}
}

// replyAll answers every request that wants a reply with accept(req)
func replyAll(reqs <-chan *ssh.Request, accept func(*ssh.Request) bool) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(accept(req), nil)
		}
	}
}

// holdSession accepts shells and keeps them open until the host stops
func (b *Bastion) holdSession(newChan ssh.NewChannel) {
	defer b.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	go replyAll(reqs, func(req *ssh.Request) bool {
		switch req.Type {
		case "env", "pty-req", "shell", "exec":
			return true
		}
		return false
	})

	<-b.done
}

// forwardRequest is the RFC 4254 direct-tcpip payload
type forwardRequest struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func (b *Bastion) forward(newChan ssh.NewChannel) {
	defer b.wg.Done()

	var req forwardRequest
	if err := ssh.Unmarshal(newChan.ExtraData(), &req); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed forward request")
		return
	}

	target := net.JoinHostPort(req.DestHost, strconv.Itoa(int(req.DestPort)))
	targetConn, err := net.Dial("tcp", target)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer targetConn.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	copied := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, targetConn)
		ch.CloseWrite()
		copied <- struct{}{}
	}()
	go func() {
		io.Copy(targetConn, ch)
		targetConn.(*net.TCPConn).CloseWrite()
		copied <- struct{}{}
	}()

	for range 2 {
		select {
		case <-copied:
		case <-b.done:
			return
		}
	}
}

func hostKey(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("bastion: failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("bastion: failed to create host key signer: %v", err)
	}
	return signer
}

// Echo starts a TCP server that writes back everything it reads and returns its address
func Echo(t testing.TB) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bastion: failed to start echo server: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return listener.Addr().String()
}

// FreePort returns a loopback port that was free a moment ago
func FreePort(t testing.TB) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bastion: failed to find a free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// AwaitEcho sends a message to addr until it comes back unchanged, failing
// the test after timeout. A fresh forward needs a moment before it listens.
func AwaitEcho(t testing.TB, addr string, timeout time.Duration) {
	t.Helper()

	const message = "hello through the tunnel"
	deadline := time.Now().Add(timeout)

	var lastErr error
	for time.Now().Before(deadline) {
		got, err := roundtrip(addr, message)
		if err == nil && got == message {
			return
		}
		if err == nil {
			err = fmt.Errorf("got %q back", got)
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("bastion: no echo through %s within %s: %v", addr, timeout, lastErr)
}

func roundtrip(addr, message string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, message); err != nil {
		return "", err
	}
	conn.(*net.TCPConn).CloseWrite()

	buf, err := io.ReadAll(conn)
	return string(buf), err
}
