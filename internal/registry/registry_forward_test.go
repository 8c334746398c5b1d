package registry

import (
	"fmt"
	"net"
	"testing"
	"time"

	"go.tunnelmgr.dev/tunnelmgr/internal/testutil/bastion"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

func TestStartedTunnelForwardsTraffic(t *testing.T) {
	bastion.RequireSSH(t)

	b := bastion.Start(t, "tester", "s3cret")
	echo := bastion.Echo(t)
	port := bastion.FreePort(t)

	f := newFixture(t, nil)
	f.registry.sshBinary = b.SSHWrapper()
	f.registry.envFor = func(key string) ([]string, error) {
		return b.AskpassEnv("s3cret"), nil
	}

	added, err := f.registry.Add("echo", tunnel.Entry{
		RemoteAddress: echo,
		LocalPort:     port,
		ProxyHost:     b.Alias(),
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, err := f.registry.Start(added.Key); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	local := fmt.Sprintf("127.0.0.1:%d", port)
	bastion.AwaitEcho(t, local, 15*time.Second)

	if err := f.registry.Stop(added.Key); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", local, 200*time.Millisecond)
		if err != nil {
			return
		}
		conn.Close()
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("%s still accepts connections after the tunnel was stopped", local)
}
