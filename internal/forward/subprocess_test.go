package forward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tOgg1/devlink/internal/shell"
)

// writeStubSSH writes a shell script that behaves like the two ssh
// invocations the forwarder makes: the launch runs until killed, while the
// cancel (-O) invocation touches a marker file and fails.
func writeStubSSH(t *testing.T) (binary, cancelMarker string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "stub-ssh")
	cancelMarker = filepath.Join(dir, "cancelled")
	script := fmt.Sprintf("#!/bin/sh\nif [ \"$1\" = \"-O\" ]; then\n  touch %s\n  exit 7\nfi\nexec sleep 60\n", cancelMarker)
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub binary: %v", err)
	}
	return binary, cancelMarker
}

func newTestForwarder(endpoint shell.Endpoint, localPort, remotePort int, options SubprocessOptions) *subprocessForwarder {
	return &subprocessForwarder{
		localPort:  localPort,
		remotePort: remotePort,
		options:    options,
		endpoint:   endpoint,
		ipv6:       isIPv6(endpoint.Address),
	}
}

func TestLaunchArgs_IPv4(t *testing.T) {
	f := newTestForwarder(shell.Endpoint{Address: "192.168.1.40"}, 51000, 31782, SubprocessOptions{})

	got := strings.Join(f.launchArgs(), " ")
	want := "-nNT -o BatchMode=yes -o ExitOnForwardFailure=yes -L 51000:127.0.0.1:31782 192.168.1.40"
	if got != want {
		t.Fatalf("launch args mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestLaunchArgs_IPv6WithInterfaceAndConfig(t *testing.T) {
	endpoint := shell.Endpoint{Address: "fe80::1", Interface: "eth0", ConfigPath: "/tmp/ssh_config"}
	f := newTestForwarder(endpoint, 51000, 31782, SubprocessOptions{})

	got := strings.Join(f.launchArgs(), " ")
	want := "-6 -F /tmp/ssh_config -nNT -o BatchMode=yes -o ExitOnForwardFailure=yes -L 51000:127.0.0.1:31782 fe80::1%eth0"
	if got != want {
		t.Fatalf("launch args mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestLaunchArgs_User(t *testing.T) {
	f := newTestForwarder(shell.Endpoint{Address: "10.0.0.1"}, 51000, 22, SubprocessOptions{User: "root"})

	args := f.launchArgs()
	if args[len(args)-1] != "root@10.0.0.1" {
		t.Fatalf("expected user-qualified target, got %q", args[len(args)-1])
	}
}

func TestCancelArgs_MatchesLaunchAddressing(t *testing.T) {
	endpoint := shell.Endpoint{Address: "fe80::1", Interface: "eth0", ConfigPath: "/tmp/ssh_config"}
	f := newTestForwarder(endpoint, 51000, 31782, SubprocessOptions{})

	got := strings.Join(f.cancelArgs(), " ")
	want := "-6 -F /tmp/ssh_config -O cancel -L 51000:127.0.0.1:31782 fe80::1%eth0"
	if got != want {
		t.Fatalf("cancel args mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestForwardSpec_TargetSideIsAlwaysIPv4Loopback(t *testing.T) {
	if got := forwardSpec(51000, 31782); got != "51000:127.0.0.1:31782" {
		t.Fatalf("unexpected forward spec: %q", got)
	}
}

func TestReserveLocalPort(t *testing.T) {
	listener, port, err := reserveLocalPort(false)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	defer listener.Close()
	if port <= 0 || port > 65535 {
		t.Fatalf("reserved port out of range: %d", port)
	}
}

func TestStartSubprocessForwarder_MissingBinary(t *testing.T) {
	strategy := NewSubprocessStrategy(SubprocessOptions{
		Binary:            "/nonexistent/devlink-test-ssh",
		StartupAckTimeout: 50 * time.Millisecond,
		CancelTimeout:     time.Second,
	})

	_, err := strategy(context.Background(), shell.Endpoint{Address: "10.0.0.1"}, 31782)
	if err == nil {
		t.Fatal("expected launch failure for missing binary")
	}
}

func TestStop_KillsReapsAndCancelsForward(t *testing.T) {
	binary, cancelMarker := writeStubSSH(t)
	strategy := NewSubprocessStrategy(SubprocessOptions{
		Binary:            binary,
		StartupAckTimeout: 100 * time.Millisecond,
		CancelTimeout:     5 * time.Second,
	})

	fw, err := strategy(context.Background(), shell.Endpoint{Address: "10.0.0.1"}, 31782)
	if err != nil {
		t.Fatalf("establish failed: %v", err)
	}
	f := fw.(*subprocessForwarder)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fw.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// The subprocess is reaped before Stop returns.
	select {
	case <-f.exited:
	default:
		t.Fatal("subprocess not reaped after stop")
	}
	// The cancel invocation ran; its failure exit is warning-only.
	if _, err := os.Stat(cancelMarker); err != nil {
		t.Fatalf("forward cancel command did not run: %v", err)
	}

	if err := fw.Stop(ctx); err != nil {
		t.Fatalf("second stop not a no-op: %v", err)
	}
}

func TestStop_ExpiredContextStillCancelsForward(t *testing.T) {
	binary, cancelMarker := writeStubSSH(t)
	strategy := NewSubprocessStrategy(SubprocessOptions{
		Binary:            binary,
		StartupAckTimeout: 100 * time.Millisecond,
		CancelTimeout:     5 * time.Second,
	})

	fw, err := strategy(context.Background(), shell.Endpoint{Address: "10.0.0.1"}, 31782)
	if err != nil {
		t.Fatalf("establish failed: %v", err)
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fw.Stop(expired); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// The cancel round trip runs on its own deadline even when the stop
	// context is already gone.
	if _, err := os.Stat(cancelMarker); err != nil {
		t.Fatalf("forward cancel command did not run: %v", err)
	}
}

func TestStartSubprocessForwarder_EarlyExitIsLaunchFailure(t *testing.T) {
	// "false" ignores the ssh-style arguments and exits immediately, which
	// must be reported as a failed launch rather than a live tunnel.
	strategy := NewSubprocessStrategy(SubprocessOptions{
		Binary:            "false",
		StartupAckTimeout: 2 * time.Second,
		CancelTimeout:     time.Second,
	})

	_, err := strategy(context.Background(), shell.Endpoint{Address: "10.0.0.1"}, 31782)
	if err == nil {
		t.Fatal("expected early subprocess exit to fail establishment")
	}
}
