package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/shell"
)

// SubprocessOptions configures the ssh subprocess forward strategy.
type SubprocessOptions struct {
	// Binary is the ssh executable (defaults to "ssh" when unset).
	Binary string

	// User is the remote login name (empty means the ssh default).
	User string

	// StartupAckTimeout is how long to watch the subprocess for an early
	// exit before declaring the tunnel established.
	StartupAckTimeout time.Duration

	// CancelTimeout bounds the -O cancel round trip during teardown.
	CancelTimeout time.Duration
}

// DefaultSubprocessOptions returns sensible defaults.
func DefaultSubprocessOptions() SubprocessOptions {
	return SubprocessOptions{
		Binary:            "ssh",
		StartupAckTimeout: 500 * time.Millisecond,
		CancelTimeout:     10 * time.Second,
	}
}

// NewSubprocessStrategy returns a Strategy that forwards ports by spawning
// the system ssh binary with a -L forward.
func NewSubprocessStrategy(options SubprocessOptions) Strategy {
	defaults := DefaultSubprocessOptions()
	if options.Binary == "" {
		options.Binary = defaults.Binary
	}
	if options.StartupAckTimeout <= 0 {
		options.StartupAckTimeout = defaults.StartupAckTimeout
	}
	if options.CancelTimeout <= 0 {
		options.CancelTimeout = defaults.CancelTimeout
	}
	return func(ctx context.Context, endpoint shell.Endpoint, remotePort int) (PortForwarder, error) {
		return startSubprocessForwarder(ctx, options, endpoint, remotePort)
	}
}

// subprocessForwarder runs one ssh -L subprocess for the lifetime of a tunnel.
type subprocessForwarder struct {
	id         string
	localPort  int
	remotePort int
	options    SubprocessOptions
	endpoint   shell.Endpoint
	ipv6       bool

	cmd      *exec.Cmd
	listener net.Listener
	exited   chan struct{}
	exitErr  error
	logger   zerolog.Logger

	stopOnce sync.Once
	stopErr  error
}

func startSubprocessForwarder(ctx context.Context, options SubprocessOptions, endpoint shell.Endpoint, remotePort int) (*subprocessForwarder, error) {
	ipv6 := isIPv6(endpoint.Address)

	listener, localPort, err := reserveLocalPort(ipv6)
	if err != nil {
		return nil, err
	}
	// The subprocess must be able to bind the reserved port itself, so the
	// reservation listener is released just before launch. The window where
	// another process could grab the port is much smaller than asking ssh
	// to pick a port and parsing it back out.
	listener.Close()

	f := &subprocessForwarder{
		id:         uuid.NewString(),
		localPort:  localPort,
		remotePort: remotePort,
		options:    options,
		endpoint:   endpoint,
		ipv6:       ipv6,
		listener:   listener,
		exited:     make(chan struct{}),
	}
	f.logger = logging.WithForward(localPort, remotePort).With().
		Str("forward_id", f.id).
		Str("device", endpoint.Address).
		Logger()

	args := f.launchArgs()
	f.cmd = exec.Command(options.Binary, args...)
	if err := f.cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch tunnel subprocess: %w", err)
	}

	// Detached exit observer. Exit codes are diagnostics only, there is no
	// back-pressure on stop or start paths.
	go f.monitor()

	f.logger.Debug().Strs("args", args).Msg("tunnel subprocess launched")

	// ExitOnForwardFailure makes a doomed forward exit promptly, so a short
	// watch on the subprocess distinguishes launch failure from a live
	// tunnel without blocking on the session itself.
	select {
	case <-f.exited:
		return nil, fmt.Errorf("tunnel subprocess exited during startup: %w", f.exitErr)
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), options.CancelTimeout)
		defer cancel()
		_ = f.Stop(stopCtx)
		return nil, ctx.Err()
	case <-time.After(options.StartupAckTimeout):
	}

	f.logger.Info().Msg("tunnel established")
	return f, nil
}

// LocalPort is the bound loopback port on the controlling host.
func (f *subprocessForwarder) LocalPort() int {
	return f.localPort
}

// RemotePort is the forwarded service port on the device.
func (f *subprocessForwarder) RemotePort() int {
	return f.remotePort
}

// Stop kills the subprocess, cancels the forward rule on the transport side
// and releases the reserved local listener. Safe to call more than once.
func (f *subprocessForwarder) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() {
		f.stopErr = f.stop(ctx)
	})
	return f.stopErr
}

func (f *subprocessForwarder) stop(ctx context.Context) error {
	if f.cmd.Process != nil {
		if err := f.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			f.logger.Debug().Err(err).Msg("tunnel subprocess already gone")
		}
	}

	// Wait for the exit observer so the process is fully reaped before the
	// cancel command runs against the same forward rule.
	select {
	case <-f.exited:
	case <-ctx.Done():
		f.logger.Warn().Msg("gave up waiting for tunnel subprocess exit")
	}

	// Forced termination can leave the forward rule registered with a
	// shared ssh transport, so an explicit cancel is issued regardless.
	f.cancelForward()

	f.listener.Close()
	f.logger.Info().Msg("tunnel stopped")
	return nil
}

// cancelForward runs the second ssh invocation that deregisters the forward
// rule. Failures are logged as warnings only; local resources are released
// either way. The timeout is taken from a fresh context so the cancel round
// trip still runs when the stop context has already expired.
func (f *subprocessForwarder) cancelForward() {
	ctx, cancel := context.WithTimeout(context.Background(), f.options.CancelTimeout)
	defer cancel()

	args := f.cancelArgs()
	cmd := exec.CommandContext(ctx, f.options.Binary, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		f.logger.Warn().Err(err).Bytes("output", output).Msg("forward cancel command failed")
	}
}

// launchArgs builds the argument vector for the long-lived forwarding
// subprocess: non-interactive, no remote command, no TTY.
func (f *subprocessForwarder) launchArgs() []string {
	var args []string
	if f.ipv6 {
		args = append(args, "-6")
	}
	if f.endpoint.ConfigPath != "" {
		args = append(args, "-F", f.endpoint.ConfigPath)
	}
	args = append(args,
		"-nNT",
		"-o", "BatchMode=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-L", forwardSpec(f.localPort, f.remotePort),
		f.target(),
	)
	return args
}

// cancelArgs builds the argument vector for the cancel invocation, addressed
// identically to the launch so it reaches the same transport session.
func (f *subprocessForwarder) cancelArgs() []string {
	var args []string
	if f.ipv6 {
		args = append(args, "-6")
	}
	if f.endpoint.ConfigPath != "" {
		args = append(args, "-F", f.endpoint.ConfigPath)
	}
	args = append(args,
		"-O", "cancel",
		"-L", forwardSpec(f.localPort, f.remotePort),
		f.target(),
	)
	return args
}

func (f *subprocessForwarder) target() string {
	addr := f.endpoint.Target(f.ipv6)
	if f.options.User != "" {
		return f.options.User + "@" + addr
	}
	return addr
}

func (f *subprocessForwarder) monitor() {
	err := f.cmd.Wait()
	f.exitErr = err
	close(f.exited)

	code := f.cmd.ProcessState.ExitCode()
	if err != nil {
		f.logger.Info().Err(err).Int("exit_code", code).Msg("tunnel subprocess exited")
	} else {
		f.logger.Debug().Int("exit_code", code).Msg("tunnel subprocess exited")
	}
}

func isIPv6(address string) bool {
	ip := net.ParseIP(address)
	return ip != nil && ip.To4() == nil
}
