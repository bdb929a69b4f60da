package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/shell"
)

// NativeOptions configures the in-process forward strategy.
type NativeOptions struct {
	// User is the remote login name.
	User string

	// KeyPath is the private key used to authenticate.
	KeyPath string

	// Port is the device's ssh port (defaults to 22 when unset).
	Port int

	// ConnectTimeout bounds ssh connection establishment.
	ConnectTimeout time.Duration
}

// NewNativeStrategy returns a Strategy that forwards ports over an in-process
// SSH client connection instead of spawning subprocesses. All forwarders
// produced by one strategy share a single lazily-dialed client.
func NewNativeStrategy(options NativeOptions) Strategy {
	if options.Port <= 0 {
		options.Port = 22
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 10 * time.Second
	}
	shared := &sharedClient{options: options}
	return func(ctx context.Context, endpoint shell.Endpoint, remotePort int) (PortForwarder, error) {
		return startNativeForwarder(ctx, shared, endpoint, remotePort)
	}
}

// sharedClient lazily dials and caches one SSH client per strategy.
type sharedClient struct {
	options NativeOptions

	mu     sync.Mutex
	client *gossh.Client
}

func (s *sharedClient) get(ctx context.Context, endpoint shell.Endpoint) (*gossh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	key, err := os.ReadFile(s.options.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := gossh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	config := &gossh.ClientConfig{
		User:            s.options.User,
		Auth:            []gossh.AuthMethod{gossh.PublicKeys(signer)},
		HostKeyCallback: gossh.InsecureIgnoreHostKey(),
		Timeout:         s.options.ConnectTimeout,
	}

	ipv6 := isIPv6(endpoint.Address)
	addr := net.JoinHostPort(endpoint.Target(ipv6), fmt.Sprintf("%d", s.options.Port))
	dialer := net.Dialer{Timeout: s.options.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	sshConn, chans, reqs, err := gossh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	s.client = gossh.NewClient(sshConn, chans, reqs)
	return s.client, nil
}

// nativeForwarder forwards one port by accepting loopback connections and
// piping each through an SSH channel to the device-side service.
type nativeForwarder struct {
	localPort  int
	remotePort int
	listener   net.Listener
	cancel     context.CancelFunc
	logger     zerolog.Logger

	stopOnce sync.Once
}

func startNativeForwarder(ctx context.Context, shared *sharedClient, endpoint shell.Endpoint, remotePort int) (*nativeForwarder, error) {
	client, err := shared.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	listener, localPort, err := reserveLocalPort(isIPv6(endpoint.Address))
	if err != nil {
		return nil, err
	}

	forwardCtx, cancel := context.WithCancel(context.Background())
	f := &nativeForwarder{
		localPort:  localPort,
		remotePort: remotePort,
		listener:   listener,
		cancel:     cancel,
		logger: logging.WithForward(localPort, remotePort).With().
			Str("device", endpoint.Address).
			Logger(),
	}

	go f.acceptLoop(forwardCtx, client)

	f.logger.Info().Msg("native tunnel established")
	return f, nil
}

// LocalPort is the bound loopback port on the controlling host.
func (f *nativeForwarder) LocalPort() int {
	return f.localPort
}

// RemotePort is the forwarded service port on the device.
func (f *nativeForwarder) RemotePort() int {
	return f.remotePort
}

// Stop closes the listener and stops forwarding. Safe to call more than once.
func (f *nativeForwarder) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() {
		f.cancel()
		f.listener.Close()
		f.logger.Info().Msg("native tunnel stopped")
	})
	return nil
}

func (f *nativeForwarder) acceptLoop(ctx context.Context, client *gossh.Client) {
	// The device-side service listens on the IPv4 loopback regardless of
	// the session's address family.
	remoteAddr := fmt.Sprintf("127.0.0.1:%d", f.remotePort)
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			f.logger.Warn().Err(err).Msg("accept failed")
			return
		}

		remote, err := client.Dial("tcp", remoteAddr)
		if err != nil {
			f.logger.Warn().Err(err).Msg("ssh dial to forwarded service failed")
			conn.Close()
			continue
		}

		go bidirectionalCopy(ctx, conn, remote)
	}
}

// bidirectionalCopy pipes data between two connections until one side closes
// or the context is cancelled.
func bidirectionalCopy(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
	a.Close()
	b.Close()
	<-done
}
