// Package manager orchestrates tunnel establishment and aggregate queries
// against every service advertised on a remote device.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/devlink/internal/discovery"
	"github.com/tOgg1/devlink/internal/forward"
	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/service"
	"github.com/tOgg1/devlink/internal/shell"
)

var (
	// ErrInvalidAddress indicates the endpoint address is not a valid IPv4
	// or IPv6 literal.
	ErrInvalidAddress = errors.New("address is not a valid IPv4 or IPv6 literal")

	// ErrStopped indicates the manager was stopped while an operation was
	// in flight.
	ErrStopped = errors.New("connection manager stopped")
)

// Options configures a Manager.
type Options struct {
	// Address is the device's IPv4 or IPv6 literal. Required.
	Address string

	// Interface is the network interface for IPv6 link-local addresses.
	Interface string

	// ConfigPath is an optional ssh client configuration file.
	ConfigPath string

	// ServicesDir overrides the advertisement directory used for discovery.
	ServicesDir string

	// Shell configures the default transport. Ignored when Transport is set.
	Shell shell.Options

	// Transport overrides the command transport (defaults to the system ssh
	// binary bound to the endpoint).
	Transport shell.Transport

	// Strategy overrides how tunnels are established (defaults to the ssh
	// subprocess strategy).
	Strategy forward.Strategy

	// Forward configures the default strategy. Ignored when Strategy is set.
	Forward forward.SubprocessOptions

	// Dialer overrides how service clients are created (defaults to gRPC).
	Dialer service.Dialer

	// Query configures the default dialer. Ignored when Dialer is set.
	Query service.GRPCOptions
}

// FailedPort records one discovered port that could not be forwarded.
type FailedPort struct {
	RemotePort int
	Err        error
}

// ForwardedPort is a snapshot of one established tunnel.
type ForwardedPort struct {
	LocalPort  int
	RemotePort int
}

// clientEntry memoizes one service client per forwarded local port.
// The ready channel closes exactly once, after client and err are set.
type clientEntry struct {
	ready  chan struct{}
	client service.Client
	err    error
}

// Manager owns the forwarded-port set and the per-port client cache for one
// device connection.
type Manager struct {
	endpoint    shell.Endpoint
	transport   shell.Transport
	strategy    forward.Strategy
	dialer      service.Dialer
	servicesDir string

	// loopback is the literal clients connect to. It matches the endpoint's
	// address family and never changes after construction: tunnels always
	// map the target side onto the IPv4 loopback, and the compensation for
	// that happens here, at the client-connection step.
	loopback string

	logger zerolog.Logger

	mu         sync.Mutex
	forwarders []forward.PortForwarder
	clients    map[int]*clientEntry
	failed     []FailedPort
}

// Connect validates the endpoint, binds the transport and establishes one
// tunnel per advertised service port. A device with no reachable services
// yields a manager with an empty forwarded set, not an error.
func Connect(ctx context.Context, options Options) (*Manager, error) {
	ip := net.ParseIP(options.Address)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, options.Address)
	}

	loopback := "127.0.0.1"
	if ip.To4() == nil {
		loopback = "::1"
	}

	endpoint := shell.Endpoint{
		Address:    options.Address,
		Interface:  options.Interface,
		ConfigPath: options.ConfigPath,
	}

	transport := options.Transport
	if transport == nil {
		transport = shell.NewSystemTransport(endpoint, options.Shell)
	}
	strategy := options.Strategy
	if strategy == nil {
		strategy = forward.NewSubprocessStrategy(options.Forward)
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = service.NewGRPCDialer(options.Query)
	}
	servicesDir := options.ServicesDir
	if servicesDir == "" {
		servicesDir = discovery.DefaultServicesDir
	}

	m := &Manager{
		endpoint:    endpoint,
		transport:   transport,
		strategy:    strategy,
		dialer:      dialer,
		servicesDir: servicesDir,
		loopback:    loopback,
		logger:      logging.WithDevice(options.Address),
		clients:     make(map[int]*clientEntry),
	}

	if err := m.discoverAndForwardAll(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if stopErr := m.Stop(stopCtx); stopErr != nil {
			m.logger.Warn().Err(stopErr).Msg("teardown after failed connect reported errors")
		}
		return nil, err
	}
	return m, nil
}

// Endpoint returns the device identity this manager is bound to.
func (m *Manager) Endpoint() shell.Endpoint {
	return m.endpoint
}

// Ports returns a snapshot of the established tunnels in insertion order.
func (m *Manager) Ports() []ForwardedPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]ForwardedPort, 0, len(m.forwarders))
	for _, fw := range m.forwarders {
		ports = append(ports, ForwardedPort{LocalPort: fw.LocalPort(), RemotePort: fw.RemotePort()})
	}
	return ports
}

// FailedPorts returns the discovered ports that could not be forwarded
// during the last establishment pass.
func (m *Manager) FailedPorts() []FailedPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := make([]FailedPort, len(m.failed))
	copy(failed, m.failed)
	return failed
}

// discoverAndForwardAll rebuilds the forwarded-port set from scratch: any
// prior state is torn down, discovery runs once, and every discovered port's
// tunnel is launched concurrently. Ports that fail to forward are recorded
// and excluded; they never abort the pass.
func (m *Manager) discoverAndForwardAll(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("teardown before rediscovery reported errors")
	}
	m.mu.Lock()
	m.failed = nil
	m.mu.Unlock()

	ports, err := discovery.Discover(ctx, m.transport, m.servicesDir)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn().Err(err).Msg("service discovery failed, no ports forwarded")
		return nil
	}
	m.logger.Debug().Ints("ports", ports).Msg("discovered service ports")

	forwarders := make([]forward.PortForwarder, len(ports))
	failures := make([]error, len(ports))

	var g errgroup.Group
	for i, port := range ports {
		g.Go(func() error {
			fw, err := m.strategy(ctx, m.endpoint, port)
			if err != nil {
				failures[i] = err
				return nil
			}
			forwarders[i] = fw
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, port := range ports {
		switch {
		case forwarders[i] != nil:
			m.forwarders = append(m.forwarders, forwarders[i])
		default:
			m.logger.Warn().Int("remote_port", port).Err(failures[i]).Msg("port could not be forwarded")
			m.failed = append(m.failed, FailedPort{RemotePort: port, Err: failures[i]})
		}
	}
	m.logger.Info().
		Int("forwarded", len(m.forwarders)).
		Int("failed", len(m.failed)).
		Msg("tunnel establishment complete")
	return ctx.Err()
}

// GetOrCreateClient returns the cached service client for localPort,
// creating it on first use. Creation is single-flight: concurrent callers
// for the same port share one connect and observe the same client. The
// connect itself is detached from the caller's context, so a cancelled
// waiter never strands a half-created client outside the cache.
func (m *Manager) GetOrCreateClient(ctx context.Context, localPort int) (service.Client, error) {
	m.mu.Lock()
	entry, ok := m.clients[localPort]
	if !ok {
		entry = &clientEntry{ready: make(chan struct{})}
		m.clients[localPort] = entry
		go m.createClient(entry, localPort)
	}
	m.mu.Unlock()

	select {
	case <-entry.ready:
		return entry.client, entry.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) createClient(entry *clientEntry, localPort int) {
	uri := net.JoinHostPort(m.loopback, strconv.Itoa(localPort))
	client, err := m.dialer(context.Background(), uri)

	m.mu.Lock()
	current := m.clients[localPort]
	switch {
	case err != nil:
		// Leave no failed entry behind so a later query can retry.
		if current == entry {
			delete(m.clients, localPort)
		}
		entry.err = fmt.Errorf("connect service client at %s: %w", uri, err)
	case current != entry:
		// The manager was stopped or reset mid-connect.
		entry.err = ErrStopped
	default:
		entry.client = client
	}
	m.mu.Unlock()

	if entry.err != nil && client != nil {
		client.Stop()
	}
	close(entry.ready)
}

// GetViews collects the views of every forwarded service, concatenated in
// forwarder-insertion order. An empty forwarded set yields an empty result
// and no error.
func (m *Manager) GetViews(ctx context.Context) ([]service.ViewDescriptor, error) {
	snapshot := m.snapshotForwarders()
	if len(snapshot) == 0 {
		return nil, nil
	}

	results := make([][]service.ViewDescriptor, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	for i, fw := range snapshot {
		g.Go(func() error {
			client, err := m.GetOrCreateClient(gctx, fw.LocalPort())
			if err != nil {
				return err
			}
			views, err := client.ListViews(gctx)
			if err != nil {
				return fmt.Errorf("list views on port %d: %w", fw.RemotePort(), err)
			}
			results[i] = views
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []service.ViewDescriptor
	for _, views := range results {
		merged = append(merged, views...)
	}
	return merged, nil
}

// GetExecutionUnitsByPattern collects the execution units matching pattern
// across every forwarded service, concatenated in forwarder-insertion order
// with empty per-port results dropped. An empty forwarded set yields an
// empty result and no error, matching GetViews.
func (m *Manager) GetExecutionUnitsByPattern(ctx context.Context, pattern string) ([]service.ExecutionUnitRef, error) {
	snapshot := m.snapshotForwarders()
	if len(snapshot) == 0 {
		return nil, nil
	}

	results := make([][]service.ExecutionUnitRef, len(snapshot))
	g, gctx := errgroup.WithContext(ctx)
	for i, fw := range snapshot {
		g.Go(func() error {
			client, err := m.GetOrCreateClient(gctx, fw.LocalPort())
			if err != nil {
				return err
			}
			units, err := client.ListExecutionUnitsByPattern(gctx, pattern)
			if err != nil {
				return fmt.Errorf("list execution units on port %d: %w", fw.RemotePort(), err)
			}
			results[i] = units
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []service.ExecutionUnitRef
	for _, units := range results {
		if len(units) == 0 {
			continue
		}
		merged = append(merged, units...)
	}
	return merged, nil
}

// Stop tears down every forwarded port and clears all state. Teardown runs
// concurrently across ports; within one port the cached client is always
// stopped before its forwarder. Stop is idempotent and does not return
// until every port has completed its teardown.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	forwarders := m.forwarders
	clients := m.clients
	m.forwarders = nil
	m.clients = make(map[int]*clientEntry)
	m.mu.Unlock()

	var g errgroup.Group
	for _, fw := range forwarders {
		entry := clients[fw.LocalPort()]
		delete(clients, fw.LocalPort())
		g.Go(func() error {
			var errs []error
			if err := stopClient(ctx, entry); err != nil {
				m.logger.Warn().Int("local_port", fw.LocalPort()).Err(err).Msg("service client stop failed")
				errs = append(errs, err)
			}
			if err := fw.Stop(ctx); err != nil {
				m.logger.Warn().Int("local_port", fw.LocalPort()).Err(err).Msg("forwarder stop failed")
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		})
	}
	// Entries without a live forwarder should not survive either.
	for localPort, entry := range clients {
		g.Go(func() error {
			if err := stopClient(ctx, entry); err != nil {
				m.logger.Warn().Int("local_port", localPort).Err(err).Msg("service client stop failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// stopClient waits for an in-flight creation to settle, then stops the
// client if one was created.
func stopClient(ctx context.Context, entry *clientEntry) error {
	if entry == nil {
		return nil
	}
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight client creation: %w", ctx.Err())
	}
	if entry.client == nil {
		return nil
	}
	return entry.client.Stop()
}

func (m *Manager) snapshotForwarders() []forward.PortForwarder {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]forward.PortForwarder, len(m.forwarders))
	copy(snapshot, m.forwarders)
	return snapshot
}
