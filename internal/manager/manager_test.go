package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/devlink/internal/forward"
	"github.com/tOgg1/devlink/internal/service"
	"github.com/tOgg1/devlink/internal/shell"
)

// localPortBase maps a remote port to a deterministic fake local port.
const localPortBase = 50000

type fakeTransport struct {
	lines []string
	err   error
}

func (f *fakeTransport) Run(ctx context.Context, cmd string) ([]string, error) {
	return f.lines, f.err
}
func (f *fakeTransport) Endpoint() shell.Endpoint { return shell.Endpoint{} }
func (f *fakeTransport) Close() error             { return nil }

// eventLog records teardown events across fakes, in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeForwarder struct {
	local  int
	remote int
	log    *eventLog
	stops  atomic.Int32
}

func (f *fakeForwarder) LocalPort() int  { return f.local }
func (f *fakeForwarder) RemotePort() int { return f.remote }
func (f *fakeForwarder) Stop(ctx context.Context) error {
	f.stops.Add(1)
	if f.log != nil {
		f.log.add(fmt.Sprintf("forwarder-stop:%d", f.remote))
	}
	return nil
}

// fakeStrategy establishes fakeForwarders, failing the remote ports listed
// in failPorts.
func fakeStrategy(log *eventLog, failPorts ...int) forward.Strategy {
	return func(ctx context.Context, endpoint shell.Endpoint, remotePort int) (forward.PortForwarder, error) {
		for _, failed := range failPorts {
			if remotePort == failed {
				return nil, errors.New("bind failed")
			}
		}
		return &fakeForwarder{local: localPortBase + remotePort, remote: remotePort, log: log}, nil
	}
}

type fakeClient struct {
	remotePort int
	units      []service.ExecutionUnitRef
	log        *eventLog
	stops      atomic.Int32
}

func (c *fakeClient) ListViews(ctx context.Context) ([]service.ViewDescriptor, error) {
	return []service.ViewDescriptor{{Name: fmt.Sprintf("view-%d", c.remotePort)}}, nil
}

func (c *fakeClient) ListExecutionUnitsByPattern(ctx context.Context, pattern string) ([]service.ExecutionUnitRef, error) {
	return c.units, nil
}

func (c *fakeClient) Stop() error {
	c.stops.Add(1)
	if c.log != nil {
		c.log.add(fmt.Sprintf("client-stop:%d", c.remotePort))
	}
	return nil
}

type fakeDialer struct {
	log      *eventLog
	connects atomic.Int32
	delay    time.Duration
	failNext atomic.Bool

	// unitsByRemote customizes per-port execution unit results.
	unitsByRemote map[int][]service.ExecutionUnitRef

	mu      sync.Mutex
	clients []*fakeClient
	uris    []string
}

func (d *fakeDialer) dial(ctx context.Context, uri string) (service.Client, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.connects.Add(1)
	if d.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("connection refused")
	}

	_, portStr, err := net.SplitHostPort(uri)
	if err != nil {
		return nil, err
	}
	localPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	client := &fakeClient{
		remotePort: localPort - localPortBase,
		units:      d.unitsByRemote[localPort-localPortBase],
		log:        d.log,
	}
	d.mu.Lock()
	d.clients = append(d.clients, client)
	d.uris = append(d.uris, uri)
	d.mu.Unlock()
	return client, nil
}

func newTestManager(t *testing.T, transport shell.Transport, strategy forward.Strategy, dialer *fakeDialer) *Manager {
	t.Helper()
	m, err := Connect(context.Background(), Options{
		Address:   "192.168.1.40",
		Transport: transport,
		Strategy:  strategy,
		Dialer:    dialer.dial,
	})
	require.NoError(t, err)
	return m
}

func TestConnect_InvalidAddress(t *testing.T) {
	_, err := Connect(context.Background(), Options{Address: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Connect(context.Background(), Options{Address: "192.168.1.300"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestConnect_ForwardsDiscoveredPorts(t *testing.T) {
	transport := &fakeTransport{lines: []string{"31782", "1234", "garbage", "."}}
	m := newTestManager(t, transport, fakeStrategy(nil), &fakeDialer{})

	assert.Equal(t, []ForwardedPort{
		{LocalPort: localPortBase + 31782, RemotePort: 31782},
		{LocalPort: localPortBase + 1234, RemotePort: 1234},
	}, m.Ports())
	assert.Empty(t, m.FailedPorts())
}

func TestConnect_PartialForwardFailure(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100", "200", "300"}}
	m := newTestManager(t, transport, fakeStrategy(nil, 200), &fakeDialer{})

	ports := m.Ports()
	require.Len(t, ports, 2)
	assert.Equal(t, 100, ports[0].RemotePort)
	assert.Equal(t, 300, ports[1].RemotePort)

	failed := m.FailedPorts()
	require.Len(t, failed, 1)
	assert.Equal(t, 200, failed[0].RemotePort)
	assert.Error(t, failed[0].Err)
}

func TestConnect_DiscoveryFailureYieldsEmptySet(t *testing.T) {
	transport := &fakeTransport{err: errors.New("device unreachable")}
	m := newTestManager(t, transport, fakeStrategy(nil), &fakeDialer{})

	assert.Empty(t, m.Ports())
}

func TestGetViews_EmptyForwarderSet(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, fakeStrategy(nil), &fakeDialer{})

	views, err := m.GetViews(context.Background())
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestGetViews_MergesInInsertionOrder(t *testing.T) {
	transport := &fakeTransport{lines: []string{"300", "100", "200"}}
	m := newTestManager(t, transport, fakeStrategy(nil), &fakeDialer{})

	views, err := m.GetViews(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, "view-300", views[0].Name)
	assert.Equal(t, "view-100", views[1].Name)
	assert.Equal(t, "view-200", views[2].Name)
}

func TestGetExecutionUnits_EmptyForwarderSet(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, fakeStrategy(nil), &fakeDialer{})

	units, err := m.GetExecutionUnitsByPattern(context.Background(), "*")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestGetExecutionUnits_DropsEmptyPerPortResults(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100", "200", "300"}}
	dialer := &fakeDialer{
		unitsByRemote: map[int][]service.ExecutionUnitRef{
			200: {{ID: "x", Label: "x"}},
		},
	}
	m := newTestManager(t, transport, fakeStrategy(nil), dialer)

	units, err := m.GetExecutionUnitsByPattern(context.Background(), "*")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "x", units[0].ID)
}

func TestGetOrCreateClient_SingleFlight(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100"}}
	dialer := &fakeDialer{delay: 20 * time.Millisecond}
	m := newTestManager(t, transport, fakeStrategy(nil), dialer)

	localPort := m.Ports()[0].LocalPort

	const callers = 16
	clients := make([]service.Client, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := m.GetOrCreateClient(context.Background(), localPort)
			require.NoError(t, err)
			clients[i] = client
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dialer.connects.Load())
	for _, client := range clients {
		assert.Same(t, clients[0], client)
	}
}

func TestGetOrCreateClient_FailureIsNotCached(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100"}}
	dialer := &fakeDialer{}
	dialer.failNext.Store(true)
	m := newTestManager(t, transport, fakeStrategy(nil), dialer)

	localPort := m.Ports()[0].LocalPort

	_, err := m.GetOrCreateClient(context.Background(), localPort)
	require.Error(t, err)

	client, err := m.GetOrCreateClient(context.Background(), localPort)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, int32(2), dialer.connects.Load())
}

func TestGetOrCreateClient_UsesIPv6LoopbackForIPv6Endpoint(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100"}}
	dialer := &fakeDialer{}
	m, err := Connect(context.Background(), Options{
		Address:   "fdaa::7",
		Transport: transport,
		Strategy:  fakeStrategy(nil),
		Dialer:    dialer.dial,
	})
	require.NoError(t, err)

	_, err = m.GetOrCreateClient(context.Background(), m.Ports()[0].LocalPort)
	require.NoError(t, err)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.uris, 1)
	assert.Equal(t, fmt.Sprintf("[::1]:%d", localPortBase+100), dialer.uris[0])
}

func TestStop_ClientStoppedBeforeForwarderWithinEachPort(t *testing.T) {
	log := &eventLog{}
	transport := &fakeTransport{lines: []string{"100", "200"}}
	dialer := &fakeDialer{log: log}
	m := newTestManager(t, transport, fakeStrategy(log), dialer)

	// Populate the client cache for both ports.
	_, err := m.GetViews(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))

	for _, port := range []int{100, 200} {
		clientIdx := log.index(fmt.Sprintf("client-stop:%d", port))
		forwarderIdx := log.index(fmt.Sprintf("forwarder-stop:%d", port))
		require.GreaterOrEqual(t, clientIdx, 0, "client for port %d never stopped", port)
		require.GreaterOrEqual(t, forwarderIdx, 0, "forwarder for port %d never stopped", port)
		assert.Less(t, clientIdx, forwarderIdx,
			"client for port %d must stop before its forwarder", port)
	}
}

func TestStop_IdempotentAndClearsState(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100"}}
	dialer := &fakeDialer{}
	m := newTestManager(t, transport, fakeStrategy(nil), dialer)

	_, err := m.GetViews(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Stop(context.Background()))
	assert.Empty(t, m.Ports())

	dialer.mu.Lock()
	client := dialer.clients[0]
	dialer.mu.Unlock()
	assert.Equal(t, int32(1), client.stops.Load())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, int32(1), client.stops.Load(), "second stop must not stop clients again")
}

func TestStop_WaitsForInFlightClientCreation(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100"}}
	dialer := &fakeDialer{delay: 50 * time.Millisecond}
	m := newTestManager(t, transport, fakeStrategy(nil), dialer)

	localPort := m.Ports()[0].LocalPort

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.GetOrCreateClient(context.Background(), localPort)
	}()

	// Let the creation start before tearing down.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
	wg.Wait()

	// Whatever the in-flight creation produced must have been stopped.
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	for _, client := range dialer.clients {
		assert.Equal(t, int32(1), client.stops.Load())
	}
}

func TestGetViews_AggregateQueriesShareCache(t *testing.T) {
	transport := &fakeTransport{lines: []string{"100", "200"}}
	dialer := &fakeDialer{}
	m := newTestManager(t, transport, fakeStrategy(nil), dialer)

	_, err := m.GetViews(context.Background())
	require.NoError(t, err)
	_, err = m.GetExecutionUnitsByPattern(context.Background(), "*")
	require.NoError(t, err)

	assert.Equal(t, int32(2), dialer.connects.Load(), "one connect per forwarded port across both queries")
}
