// Package forward establishes and tears down local-to-remote port forwards.
package forward

import (
	"context"
	"fmt"
	"net"

	"github.com/tOgg1/devlink/internal/shell"
)

// PortForwarder owns one local-to-remote tunnel session.
type PortForwarder interface {
	// LocalPort is the bound loopback port on the controlling host.
	LocalPort() int

	// RemotePort is the forwarded service port on the device.
	RemotePort() int

	// Stop tears the tunnel down and releases its resources.
	// It is safe to call more than once.
	Stop(ctx context.Context) error
}

// Strategy establishes one tunnel to remotePort on the endpoint.
// A failed establishment returns a nil forwarder and an error; callers treat
// it as soft and proceed with the tunnels that did come up.
type Strategy func(ctx context.Context, endpoint shell.Endpoint, remotePort int) (PortForwarder, error)

// reserveLocalPort binds an ephemeral listener on the loopback matching the
// endpoint's address family and returns it together with the chosen port.
// Binding first avoids racing other processes for the same ephemeral port.
func reserveLocalPort(ipv6 bool) (net.Listener, int, error) {
	loopback := "127.0.0.1"
	if ipv6 {
		loopback = "::1"
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return nil, 0, fmt.Errorf("reserve local port: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	return listener, port, nil
}

// forwardSpec renders the ssh -L argument for a local/remote port pair.
// The target side always uses the IPv4 loopback literal: even when the ssh
// session itself runs over IPv6, the forwarded service ends up reachable on
// the device's IPv4 loopback on the platforms we target.
func forwardSpec(localPort, remotePort int) string {
	return fmt.Sprintf("%d:127.0.0.1:%d", localPort, remotePort)
}
