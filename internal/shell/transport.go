// Package shell provides command execution on the remote device over SSH.
package shell

import (
	"context"
	"time"
)

// Endpoint identifies the remote device a transport is bound to.
type Endpoint struct {
	// Address is the device's IPv4 or IPv6 literal.
	Address string

	// Interface is the network interface for IPv6 link-local addresses.
	Interface string

	// ConfigPath is an optional ssh client configuration file.
	ConfigPath string
}

// Target returns the address the ssh binary should connect to, with the
// zone suffix appended for IPv6 link-local endpoints.
func (e Endpoint) Target(ipv6 bool) string {
	if ipv6 && e.Interface != "" {
		return e.Address + "%" + e.Interface
	}
	return e.Address
}

// Transport runs commands on the remote device.
type Transport interface {
	// Run executes a command and returns its stdout as one entry per line.
	Run(ctx context.Context, cmd string) ([]string, error)

	// Endpoint returns the device identity this transport is bound to.
	Endpoint() Endpoint

	// Close releases any resources held by the transport.
	Close() error
}

// Options configures how transport commands are executed.
type Options struct {
	// Binary is the ssh executable (defaults to "ssh" when unset).
	Binary string

	// User is the remote login name (empty means the ssh default).
	User string

	// ConnectTimeout bounds connection establishment per command.
	ConnectTimeout time.Duration
}
