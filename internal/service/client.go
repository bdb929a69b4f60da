// Package service provides clients for the device inspector service reachable
// through a forwarded port.
package service

import "context"

// ViewDescriptor describes one view advertised by a device service.
type ViewDescriptor struct {
	// Name is the view's identifier within its service.
	Name string

	// Geometry is the view's size and placement, as reported by the service.
	Geometry string

	// Visible reports whether the view is currently shown.
	Visible bool
}

// ExecutionUnitRef identifies a lightweight runtime context on the device.
type ExecutionUnitRef struct {
	// ID is the unit's identifier within its service.
	ID string

	// Label is the unit's human-readable name.
	Label string
}

// Client is a connection to one device service.
type Client interface {
	// ListViews returns the views the service currently exposes.
	ListViews(ctx context.Context) ([]ViewDescriptor, error)

	// ListExecutionUnitsByPattern returns the execution units whose labels
	// match the given pattern.
	ListExecutionUnitsByPattern(ctx context.Context, pattern string) ([]ExecutionUnitRef, error)

	// Stop closes the connection.
	Stop() error
}

// Dialer connects to the service listening at uri (a host:port literal).
type Dialer func(ctx context.Context, uri string) (Client, error)
