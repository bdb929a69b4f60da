package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os/exec"
	"strings"
)

var (
	// ErrMissingAddress indicates no device address was provided.
	ErrMissingAddress = errors.New("device address is required")
)

// ExecError wraps command failures with exit details.
type ExecError struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("remote command failed (exit=%d): %s", e.ExitCode, e.Command)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// SystemTransport runs remote commands using the system ssh binary.
type SystemTransport struct {
	endpoint Endpoint
	options  Options
	binary   string
}

// NewSystemTransport creates a transport bound to the given endpoint.
func NewSystemTransport(endpoint Endpoint, options Options) *SystemTransport {
	binary := options.Binary
	if binary == "" {
		binary = "ssh"
	}
	return &SystemTransport{endpoint: endpoint, options: options, binary: binary}
}

// Endpoint returns the device identity this transport is bound to.
func (t *SystemTransport) Endpoint() Endpoint {
	return t.endpoint
}

// Run executes a command on the device and returns stdout split into lines.
func (t *SystemTransport) Run(ctx context.Context, cmd string) ([]string, error) {
	if t.endpoint.Address == "" {
		return nil, ErrMissingAddress
	}

	ipv6 := isIPv6(t.endpoint.Address)
	args := buildTransportArgs(t.options, t.endpoint, ipv6)
	args = append(args, target(t.options, t.endpoint, ipv6), cmd)

	command := exec.CommandContext(ctx, t.binary, args...)

	var stdoutBuf bytes.Buffer
	var stderrBuf bytes.Buffer
	command.Stdout = &stdoutBuf
	command.Stderr = &stderrBuf

	err := command.Run()
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if err != nil {
		return nil, wrapExecError(err, cmd, stdout, stderr)
	}
	return splitLines(stdout), nil
}

// Close releases any resources held by the transport.
func (t *SystemTransport) Close() error {
	return nil
}

// buildTransportArgs assembles the ssh flags common to every invocation
// against the endpoint: batch mode, config file, family flag and timeout.
func buildTransportArgs(options Options, endpoint Endpoint, ipv6 bool) []string {
	args := []string{"-o", "BatchMode=yes"}
	if ipv6 {
		args = append(args, "-6")
	}
	if endpoint.ConfigPath != "" {
		args = append(args, "-F", endpoint.ConfigPath)
	}
	if options.ConnectTimeout > 0 {
		seconds := int(math.Ceil(options.ConnectTimeout.Seconds()))
		args = append(args, "-o", fmt.Sprintf("ConnectTimeout=%d", seconds))
	}
	return args
}

func target(options Options, endpoint Endpoint, ipv6 bool) string {
	addr := endpoint.Target(ipv6)
	if options.User != "" {
		return fmt.Sprintf("%s@%s", options.User, addr)
	}
	return addr
}

func isIPv6(address string) bool {
	ip := net.ParseIP(address)
	return ip != nil && ip.To4() == nil
}

func splitLines(output []byte) []string {
	trimmed := strings.TrimRight(string(output), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func wrapExecError(err error, cmd string, stdout, stderr []byte) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExecError{
			Command:  cmd,
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout,
			Stderr:   stderr,
			Err:      err,
		}
	}
	return err
}
