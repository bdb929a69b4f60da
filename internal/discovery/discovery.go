// Package discovery lists the service ports advertised on the remote device.
//
// Devices advertise each live service by creating an entry named after its
// port number in a well-known directory. The listing is a side-channel
// convention rather than a structured API, so parsing is deliberately
// forgiving: lines that do not end in a port number are skipped, never fatal.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/shell"
)

// DefaultServicesDir is the conventional advertisement directory on devices.
const DefaultServicesDir = "/var/run/devlink/services"

// Discover lists the advertised service ports in encounter order.
// Duplicates are preserved; each entry denotes one live advertisement.
func Discover(ctx context.Context, transport shell.Transport, servicesDir string) ([]int, error) {
	if servicesDir == "" {
		servicesDir = DefaultServicesDir
	}
	lines, err := transport.Run(ctx, fmt.Sprintf("ls -1 %s", servicesDir))
	if err != nil {
		return nil, fmt.Errorf("list services dir: %w", err)
	}
	return ParsePorts(lines), nil
}

// ParsePorts extracts port numbers from directory listing lines.
// Each line is trimmed and reduced to the token after the final space, so
// long-format listings with permission and ownership columns still parse.
// The "." and ".." pseudo-entries, the long-format "total <n>" metadata line
// and any non-numeric tokens are skipped.
func ParsePorts(lines []string) []int {
	logger := logging.Component("discovery")

	var ports []int
	for _, line := range lines {
		entry := strings.TrimSpace(line)
		if isListingMetadata(entry) {
			continue
		}
		if idx := strings.LastIndex(entry, " "); idx >= 0 {
			entry = entry[idx+1:]
		}
		if entry == "" || entry == "." || entry == ".." {
			continue
		}
		port, err := strconv.Atoi(entry)
		if err != nil {
			logger.Debug().Str("entry", entry).Msg("skipping non-numeric listing entry")
			continue
		}
		ports = append(ports, port)
	}
	return ports
}

// isListingMetadata reports whether a line is listing metadata rather than a
// directory entry. Long-format listings open with a "total <blocks>" line
// whose trailing number would otherwise survive the final-space reduction
// and masquerade as a port.
func isListingMetadata(entry string) bool {
	rest, ok := strings.CutPrefix(entry, "total ")
	if !ok {
		return false
	}
	_, err := strconv.Atoi(strings.TrimSpace(rest))
	return err == nil
}
