// Package sidecar manages the per-group sidecar file that maps a group's
// downstream local port to the set of currently registered client
// addresses. It is a thin I/O helper kept separate from internal/group so
// that group logic stays free of path formatting and file writes.
package sidecar

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
)

const pathPrefix = "/tmp/srtla-group-"

// Path returns the sidecar file path for a group whose downstream socket
// is bound to localPort.
func Path(localPort uint16) string {
	return fmt.Sprintf("%s%d", pathPrefix, localPort)
}

// Write (re)creates the sidecar file for localPort, one address per line.
func Write(localPort uint16, addrs []netip.AddrPort) error {
	var b strings.Builder
	for _, a := range addrs {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return os.WriteFile(Path(localPort), []byte(b.String()), 0o644)
}

// Remove deletes the sidecar file for localPort, if present.
func Remove(localPort uint16) {
	_ = os.Remove(Path(localPort))
}
