//go:build windows

package relay

import (
	"fmt"
	"net"
)

// listenUnix is unavailable on Windows; use a TCP address instead
func listenUnix(path string) (net.Listener, error) {
	return nil, fmt.Errorf("listen unix %s: unix sockets are not supported on windows", path)
}
