// Package activation opens the metrics listener, preferring a socket handed
// over by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd passes sockets starting at fd 3
const firstFD = 3

// Listen returns the first systemd-activated socket when one was passed to
// this process, and otherwise listens on addr. The boolean reports whether
// the listener came from socket activation.
func Listen(addr string) (net.Listener, bool, error) {
	n, err := activatedFDs()
	if err != nil {
		return nil, false, err
	}

	if n > 0 {
		file := os.NewFile(uintptr(firstFD), "systemd-socket-0")
		if file == nil {
			return nil, false, fmt.Errorf("failed to open activated fd %d", firstFD)
		}
		ln, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			return nil, false, fmt.Errorf("failed to use activated fd %d: %w", firstFD, err)
		}

		// children must not inherit the sockets
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
		return ln, true, nil
	}

	if addr == "" {
		return nil, false, fmt.Errorf("no listen address and no activated socket")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// activatedFDs returns how many sockets systemd passed to this process
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}
