// Package activation picks up sockets passed by systemd socket activation, so
// the trigger server can be started on demand by a .socket unit.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listener is an inherited socket and the name its unit gave it
// (FileDescriptorName=, "unknown" when unset)
type Listener struct {
	net.Listener
	Name string
}

// Listeners returns the systemd-activated listeners.
// Returns nil if no socket activation is detected or if the activation is not
// for this process. The activation variables are cleared so child processes
// (build tools, post-sync steps) don't inherit them.
func Listeners() ([]Listener, error) {
	listeners, err := listenersFrom(os.Getenv, os.Getpid(), firstFD)
	if listeners != nil {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}
	return listeners, err
}

func listenersFrom(getenv func(string) string, pid, first int) ([]Listener, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	listeners := make([]Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := first + i
		name := "unknown"
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := os.NewFile(uintptr(fd), "systemd-socket-"+name)
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d (%s): %w", fd, name, err)
		}
		listeners = append(listeners, Listener{Listener: listener, Name: name})
	}
	return listeners, nil
}

func closeAll(listeners []Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}

// Select returns the listeners named name. When name is empty, or no
// listener carries that name, every listener is returned.
func Select(listeners []Listener, name string) []net.Listener {
	var all, named []net.Listener
	for _, l := range listeners {
		all = append(all, l.Listener)
		if l.Name == name {
			named = append(named, l.Listener)
		}
	}
	if name == "" || len(named) == 0 {
		return all
	}
	return named
}
