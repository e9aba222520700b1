package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestListenersFrom_Inactive(t *testing.T) {
	pid := os.Getpid()
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "no environment", vars: map[string]string{}},
		{name: "wrong pid", vars: map[string]string{"LISTEN_PID": "99999", "LISTEN_FDS": "1"}},
		{name: "no fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid)}},
		{name: "zero fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid), "LISTEN_FDS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listeners, err := listenersFrom(env(tt.vars), pid, firstFD)
			if err != nil {
				t.Fatalf("listenersFrom() unexpected error: %v", err)
			}
			if listeners != nil {
				t.Errorf("expected nil listeners, got %v", listeners)
			}
		})
	}
}

func TestListenersFrom_InvalidValues(t *testing.T) {
	pid := os.Getpid()
	tests := []struct {
		name string
		vars map[string]string
	}{
		{name: "invalid pid", vars: map[string]string{"LISTEN_PID": "not-a-number", "LISTEN_FDS": "1"}},
		{name: "invalid fds", vars: map[string]string{"LISTEN_PID": strconv.Itoa(pid), "LISTEN_FDS": "not-a-number"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := listenersFrom(env(tt.vars), pid, firstFD); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestListenersFrom_RealSocket(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	// Hand a duplicate of the socket over as if systemd had passed it
	file, err := listener.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("failed to get listener file: %v", err)
	}
	fd, err := syscall.Dup(int(file.Fd()))
	_ = file.Close()
	if err != nil {
		t.Fatalf("failed to duplicate fd: %v", err)
	}

	pid := os.Getpid()
	listeners, err := listenersFrom(env(map[string]string{
		"LISTEN_PID":     strconv.Itoa(pid),
		"LISTEN_FDS":     "1",
		"LISTEN_FDNAMES": "wsyncd",
	}), pid, fd)
	if err != nil {
		t.Fatalf("listenersFrom() unexpected error: %v", err)
	}
	if len(listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(listeners))
	}
	defer closeAll(listeners)

	if listeners[0].Name != "wsyncd" {
		t.Errorf("expected name wsyncd, got %q", listeners[0].Name)
	}
	if listeners[0].Addr().String() != listener.Addr().String() {
		t.Errorf("inherited listener on %s, want %s", listeners[0].Addr(), listener.Addr())
	}
}

func TestSelect(t *testing.T) {
	a := Listener{Name: "wsyncd"}
	b := Listener{Name: "metrics"}

	if got := Select([]Listener{a, b}, "wsyncd"); len(got) != 1 {
		t.Errorf("Select(wsyncd) = %d listeners, want 1", len(got))
	}
	if got := Select([]Listener{a, b}, ""); len(got) != 2 {
		t.Errorf("Select(\"\") = %d listeners, want 2", len(got))
	}
	if got := Select([]Listener{{Name: "unknown"}}, "wsyncd"); len(got) != 1 {
		t.Errorf("Select without matching names = %d listeners, want 1", len(got))
	}
}

func TestListeners_NoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected nil listeners when no env vars set, got %v", listeners)
	}
}

// Example demonstrates how socket activation detection works
func ExampleListeners() {
	listeners, err := Listeners()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if listeners == nil {
		fmt.Println("No socket activation detected")
	} else {
		fmt.Printf("Received %d systemd socket(s)\n", len(listeners))
	}
}
