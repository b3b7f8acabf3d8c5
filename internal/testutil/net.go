package testutil

import (
	"net"
	"testing"
	"time"
)

// FreePort reserves an ephemeral TCP port and returns it. The listener is
// closed before returning, so a small race with other processes exists;
// tests binding the port immediately afterwards are fine in practice.
func FreePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// WaitForPort blocks until something accepts connections on addr, failing
// the test after timeout.
func WaitForPort(t testing.TB, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("nothing listening on %s after %s", addr, timeout)
}
