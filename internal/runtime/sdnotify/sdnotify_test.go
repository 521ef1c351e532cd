package sdnotify

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logx "wsched/pkg/logx"
)

func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notify socket: %v", err)
	}
	return string(buf[:n])
}

func TestNotifierSendsStates(t *testing.T) {
	conn := listenNotify(t)
	n := New(true, logx.Nop())

	n.Ready()
	if got := read(t, conn); got != "READY=1" {
		t.Fatalf("Ready() sent %q", got)
	}
	n.Status("3 workers")
	if got := read(t, conn); got != "STATUS=3 workers" {
		t.Fatalf("Status() sent %q", got)
	}
	n.Stopping()
	if got := read(t, conn); got != "STOPPING=1" {
		t.Fatalf("Stopping() sent %q", got)
	}
}

func TestNotifierDisabledIsSilent(t *testing.T) {
	conn := listenNotify(t)
	New(false, logx.Nop()).Ready()

	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 16)); err == nil {
		t.Fatalf("disabled notifier sent a message")
	}
}

func TestWatchdogPings(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", strconv.Itoa(int((40 * time.Millisecond).Microseconds())))
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(true, logx.Nop()).Watchdog(ctx) }()

	if got := read(t, conn); got != "WATCHDOG=1" {
		t.Fatalf("watchdog sent %q", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}

func TestWatchdogWithoutSystemd(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	if err := New(true, logx.Nop()).Watchdog(context.Background()); err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}
