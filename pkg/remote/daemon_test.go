package remote

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klmitch/turnstile-sub000/internal/testutil"
	"github.com/klmitch/turnstile-sub000/pkg/control"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

func TestDaemonConfigValidateCollectsAllProblems(t *testing.T) {
	err := DaemonConfig{}.Validate()
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	text := err.Error()
	for _, want := range []string{"remote.host", "remote.port", "remote.authkey"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in %q", want, text)
		}
	}

	err = DaemonConfig{Host: "localhost", Port: 70000, AuthKey: "k"}.Validate()
	if err == nil || !strings.Contains(err.Error(), "remote.port") {
		t.Fatalf("expected a port range error, got %v", err)
	}

	if err := (DaemonConfig{Host: "localhost", Port: 1234, AuthKey: "k"}).Validate(); err != nil {
		t.Fatalf("expected a valid config, got %v", err)
	}
}

func TestDaemonConfigAddr(t *testing.T) {
	cfg := DaemonConfig{Host: "::1", Port: 9999}
	if got := cfg.Addr(); got != "[::1]:9999" {
		t.Fatalf("expected bracketed IPv6 address, got %q", got)
	}
}

func TestRemoteControlDaemonServesLimits(t *testing.T) {
	ctx := testutil.Context(t, 30*time.Second)
	s := store.NewMemory()
	limits := []string{`{"uuid":"a"}`, `{"uuid":"b"}`}
	if err := store.LimitUpdate(ctx, s, "limits", limits); err != nil {
		t.Fatalf("limit update: %v", err)
	}

	cfg := DaemonConfig{Host: "127.0.0.1", Port: testutil.FreePort(t), AuthKey: "sekrit"}
	daemon, err := NewRemoteControlDaemon(s, nil, control.Config{}, cfg)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	// Start is a no-op so the socket can be deferred past process setup.
	if err := daemon.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() {
		_ = daemon.Serve(ctx)
	}()
	testutil.WaitForPort(t, cfg.Addr(), 5*time.Second)

	view := NewRemoteLimitData(cfg, nil)
	sum, data, err := view.GetLimits("")
	if err != nil {
		t.Fatalf("get limits: %v", err)
	}
	if len(data) != 2 || data[0] != limits[0] || data[1] != limits[1] {
		t.Fatalf("expected %v, got %v", limits, data)
	}
	if sum == "" {
		t.Fatal("expected a checksum")
	}

	// Refetching with the current checksum reports no change.
	if _, _, err := view.GetLimits(sum); !errors.Is(err, control.ErrNoChange) {
		t.Fatalf("expected ErrNoChange, got %v", err)
	}
}

func TestRemoteLimitDataDegradesToNoChange(t *testing.T) {
	// Nothing is listening on this port, so every call fails at the RPC
	// layer; workers must see that as "no change", not an outage.
	cfg := DaemonConfig{Host: "127.0.0.1", Port: testutil.FreePort(t), AuthKey: "sekrit"}
	view := NewRemoteLimitData(cfg, nil)

	if _, _, err := view.GetLimits(""); !errors.Is(err, control.ErrNoChange) {
		t.Fatalf("expected ErrNoChange, got %v", err)
	}
}

func TestRemoteLimitDataIsReadOnly(t *testing.T) {
	view := NewRemoteLimitData(DaemonConfig{Host: "h", Port: 1, AuthKey: "k"}, nil)
	if err := view.SetLimits([]string{"x"}); err == nil {
		t.Fatal("expected SetLimits to fail")
	}
}

func TestNewRemoteControlDaemonRejectsBadConfig(t *testing.T) {
	_, err := NewRemoteControlDaemon(store.NewMemory(), nil, control.Config{}, DaemonConfig{})
	if err == nil {
		t.Fatal("expected a config error")
	}
	if !strings.Contains(fmt.Sprint(err), "remote.authkey") {
		t.Fatalf("expected authkey problem reported, got %v", err)
	}
}
