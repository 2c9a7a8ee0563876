//go:build !windows

package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

func TestStop_KillsAgentProcesses(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t, t.TempDir())
	_, _ = p.Create(ctx, provider.HostSpec{ID: "host-1", Name: "a"})

	res, err := p.Exec(ctx, "host-1", provider.ExecRequest{
		Script: `sleep 60 >/dev/null 2>&1 & echo $! > "$KUROKO_STATE_DIR/agents/main.pid"`,
	})
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("launch: %+v %v", res, err)
	}
	data, err := os.ReadFile(filepath.Join(p.StateDir("host-1"), "agents", "main.pid"))
	if err != nil {
		t.Fatal(err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))

	if err := p.Pause(ctx, "host-1"); err != nil {
		t.Fatal(err)
	}
	if h, _ := p.Status(ctx, "host-1"); h.Status != provider.StatusPaused {
		t.Fatalf("expected paused, got %s", h.Status)
	}

	if _, err := p.Stop(ctx, "host-1", false); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gone(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("agent pid %d still alive after stop", pid)
}

func gone(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return true
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	i := strings.LastIndexByte(string(data), ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}
