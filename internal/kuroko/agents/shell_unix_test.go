//go:build !windows

package agents_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/agents"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// shellExec runs scripts on this machine as if it were the host.
type shellExec struct {
	stateDir string
}

func (s shellExec) Exec(ctx context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", req.Script)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), provider.EnvHostID+"="+id, provider.EnvStateDir+"="+s.stateDir)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := provider.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

func TestTracker_LaunchProbeKillWithShell(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	tr := agents.New(shellExec{stateDir: stateDir}, "host-1", "kuroko-test-", agents.Options{})

	pid, err := tr.Launch(ctx, host.Agent{Name: "sleeper", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if pid <= 1 {
		t.Fatalf("pid: got %d", pid)
	}
	t.Cleanup(func() { tr.Kill(context.Background(), "sleeper") })

	n, err := tr.LiveCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("LiveCount after launch: got %d, want 1", n)
	}

	if err := tr.Kill(ctx, "sleeper"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err = tr.LiveCount(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if n != 0 {
		t.Errorf("LiveCount after kill: got %d, want 0", n)
	}
	if err := tr.Kill(ctx, "sleeper"); err != agents.ErrNoAgent {
		t.Errorf("second Kill: got %v, want ErrNoAgent", err)
	}
}
