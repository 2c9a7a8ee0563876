package agents

import (
	"context"
	"reflect"
	"testing"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

type recordingExec struct {
	reqs []provider.ExecRequest
	res  provider.ExecResult
	err  error
}

func (r *recordingExec) Exec(_ context.Context, _ string, req provider.ExecRequest) (provider.ExecResult, error) {
	r.reqs = append(r.reqs, req)
	return r.res, r.err
}

func TestParseProbe(t *testing.T) {
	got, err := parseProbe("web 1234 1\nworker 99 0\n\n")
	if err != nil {
		t.Fatal(err)
	}
	want := []Status{{Name: "web", PID: 1234, Alive: true}, {Name: "worker", PID: 99}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if _, err := parseProbe("garbage\n"); err == nil {
		t.Error("malformed line accepted")
	}
}

func TestLaunch_PassesCommandThroughEnv(t *testing.T) {
	ex := &recordingExec{res: provider.ExecResult{Stdout: "4321\n"}}
	tr := New(ex, "host-1", "kuroko-abcd-", Options{UseTmux: true})

	pid, err := tr.Launch(context.Background(), host.Agent{Name: "web", Command: "python -m http.server; rm -rf 'x'", WorkDir: "/work"})
	if err != nil {
		t.Fatal(err)
	}
	if pid != 4321 {
		t.Errorf("pid: got %d", pid)
	}
	env := ex.reqs[0].Env
	if env["KUROKO_AGENT_COMMAND"] != "python -m http.server; rm -rf 'x'" {
		t.Errorf("command env: %q", env["KUROKO_AGENT_COMMAND"])
	}
	if env["KUROKO_AGENT_SESSION"] != "kuroko-abcd-web" || env["KUROKO_AGENT_TMUX"] != "1" {
		t.Errorf("session env: %v", env)
	}
}

func TestLaunch_RejectsBadName(t *testing.T) {
	tr := New(&recordingExec{}, "host-1", "p-", Options{})
	if _, err := tr.Launch(context.Background(), host.Agent{Name: "../x", Command: "true"}); err == nil {
		t.Error("expected error for name with slash")
	}
}

func TestKill_NoAgent(t *testing.T) {
	tr := New(&recordingExec{res: provider.ExecResult{ExitCode: 3}}, "host-1", "p-", Options{})
	if err := tr.Kill(context.Background(), "web"); err != ErrNoAgent {
		t.Errorf("got %v, want ErrNoAgent", err)
	}
}

func TestReadReported(t *testing.T) {
	ex := &recordingExec{res: provider.ExecResult{Stdout: `{"url":"http://127.0.0.1:8080","plugins":{"git":"1.2"}}`}}
	tr := New(ex, "host-1", "p-", Options{})

	r, ok, err := tr.ReadReported(context.Background(), "web")
	if err != nil || !ok {
		t.Fatalf("ReadReported: ok=%v err=%v", ok, err)
	}
	if r.URL != "http://127.0.0.1:8080" || r.Plugins["git"] != "1.2" {
		t.Errorf("got %+v", r)
	}
	if ex.reqs[0].Env["KUROKO_AGENT_NAME"] != "web" {
		t.Errorf("agent env: %v", ex.reqs[0].Env)
	}

	ex.res = provider.ExecResult{Stdout: "\n"}
	if _, ok, err := tr.ReadReported(context.Background(), "web"); ok || err != nil {
		t.Errorf("empty output: ok=%v err=%v", ok, err)
	}

	ex.res = provider.ExecResult{Stdout: "not json"}
	if _, _, err := tr.ReadReported(context.Background(), "web"); err == nil {
		t.Error("invalid json accepted")
	}
}
