// Package agents observes the agent processes running inside a host.
// Agents are not durable on their own: the certified list lives in the
// host record, liveness comes from pid files and sessions probed inside
// the host, and anything an agent writes about itself is untrusted.
package agents

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// Execer runs a script inside a host. Every provider satisfies it.
type Execer interface {
	Exec(ctx context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error)
}

// Status is one probed agent.
type Status struct {
	Name  string
	PID   int
	Alive bool
}

// ErrNoAgent is returned by Kill for an agent without a pid file.
var ErrNoAgent = errors.New("agent not running")

// Tracker launches and probes the agents of one host.
type Tracker struct {
	exec          Execer
	hostID        string
	sessionPrefix string
	useTmux       bool
}

// Options configures a Tracker.
type Options struct {
	// UseTmux runs agents in tmux sessions named SessionPrefix+name when
	// tmux is available in the host.
	UseTmux bool
}

// New returns a tracker for hostID.
func New(exec Execer, hostID, sessionPrefix string, opts Options) *Tracker {
	return &Tracker{exec: exec, hostID: hostID, sessionPrefix: sessionPrefix, useTmux: opts.UseTmux}
}

func (t *Tracker) env(a host.Agent) map[string]string {
	tmux := "0"
	if t.useTmux {
		tmux = "1"
	}
	return map[string]string{
		"KUROKO_AGENT_NAME":    a.Name,
		"KUROKO_AGENT_COMMAND": a.Command,
		"KUROKO_AGENT_WORKDIR": a.WorkDir,
		"KUROKO_AGENT_SESSION": t.sessionPrefix + a.Name,
		"KUROKO_AGENT_TMUX":    tmux,
	}
}

// Launch starts a and returns its pid.
func (t *Tracker) Launch(ctx context.Context, a host.Agent) (int, error) {
	if a.Name == "" || a.Command == "" {
		return 0, errors.New("agent name and command are required")
	}
	if strings.ContainsAny(a.Name, "/ \t\n") {
		return 0, fmt.Errorf("agent name %q contains invalid characters", a.Name)
	}
	res, err := t.exec.Exec(ctx, t.hostID, provider.ExecRequest{Script: launchScript, Env: t.env(a)})
	if err != nil {
		return 0, fmt.Errorf("launch agent %s: %w", a.Name, err)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("launch agent %s: exit %d: %s", a.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("launch agent %s: unexpected output %q", a.Name, res.Stdout)
	}
	return pid, nil
}

// Probe reports every agent that has a pid file.
func (t *Tracker) Probe(ctx context.Context) ([]Status, error) {
	res, err := t.exec.Exec(ctx, t.hostID, provider.ExecRequest{Script: probeScript})
	if err != nil {
		return nil, fmt.Errorf("probe agents: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("probe agents: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseProbe(res.Stdout)
}

// LiveCount returns the number of live agents.
func (t *Tracker) LiveCount(ctx context.Context) (int, error) {
	statuses, err := t.Probe(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range statuses {
		if s.Alive {
			n++
		}
	}
	return n, nil
}

// Kill terminates the named agent and removes its pid file.
func (t *Tracker) Kill(ctx context.Context, name string) error {
	res, err := t.exec.Exec(ctx, t.hostID, provider.ExecRequest{
		Script: killScript,
		Env:    t.env(host.Agent{Name: name}),
	})
	if err != nil {
		return fmt.Errorf("kill agent %s: %w", name, err)
	}
	switch res.ExitCode {
	case 0:
		return nil
	case 3:
		return ErrNoAgent
	}
	return fmt.Errorf("kill agent %s: exit %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
}

func parseProbe(out string) ([]Status, error) {
	var statuses []Status
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("probe agents: malformed line %q", line)
		}
		s := Status{Name: fields[0], Alive: fields[2] == "1"}
		if pid, err := strconv.Atoi(fields[1]); err == nil {
			s.PID = pid
		}
		statuses = append(statuses, s)
	}
	return statuses, sc.Err()
}

// Reported is what an agent says about itself. It is never used for
// lifecycle or security decisions.
type Reported struct {
	URL         string            `json:"url,omitempty"`
	LastMessage string            `json:"last_message,omitempty"`
	Plugins     map[string]string `json:"plugins,omitempty"`
}

const reportedScript = `f="$KUROKO_STATE_DIR/agents/$KUROKO_AGENT_NAME.reported.json"
[ -r "$f" ] && cat "$f"
exit 0
`

// ReadReported returns the self-reported data of an agent, if any.
func (t *Tracker) ReadReported(ctx context.Context, name string) (Reported, bool, error) {
	res, err := t.exec.Exec(ctx, t.hostID, provider.ExecRequest{
		Script: reportedScript,
		Env:    map[string]string{"KUROKO_AGENT_NAME": name},
	})
	if err != nil {
		return Reported{}, false, fmt.Errorf("read reported data of %s: %w", name, err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return Reported{}, false, nil
	}
	var r Reported
	if err := json.Unmarshal([]byte(res.Stdout), &r); err != nil {
		return Reported{}, false, fmt.Errorf("reported data of %s is not valid json: %w", name, err)
	}
	return r, true, nil
}
