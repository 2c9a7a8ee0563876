// Package activity aggregates activity signals into a host's last-active
// time. Signals are timestamps only; which ones count is decided by the
// idle mode, and which ones are believed is decided by the trust policy.
package activity

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source names where a signal came from.
type Source string

const (
	UserInput    Source = "user_input"
	AgentOutput  Source = "agent_output"
	SSH          Source = "ssh"
	AgentProcess Source = "agent_process"
	HostBoot     Source = "host_boot"
	HostCreate   Source = "host_create"
)

// AllSources lists every known source.
var AllSources = []Source{UserInput, AgentOutput, SSH, AgentProcess, HostBoot, HostCreate}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	for _, src := range AllSources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown activity source %q", s)
}

// External reports whether the signal is written by the controller or the
// provider rather than by processes running inside the host.
func (s Source) External() bool {
	return s == HostBoot || s == HostCreate
}

// Mode selects which sources keep a host awake.
type Mode string

const (
	ModeIO       Mode = "io"
	ModeUser     Mode = "user"
	ModeAgent    Mode = "agent"
	ModeSSH      Mode = "ssh"
	ModeBoot     Mode = "boot"
	ModeCreate   Mode = "create"
	ModeRun      Mode = "run"
	ModeDisabled Mode = "disabled"
)

var modeSources = map[Mode][]Source{
	ModeIO:       {UserInput, AgentOutput, SSH, HostCreate, HostBoot},
	ModeUser:     {UserInput, SSH, HostCreate, HostBoot},
	ModeAgent:    {AgentOutput, AgentProcess, HostCreate, HostBoot},
	ModeSSH:      {SSH, HostCreate, HostBoot},
	ModeBoot:     {HostBoot, HostCreate},
	ModeCreate:   {HostCreate},
	ModeRun:      {AgentProcess, HostCreate, HostBoot},
	ModeDisabled: {},
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeSources[m]; !ok {
		modes := make([]string, 0, len(modeSources))
		for k := range modeSources {
			modes = append(modes, string(k))
		}
		sort.Strings(modes)
		return "", fmt.Errorf("unknown idle mode %q (want one of %s)", s, strings.Join(modes, ", "))
	}
	return m, nil
}

// Sources returns the sources the mode considers.
func (m Mode) Sources() []Source {
	return append([]Source(nil), modeSources[m]...)
}

// Includes reports whether src counts under m.
func (m Mode) Includes(src Source) bool {
	for _, s := range modeSources[m] {
		if s == src {
			return true
		}
	}
	return false
}

// Disabled reports whether the mode never lets a host go idle.
func (m Mode) Disabled() bool { return m == ModeDisabled }

// Trust decides which sources are believed.
type Trust int

const (
	// TrustAll believes every source. Anything running in the host can
	// then keep it awake by touching a signal.
	TrustAll Trust = iota
	// TrustExternalOnly believes only signals the controller or provider
	// writes (host_create, host_boot).
	TrustExternalOnly
)

func (t Trust) String() string {
	if t == TrustExternalOnly {
		return "external-only"
	}
	return "all"
}

// ParseTrust validates a trust policy name.
func ParseTrust(s string) (Trust, error) {
	switch s {
	case "", "all":
		return TrustAll, nil
	case "external-only", "external":
		return TrustExternalOnly, nil
	}
	return TrustAll, fmt.Errorf("unknown activity trust policy %q (want all or external-only)", s)
}

func (t Trust) allows(s Source) bool {
	return t == TrustAll || s.External()
}

// Signal is one observation. ObservedAt is the modification time of the
// medium the signal was read from.
type Signal struct {
	Source     Source
	ObservedAt time.Time
}

// Result is the outcome of Aggregate.
type Result struct {
	// LastActive is the newest ObservedAt among the considered signals.
	// It is zero when Found is false.
	LastActive time.Time
	Found      bool
	// Winner is the source that produced LastActive.
	Winner Source
	// Distrusted lists in-mode sources dropped by the trust policy.
	Distrusted []Source
}

// Aggregate computes the last-active time of signals under mode and trust.
func Aggregate(signals []Signal, mode Mode, trust Trust) Result {
	var res Result
	distrusted := map[Source]bool{}
	for _, s := range signals {
		if !mode.Includes(s.Source) {
			continue
		}
		if !trust.allows(s.Source) {
			distrusted[s.Source] = true
			continue
		}
		if !res.Found || s.ObservedAt.After(res.LastActive) {
			res.LastActive = s.ObservedAt
			res.Winner = s.Source
			res.Found = true
		}
	}
	for src := range distrusted {
		res.Distrusted = append(res.Distrusted, src)
	}
	sort.Slice(res.Distrusted, func(i, j int) bool { return res.Distrusted[i] < res.Distrusted[j] })
	return res
}

// IdleFor returns how long the host has been inactive at now. ok is false
// when there is nothing to measure from.
func (r Result) IdleFor(now time.Time) (time.Duration, bool) {
	if !r.Found {
		return 0, false
	}
	return now.Sub(r.LastActive), true
}
