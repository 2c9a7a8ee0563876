// Package environment loads kuroko configuration from environment variables.
//
// Every variable is read through an Env, which prepends a fixed prefix
// ("KUROKO_" in production) and resolves names through an injectable lookup
// so that tests never need to touch the process environment.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Prefix is the prefix applied to every variable read via Default.
const Prefix = "KUROKO_"

// Env resolves prefixed configuration variables.
type Env struct {
	prefix string
	lookup func(string) (string, bool)
}

// New returns an Env that reads prefix+name through lookup. A nil lookup
// falls back to os.LookupEnv.
func New(prefix string, lookup func(string) (string, bool)) Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return Env{prefix: prefix, lookup: lookup}
}

// Default returns an Env bound to the process environment and Prefix.
func Default() Env { return New(Prefix, nil) }

// FromMap returns an Env backed by m. Keys in m carry the full prefixed name.
func FromMap(prefix string, m map[string]string) Env {
	return New(prefix, func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

// Name returns the fully qualified variable name for name.
func (e Env) Name(name string) string { return e.prefix + name }

// String returns the raw value and whether the variable is set at all.
func (e Env) String(name string) (string, bool) {
	return e.lookup(e.Name(name))
}

func (e Env) get(name string) string {
	v, _ := e.lookup(e.Name(name))
	return strings.TrimSpace(v)
}

// StringOr returns the value of name, or def when unset or empty.
func (e Env) StringOr(name, def string) string {
	if v := e.get(name); v != "" {
		return v
	}
	return def
}

// Required returns the value of name or an error naming the full variable.
func (e Env) Required(name string) (string, error) {
	v := e.get(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", e.Name(name))
	}
	return v, nil
}

// BoolOr parses name with strconv.ParseBool. Unparseable values yield an
// error so that a typo in an operator flag is not silently ignored.
func (e Env) BoolOr(name string, def bool) (bool, error) {
	v := e.get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: invalid boolean %q", e.Name(name), v)
	}
	return b, nil
}

// IntOr parses name as a decimal integer.
func (e Env) IntOr(name string, def int) (int, error) {
	v := e.get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: invalid integer %q", e.Name(name), v)
	}
	return n, nil
}

// DurationOr parses name as a time.Duration ("30s", "2h"). A bare integer is
// taken as seconds.
func (e Env) DurationOr(name string, def time.Duration) (time.Duration, error) {
	v := e.get(name)
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: invalid duration %q", e.Name(name), v)
	}
	return d, nil
}

// StringSliceOr splits name on commas, trimming blanks.
func (e Env) StringSliceOr(name string, def []string) []string {
	v := e.get(name)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
