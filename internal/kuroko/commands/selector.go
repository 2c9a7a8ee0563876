package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

// Selector picks the hosts a command applies to: one host by id or by
// name, or every host matching a filter.
type Selector struct {
	ID     string
	Name   string
	Filter Filter
	// All selects every host. Only bulk commands accept it.
	All bool
}

// ParseSelector reads a command-line target. Ids start with "host-",
// anything containing "=" is a filter, "*" selects everything and the
// rest is a name.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Selector{}, fmt.Errorf("empty target")
	case s == "*":
		return Selector{All: true}, nil
	case strings.HasPrefix(s, "host-"):
		return Selector{ID: s}, nil
	case strings.Contains(s, "="):
		f, err := ParseFilter(s)
		if err != nil {
			return Selector{}, err
		}
		return Selector{Filter: f}, nil
	}
	if err := host.ValidateName(s); err != nil {
		return Selector{}, err
	}
	return Selector{Name: s}, nil
}

// Single reports whether the selector names exactly one host.
func (s Selector) Single() bool { return s.ID != "" || s.Name != "" }

func (s Selector) String() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Name != "":
		return s.Name
	case s.All:
		return "*"
	}
	return s.Filter.String()
}

// Term is one key=value condition.
type Term struct {
	Key   string
	Value string
}

// Filter matches hosts whose record satisfies every term.
type Filter []Term

// ParseFilter parses "key=value[,key=value]". Keys are state, provider,
// name and tag.<key>.
func ParseFilter(expr string) (Filter, error) {
	var f Filter
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" {
			return nil, fmt.Errorf("filter term %q: want key=value", part)
		}
		switch {
		case key == "state":
			st := host.State(strings.ToUpper(value))
			if !st.Valid() {
				return nil, fmt.Errorf("filter: unknown state %q", value)
			}
			value = string(st)
		case key == "provider", key == "name":
		case strings.HasPrefix(key, "tag.") && len(key) > len("tag."):
		default:
			return nil, fmt.Errorf("filter: unknown key %q (want state, provider, name or tag.<key>)", key)
		}
		f = append(f, Term{Key: key, Value: value})
	}
	if len(f) == 0 {
		return nil, fmt.Errorf("empty filter")
	}
	sort.SliceStable(f, func(i, j int) bool { return f[i].Key < f[j].Key })
	return f, nil
}

// Match reports whether rec satisfies every term.
func (f Filter) Match(rec *host.Record) bool {
	for _, t := range f {
		var got string
		switch {
		case t.Key == "state":
			got = string(rec.State)
		case t.Key == "provider":
			if rec.Provider.Name != t.Value && rec.Provider.Kind != t.Value {
				return false
			}
			continue
		case t.Key == "name":
			got = rec.Name
		default:
			v, ok := rec.Tags[strings.TrimPrefix(t.Key, "tag.")]
			if !ok {
				return false
			}
			got = v
		}
		if got != t.Value {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	parts := make([]string, len(f))
	for i, t := range f {
		parts[i] = t.Key + "=" + t.Value
	}
	return strings.Join(parts, ",")
}
