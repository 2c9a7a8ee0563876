package commands_test

import (
	"testing"

	"github.com/bdobrica/kuroko/internal/kuroko/commands"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		in      string
		single  bool
		wantErr bool
	}{
		{"host-1234", true, false},
		{"dev-box", true, false},
		{"state=running,tag.team=infra", false, false},
		{"*", false, false},
		{"", false, true},
		{"Bad Name", false, true},
		{"colour=blue", false, true},
		{"state=sleeping", false, true},
		{"tag.=x", false, true},
	}
	for _, tt := range tests {
		sel, err := commands.ParseSelector(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSelector(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && sel.Single() != tt.single {
			t.Errorf("ParseSelector(%q).Single() = %v", tt.in, sel.Single())
		}
	}
}

func TestFilterMatch(t *testing.T) {
	rec := &host.Record{
		Name:     "dev",
		State:    host.StateRunning,
		Provider: host.ProviderInstance{Name: "laptop", Kind: "local"},
		Tags:     map[string]string{"team": "infra"},
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"state=RUNNING", true},
		{"state=stopped", false},
		{"provider=local", true},
		{"provider=laptop,name=dev", true},
		{"tag.team=infra", true},
		{"tag.team=web", false},
		{"tag.owner=me", false},
	}
	for _, tt := range tests {
		f, err := commands.ParseFilter(tt.expr)
		if err != nil {
			t.Fatalf("ParseFilter(%q): %v", tt.expr, err)
		}
		if got := f.Match(rec); got != tt.want {
			t.Errorf("%q.Match = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
