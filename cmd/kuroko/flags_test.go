package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseMount(t *testing.T) {
	tests := []struct {
		in       string
		wantErr  bool
		readOnly bool
	}{
		{"/data:/mnt/data", false, false},
		{"/data:/mnt/data:ro", false, true},
		{"/data", true, false},
		{"/data:/mnt:rw", true, false},
		{":/mnt", true, false},
	}
	for _, tt := range tests {
		m, err := parseMount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseMount(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && m.ReadOnly != tt.readOnly {
			t.Errorf("parseMount(%q) readOnly = %v", tt.in, m.ReadOnly)
		}
	}
}

func TestCreateRequest_FlagsOverrideTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "box.yaml")
	doc := `apiVersion: kuroko/v1
metadata:
  name: from-template
spec:
  image: debian:12
  tags:
    team: infra
  idle:
    mode: agent
    timeout: 20m
  agents:
    - name: crawler
      command: ./crawl
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	createTemplate, createImage, createTags, createAgents = path, "ubuntu:24.04", []string{"env=dev"}, []string{"indexer=./index"}
	t.Cleanup(func() { createTemplate, createImage, createTags, createAgents = "", "", nil, nil })

	req, err := createRequest([]string{"override"})
	if err != nil {
		t.Fatalf("createRequest: %v", err)
	}
	if req.Name != "override" || req.Image != "ubuntu:24.04" {
		t.Errorf("name/image = %s/%s", req.Name, req.Image)
	}
	if req.Tags["team"] != "infra" || req.Tags["env"] != "dev" {
		t.Errorf("tags = %v", req.Tags)
	}
	if req.IdleMode != "agent" || req.IdleTimeout != 20*time.Minute {
		t.Errorf("idle = %s %s", req.IdleMode, req.IdleTimeout)
	}
	if len(req.Agents) != 2 || req.Agents[0].Name != "crawler" || req.Agents[1].Name != "indexer" {
		t.Errorf("agents = %+v", req.Agents)
	}
}

func TestCreateRequest_NameRequired(t *testing.T) {
	if _, err := createRequest(nil); err == nil {
		t.Fatal("expected an error without name or template")
	}
}

func TestMergePairs_Rejects(t *testing.T) {
	if _, err := mergePairs(nil, []string{"novalue"}); err == nil {
		t.Error("expected error for a pair without '='")
	}
}
