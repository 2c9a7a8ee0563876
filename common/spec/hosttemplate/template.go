package hosttemplate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://kuroko.dev/schemas/host-template.json"

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("host template schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Load reads and parses the template at path.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host template: %w", err)
	}
	return Parse(data)
}

// Parse validates a YAML document against the schema, decodes it and
// applies the checks the schema cannot express.
func Parse(data []byte) (*Template, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("host template parse: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var t Template
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("host template parse: %w", err)
	}
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// validateSchema round-trips the YAML value through JSON so the validator
// sees JSON types only.
func validateSchema(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("host template: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("host template: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("host template invalid: %w", err)
	}
	return nil
}

// Validate checks a decoded template.
func Validate(t *Template) error {
	if t == nil {
		return fmt.Errorf("template must not be nil")
	}
	if t.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, t.APIVersion)
	}
	if strings.TrimSpace(t.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}
	if _, err := t.IdleTimeout(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(t.Spec.Agents))
	for i, a := range t.Spec.Agents {
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("spec.agents[%d] (%q): command must not be empty", i, a.Name)
		}
		if a.Name == "main" && t.Spec.Command != "" {
			return fmt.Errorf("spec.agents[%d]: name \"main\" is reserved for spec.command", i)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("spec.agents[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// IdleTimeout parses Spec.Idle.Timeout. Zero means unset.
func (t *Template) IdleTimeout() (time.Duration, error) {
	if t.Spec.Idle.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(t.Spec.Idle.Timeout)
	if err != nil {
		return 0, fmt.Errorf("spec.idle.timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("spec.idle.timeout must be positive")
	}
	return d, nil
}
