// Package hosttemplate defines the versioned YAML document describing a
// host to create: image, command, agents, idle policy and tags.
package hosttemplate

// SpecVersion is the API version string required in every template.
const SpecVersion = "kuroko/v1"

// Template is the root of a host template.
type Template struct {
	// APIVersion must be "kuroko/v1".
	APIVersion string   `yaml:"apiVersion" json:"apiVersion"`
	Metadata   Metadata `yaml:"metadata" json:"metadata"`
	Spec       Spec     `yaml:"spec" json:"spec"`
}

// Metadata holds descriptive information.
type Metadata struct {
	// Name becomes the host name unless overridden on the command line.
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Spec describes the host.
type Spec struct {
	Image   string            `yaml:"image,omitempty" json:"image,omitempty"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	WorkDir string            `yaml:"workDir,omitempty" json:"workDir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Mounts  []Mount           `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	GPUs    int               `yaml:"gpus,omitempty" json:"gpus,omitempty"`
	Tags    map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Idle    Idle              `yaml:"idle,omitempty" json:"idle,omitempty"`
	Agents  []Agent           `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// Mount is a host path made visible inside the host.
type Mount struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`
}

// Idle configures the idle detector.
type Idle struct {
	// Mode is one of io, user, agent, ssh, boot, create, run, disabled.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
	// Timeout is a Go duration string such as "30m".
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Agent is a long-running process started in the host.
type Agent struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type,omitempty" json:"type,omitempty"`
	Command     string   `yaml:"command" json:"command"`
	WorkDir     string   `yaml:"workDir,omitempty" json:"workDir,omitempty"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}
