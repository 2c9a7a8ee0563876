// Package docker provides a Docker Engine provider. Each host is one
// container; identity lives in immutable container labels and the
// certified record in a file inside the container.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/common/version"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

const (
	labelManagedBy = "kuroko.managed-by"
	labelHostID    = "kuroko.host-id"
	labelProvider  = "kuroko.provider"
	labelKind      = "kuroko.kind"
	labelSnapshot  = "kuroko.snapshot-id"
	labelCreatedAt = "kuroko.created-at"
	managedByValue = "kuroko"

	// StateDir is the in-container state directory.
	StateDir = "/var/lib/kuroko"

	// DefaultNetwork is the Docker network hosts are attached to.
	DefaultNetwork = "kuroko"

	snapshotRepo = "kuroko/snapshots"

	// stopTimeout is how long to wait for graceful container stop before SIGKILL.
	stopTimeout = 10 * time.Second
)

// initScript prepares the state directory, records the boot signals and
// keeps the container alive. Agents are started later through Exec.
const initScript = `set -e
mkdir -p ` + StateDir + `/activity ` + StateDir + `/agents ` + StateDir + `/logs
now=$(date +%s)
printf '{"time": %s000}\n' "$now" > ` + StateDir + `/activity/host_boot
[ -e ` + StateDir + `/activity/host_create ] || cp ` + StateDir + `/activity/host_boot ` + StateDir + `/activity/host_create
trap 'exit 0' TERM INT
while :; do sleep 3600 & wait $!; done
`

// dockerAPI is the subset of the Docker client used by the provider.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerRename(ctx context.Context, containerID, newContainerName string) error
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (types.IDResponse, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// Options configures the provider.
type Options struct {
	// Name is the provider instance name recorded in identity labels.
	Name string
	// Network defaults to DefaultNetwork.
	Network string
	// Image is used when a HostSpec does not name one.
	Image  string
	Sealer host.Sealer
	Clock  clock.Clock
}

// Provider implements provider.Provider using the Docker Engine API.
type Provider struct {
	client  dockerAPI
	name    string
	network string
	image   string
	sealer  host.Sealer
	clock   clock.Clock
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Docker provider.
// Uses the DOCKER_HOST env var or the default socket path.
func New(opts Options) (*Provider, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
		dockerclient.WithUserAgent(version.UserAgent()),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newWithClient(cli, opts), nil
}

func newWithClient(cli dockerAPI, opts Options) *Provider {
	p := &Provider{
		client:  cli,
		name:    opts.Name,
		network: opts.Network,
		image:   opts.Image,
		sealer:  opts.Sealer,
		clock:   opts.Clock,
	}
	if p.name == "" {
		p.name = "docker"
	}
	if p.network == "" {
		p.network = DefaultNetwork
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	return p
}

func (p *Provider) Kind() provider.Kind { return provider.KindDocker }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsPause: true, Remote: true}
}

func (p *Provider) StateDir(string) string { return StateDir }

// ContainerNameFor returns the Docker container name for a host name.
func ContainerNameFor(name string) string {
	return "kuroko-" + name
}

// EnsureNetwork creates the kuroko Docker network if it doesn't exist.
func (p *Provider) EnsureNetwork(ctx context.Context) error {
	nets, err := p.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", p.network)),
	})
	if err != nil {
		return classify("ensure-network", "", err)
	}
	for _, n := range nets {
		if n.Name == p.network {
			return nil // already exists
		}
	}
	_, err = p.client.NetworkCreate(ctx, p.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return classify("ensure-network", "", fmt.Errorf("create network %q: %w", p.network, err))
	}
	return nil
}

func (p *Provider) identityLabels(id string) map[string]string {
	return map[string]string{
		labelManagedBy: managedByValue,
		labelHostID:    id,
		labelProvider:  p.name,
		labelKind:      string(provider.KindDocker),
	}
}

// find resolves a host id to its container through the identity label.
func (p *Provider) find(ctx context.Context, op, id string) (types.Container, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelHostID+"="+id),
		),
	})
	if err != nil {
		return types.Container{}, classify(op, id, err)
	}
	for _, c := range containers {
		if c.Labels[labelHostID] == id && c.Labels[labelProvider] == p.name {
			return c, nil
		}
	}
	return types.Container{}, provider.NotFound(op, id)
}

func (p *Provider) Create(ctx context.Context, spec provider.HostSpec) (provider.Handle, error) {
	return p.create(ctx, "create", spec, spec.Image)
}

func (p *Provider) create(ctx context.Context, op string, spec provider.HostSpec, img string) (provider.Handle, error) {
	if img == "" {
		img = p.image
	}
	if spec.ID == "" || spec.Name == "" || img == "" {
		return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeInvalidSpec, op, spec.ID,
			fmt.Errorf("id, name and image are required"))
	}

	env := []string{
		provider.EnvHostID + "=" + spec.ID,
		provider.EnvStateDir + "=" + StateDir,
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}

	containerCfg := &container.Config{
		Image:      img,
		Hostname:   spec.Name,
		Env:        env,
		Labels:     p.identityLabels(spec.ID),
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{initScript},
		WorkingDir: spec.WorkDir,
	}

	initProc := true
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Init:          &initProc,
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}
	if spec.GPUs > 0 {
		hostCfg.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.GPUs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			p.network: {},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, ContainerNameFor(spec.Name))
	if err != nil {
		return provider.Handle{}, classify(op, spec.ID, fmt.Errorf("create container: %w", err))
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return provider.Handle{}, classify(op, spec.ID, fmt.Errorf("start container: %w", err))
	}

	slog.Info("docker: host created", "id", spec.ID, "name", spec.Name, "container", resp.ID, "image", img)
	return p.inspect(ctx, op, spec.ID, resp.ID)
}

func (p *Provider) inspect(ctx context.Context, op, id, containerID string) (provider.Handle, error) {
	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return provider.Handle{}, classify(op, id, fmt.Errorf("inspect container: %w", err))
	}
	if info.ContainerJSONBase == nil {
		return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeInternal, op, id,
			fmt.Errorf("inspect container %s: empty response", containerID))
	}
	h := provider.Handle{
		ID:        id,
		Name:      strings.TrimPrefix(strings.TrimPrefix(info.Name, "/"), "kuroko-"),
		Provider:  p.name,
		BackendID: info.ID,
		Status:    parseContainerState(info.State),
		Address:   addressFromInspect(info, p.network),
	}
	if info.State != nil {
		h.StartedAt, _ = time.Parse(time.RFC3339Nano, info.State.StartedAt)
	}
	return h, nil
}

func (p *Provider) Start(ctx context.Context, id string) (provider.Handle, error) {
	c, err := p.find(ctx, "start", id)
	if err != nil {
		return provider.Handle{}, err
	}
	if err := p.client.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
		return provider.Handle{}, classify("start", id, fmt.Errorf("start container %s: %w", c.ID, err))
	}
	return p.inspect(ctx, "start", id, c.ID)
}

func (p *Provider) Stop(ctx context.Context, id string, snapshotBefore bool) (*host.SnapshotRef, error) {
	c, err := p.find(ctx, "stop", id)
	if err != nil {
		return nil, err
	}
	var ref *host.SnapshotRef
	if snapshotBefore {
		r, err := p.commit(ctx, id, c.ID)
		if err != nil {
			return nil, err
		}
		ref = &r
	}
	if c.State == "paused" {
		if err := p.client.ContainerUnpause(ctx, c.ID); err != nil {
			return ref, classify("stop", id, fmt.Errorf("unpause container %s: %w", c.ID, err))
		}
	}
	timeout := int(stopTimeout.Seconds())
	if err := p.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		return ref, classify("stop", id, fmt.Errorf("stop container %s: %w", c.ID, err))
	}
	return ref, nil
}

// Destroy removes the container and, if asked, every snapshot image.
func (p *Provider) Destroy(ctx context.Context, id string, deleteSnapshots bool) error {
	c, err := p.find(ctx, "destroy", id)
	if err != nil {
		return err
	}
	if err := p.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil && !dockerclient.IsErrNotFound(err) {
		return classify("destroy", id, fmt.Errorf("remove container: %w", err))
	}
	if !deleteSnapshots {
		return nil
	}
	refs, err := p.SnapshotList(ctx, id)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := p.SnapshotDelete(ctx, ref); err != nil && !provider.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (p *Provider) Pause(ctx context.Context, id string) error {
	c, err := p.find(ctx, "pause", id)
	if err != nil {
		return err
	}
	if err := p.client.ContainerPause(ctx, c.ID); err != nil {
		return classify("pause", id, err)
	}
	return nil
}

func (p *Provider) Resume(ctx context.Context, id string) error {
	c, err := p.find(ctx, "resume", id)
	if err != nil {
		return err
	}
	if err := p.client.ContainerUnpause(ctx, c.ID); err != nil {
		return classify("resume", id, err)
	}
	return nil
}

// Rename changes the container name only; labels are never rewritten.
func (p *Provider) Rename(ctx context.Context, id, newName string) error {
	c, err := p.find(ctx, "rename", id)
	if err != nil {
		return err
	}
	if err := p.client.ContainerRename(ctx, c.ID, ContainerNameFor(newName)); err != nil {
		return classify("rename", id, err)
	}
	return nil
}

func (p *Provider) Status(ctx context.Context, id string) (provider.Handle, error) {
	c, err := p.find(ctx, "status", id)
	if err != nil {
		return provider.Handle{}, err
	}
	return p.inspect(ctx, "status", id, c.ID)
}

// List returns handles for all kuroko-managed containers of this instance.
func (p *Provider) List(ctx context.Context) ([]provider.Handle, error) {
	containers, err := p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelProvider+"="+p.name),
		),
	})
	if err != nil {
		return nil, classify("list", "", fmt.Errorf("list containers: %w", err))
	}

	handles := make([]provider.Handle, 0, len(containers))
	for _, c := range containers {
		id := c.Labels[labelHostID]
		if id == "" {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(strings.TrimPrefix(c.Names[0], "/"), "kuroko-")
		}
		handles = append(handles, provider.Handle{
			ID:        id,
			Name:      name,
			Provider:  p.name,
			BackendID: c.ID,
			Status:    parseStateString(c.State),
		})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles, nil
}

// --- helpers ---

func parseStateString(s string) provider.Status {
	switch strings.ToLower(s) {
	case "running", "restarting":
		return provider.StatusRunning
	case "paused":
		return provider.StatusPaused
	case "exited", "created", "stopped", "dead":
		return provider.StatusStopped
	case "removing":
		return provider.StatusMissing
	default:
		return provider.StatusUnknown
	}
}

func parseContainerState(s *types.ContainerState) provider.Status {
	if s == nil {
		return provider.StatusUnknown
	}
	return parseStateString(s.Status)
}

func addressFromInspect(inspect types.ContainerJSON, networkName string) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}
