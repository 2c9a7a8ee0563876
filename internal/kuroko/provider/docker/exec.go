package docker

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// Exec runs req.Script with sh -c inside the container and waits for it.
func (p *Provider) Exec(ctx context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error) {
	c, err := p.find(ctx, "exec", id)
	if err != nil {
		return provider.ExecResult{}, err
	}
	if c.State != "running" {
		return provider.ExecResult{}, provider.NewError(provider.Permanent, provider.CodeConflict, "exec", id,
			fmt.Errorf("container is %s", c.State))
	}

	env := []string{provider.EnvHostID + "=" + id, provider.EnvStateDir + "=" + StateDir}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Env[k])
	}

	created, err := p.client.ContainerExecCreate(ctx, c.ID, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Env:          env,
		WorkingDir:   req.WorkDir,
		Cmd:          []string{"/bin/sh", "-c", req.Script},
	})
	if err != nil {
		return provider.ExecResult{}, classify("exec", id, fmt.Errorf("exec create: %w", err))
	}

	attach, err := p.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return provider.ExecResult{}, classify("exec", id, fmt.Errorf("exec attach: %w", err))
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return provider.ExecResult{}, classify("exec", id, fmt.Errorf("exec output: %w", err))
		}
	case <-ctx.Done():
		return provider.ExecResult{}, ctx.Err()
	}

	inspect, err := p.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return provider.ExecResult{}, classify("exec", id, fmt.Errorf("exec inspect: %w", err))
	}
	return provider.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
