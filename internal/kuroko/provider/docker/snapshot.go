package docker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// SnapshotCreate commits the container to an image. Docker commits are
// always reported as full snapshots; parent is ignored.
func (p *Provider) SnapshotCreate(ctx context.Context, id, _ string) (host.SnapshotRef, error) {
	c, err := p.find(ctx, "snapshot-create", id)
	if err != nil {
		return host.SnapshotRef{}, err
	}
	return p.commit(ctx, id, c.ID)
}

func (p *Provider) commit(ctx context.Context, id, containerID string) (host.SnapshotRef, error) {
	ref := host.SnapshotRef{
		ID:        host.NewSnapshotID(),
		HostID:    id,
		CreatedAt: p.clock.Now().UTC(),
		Provider:  p.name,
	}
	resp, err := p.client.ContainerCommit(ctx, containerID, container.CommitOptions{
		Reference: snapshotRepo + ":" + ref.ID,
		Comment:   "kuroko snapshot of " + id,
		Config: &container.Config{Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelHostID:    id,
			labelProvider:  p.name,
			labelSnapshot:  ref.ID,
			labelCreatedAt: ref.CreatedAt.Format(time.RFC3339Nano),
		}},
		// The snapshot manager decides whether to pause.
		Pause: false,
	})
	if err != nil {
		return host.SnapshotRef{}, classify("snapshot-create", id, fmt.Errorf("commit container: %w", err))
	}
	ref.BackendRef = resp.ID
	return ref, nil
}

// SnapshotRestore starts a new container from a snapshot image.
func (p *Provider) SnapshotRestore(ctx context.Context, spec provider.HostSpec, ref host.SnapshotRef) (provider.Handle, error) {
	if ref.BackendRef == "" {
		return provider.Handle{}, provider.NotFound("snapshot-restore", ref.ID)
	}
	return p.create(ctx, "snapshot-restore", spec, ref.BackendRef)
}

func (p *Provider) SnapshotDelete(ctx context.Context, ref host.SnapshotRef) error {
	target := ref.BackendRef
	if target == "" {
		target = snapshotRepo + ":" + ref.ID
	}
	if _, err := p.client.ImageRemove(ctx, target, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		return classify("snapshot-delete", ref.ID, err)
	}
	return nil
}

// SnapshotList derives refs from snapshot image labels.
func (p *Provider) SnapshotList(ctx context.Context, hostID string) ([]host.SnapshotRef, error) {
	args := filters.NewArgs(
		filters.Arg("label", labelManagedBy+"="+managedByValue),
		filters.Arg("label", labelProvider+"="+p.name),
		filters.Arg("label", labelSnapshot),
	)
	if hostID != "" {
		args.Add("label", labelHostID+"="+hostID)
	}
	images, err := p.client.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return nil, classify("snapshot-list", hostID, err)
	}
	out := make([]host.SnapshotRef, 0, len(images))
	for _, img := range images {
		ref := host.SnapshotRef{
			ID:         img.Labels[labelSnapshot],
			HostID:     img.Labels[labelHostID],
			BackendRef: img.ID,
			Provider:   p.name,
		}
		if ref.ID == "" || (hostID != "" && ref.HostID != hostID) {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, img.Labels[labelCreatedAt]); err == nil {
			ref.CreatedAt = t
		} else {
			ref.CreatedAt = time.Unix(img.Created, 0).UTC()
		}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
