package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

const recordPath = StateDir + "/host.json"

// ReadCertified copies host.json out of the container. It works on
// stopped containers too.
func (p *Provider) ReadCertified(ctx context.Context, id string) (*host.Record, error) {
	c, err := p.find(ctx, "read-certified", id)
	if err != nil {
		return nil, err
	}
	rc, _, err := p.client.CopyFromContainer(ctx, c.ID, recordPath)
	if err != nil {
		return nil, classify("read-certified", id, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, provider.NotFound("read-certified", id)
		}
		if err != nil {
			return nil, provider.NewError(provider.Transient, provider.CodeUnavailable, "read-certified", id, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != "host.json" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, 4<<20))
		if err != nil {
			return nil, provider.NewError(provider.Transient, provider.CodeUnavailable, "read-certified", id, err)
		}
		rec, err := p.sealer.Open(data)
		if err != nil {
			return nil, provider.NewError(provider.Permanent, provider.CodeInternal, "read-certified", id, err)
		}
		return rec, nil
	}
}

// WriteCertified checks the record against the container's identity
// labels and copies the sealed record in. The tar carries the state
// directory entries so it can be written before the init script ran.
func (p *Provider) WriteCertified(ctx context.Context, id string, rec *host.Record) error {
	c, err := p.find(ctx, "write-certified", id)
	if err != nil {
		return err
	}
	stored := host.Identity{
		ID:           c.Labels[labelHostID],
		ProviderName: c.Labels[labelProvider],
		ProviderKind: c.Labels[labelKind],
	}
	if err := host.CheckIdentity(stored, rec.Identity()); err != nil {
		return err
	}

	rec = rec.Clone()
	rec.UpdateTime = p.clock.Now()
	data, err := p.sealer.Seal(rec)
	if err != nil {
		return provider.NewError(provider.Permanent, provider.CodeInternal, "write-certified", id, err)
	}
	archive, err := recordTar(data, p.clock.Now())
	if err != nil {
		return provider.NewError(provider.Permanent, provider.CodeInternal, "write-certified", id, err)
	}
	if err := p.client.CopyToContainer(ctx, c.ID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return classify("write-certified", id, fmt.Errorf("copy record: %w", err))
	}
	return nil
}

func recordTar(data []byte, modTime time.Time) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dir := strings.TrimPrefix(StateDir, "/")
	parts := strings.Split(dir, "/")
	for i := range parts {
		name := strings.Join(parts[:i+1], "/") + "/"
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modTime}); err != nil {
			return nil, err
		}
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/host.json",
		Typeflag: tar.TypeReg,
		Mode:     0o600,
		Size:     int64(len(data)),
		ModTime:  modTime,
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
