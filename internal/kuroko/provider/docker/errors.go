package docker

import (
	"context"
	"errors"

	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// classify maps Docker client errors onto the provider error taxonomy.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	kind, code := provider.Permanent, provider.CodeInternal
	switch {
	case errdefs.IsNotFound(err), dockerclient.IsErrNotFound(err):
		code = provider.CodeNotFound
	case errdefs.IsInvalidParameter(err):
		code = provider.CodeInvalidSpec
	case errdefs.IsConflict(err):
		code = provider.CodeConflict
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		code = provider.CodeAuth
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err), dockerclient.IsErrConnectionFailed(err):
		kind, code = provider.Transient, provider.CodeUnavailable
	case errdefs.IsSystem(err):
		kind = provider.Transient
	}
	return provider.NewError(kind, code, op, id, err)
}
