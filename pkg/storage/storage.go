// Package storage composes the zfs, iscsi and mount drivers into
// per-backend volume lifecycle modules. A module is built per CSI call,
// either from request parameters or from persisted volume metadata, and
// operates over a connected shell transport.
package storage

import (
	"context"
	"fmt"

	"github.com/zedfs/zed-csi/pkg/shell"
)

// Module is one storage backend bound to a transport. The per-volume state
// machine is absent → created → published → staged → mounted, with inverse
// transitions; every transition is idempotent.
type Module interface {
	// Create provisions the backing dataset and returns the volume id.
	Create(ctx context.Context, name string, provisionSize int64) (string, error)

	// Delete releases the volume on the controller side.
	Delete(ctx context.Context, volumeID string) error

	// Publish exports the volume from the storage host.
	Publish(ctx context.Context, volumeID string) error

	// Unpublish withdraws the export.
	Unpublish(ctx context.Context, volumeID string) error

	// Stage attaches the volume to the node and mounts it at stagingPath.
	Stage(ctx context.Context, volumeID, stagingPath string) error

	// Unstage unmounts stagingPath and detaches the volume.
	Unstage(ctx context.Context, volumeID, stagingPath string) error

	// Mount exposes the staged volume at targetPath.
	Mount(ctx context.Context, volumeID, stagingPath, targetPath string) error

	// Unmount removes the volume from targetPath.
	Unmount(ctx context.Context, volumeID, targetPath string) error
}

// NewModule connects the transport and builds the module matching the
// volume description.
func NewModule(ctx context.Context, info Info, t shell.Transport) (Module, error) {
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	switch info.Type {
	case TypeISCSI:
		return &ISCSIModule{options: info.ISCSI.Options, zfs: info.ISCSI.ZFS, transport: t}, nil
	case TypeNFS:
		return &NFSModule{options: info.NFS.Options, zfs: info.NFS.ZFS, transport: t}, nil
	default:
		return nil, fmt.Errorf("'%s' is an unknown storage type", info.Type)
	}
}
