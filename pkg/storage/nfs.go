package storage

import (
	"context"
	"fmt"

	"github.com/zedfs/zed-csi/pkg/mount"
	"github.com/zedfs/zed-csi/pkg/shell"
	"github.com/zedfs/zed-csi/pkg/zfs"
	"k8s.io/klog/v2"
)

// NFSModule provisions volumes as ZFS filesystem datasets shared over NFS
// with sharenfs. Nodes mount the export directly; there is nothing to
// publish or stage.
type NFSModule struct {
	options   NFSOptions
	zfs       ZFSOptions
	transport shell.Transport
}

// Create provisions the dataset and shares it via sharenfs with the
// configured export policy.
func (m *NFSModule) Create(ctx context.Context, name string, _ int64) (string, error) {
	klog.Infof("[nfs] Creating %s", name)
	datasetName := m.zfs.ParentDataset + name
	z := zfs.New(m.transport)
	dataset, err := z.GetDataset(ctx, datasetName)
	if err != nil {
		return "", err
	}
	if dataset == nil {
		if err := z.CreateDataset(ctx, datasetName, 0); err != nil {
			return "", err
		}
	}

	attrs := make(map[string]string, len(m.zfs.Attributes)+1)
	for k, v := range m.zfs.Attributes {
		attrs[k] = v
	}
	attrs["sharenfs"] = m.options.ExportSpec

	if err := z.SetAttributes(ctx, datasetName, attrs); err != nil {
		return "", err
	}
	return datasetName, nil
}

// Delete leaves the dataset in place; reclaim is an operator decision.
func (m *NFSModule) Delete(_ context.Context, volumeID string) error {
	klog.Infof("[nfs] Controller delete, no action needed: %s", volumeID)
	return nil
}

// Publish is a no-op: sharenfs exports at creation time.
func (m *NFSModule) Publish(_ context.Context, volumeID string) error {
	klog.Infof("[nfs] Controller publish, no action needed: %s", volumeID)
	return nil
}

// Unpublish is a no-op.
func (m *NFSModule) Unpublish(_ context.Context, volumeID string) error {
	klog.Infof("[nfs] Controller unpublish, no action needed: %s", volumeID)
	return nil
}

// Stage is a no-op: NFS is mounted straight into the target path.
func (m *NFSModule) Stage(_ context.Context, volumeID, _ string) error {
	klog.Infof("[nfs] Node stage, no action needed: %s", volumeID)
	return nil
}

// Unstage is a no-op.
func (m *NFSModule) Unstage(_ context.Context, volumeID, _ string) error {
	klog.Infof("[nfs] Node unstage, no action needed: %s", volumeID)
	return nil
}

// Mount mounts the NFS export of the volume at targetPath.
func (m *NFSModule) Mount(ctx context.Context, volumeID, _, targetPath string) error {
	klog.Infof("[nfs] Mounting %s", volumeID)
	source := fmt.Sprintf("%s:/%s", m.options.Host, volumeID)
	return mount.NewMounter(m.transport).Mount(ctx, mount.NFS, source, targetPath)
}

// Unmount removes the NFS mount.
func (m *NFSModule) Unmount(ctx context.Context, volumeID, targetPath string) error {
	klog.Infof("[nfs] Unmounting %s", volumeID)
	return mount.NewMounter(m.transport).Umount(ctx, targetPath)
}
