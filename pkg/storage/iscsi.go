package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/zedfs/zed-csi/pkg/iscsi"
	"github.com/zedfs/zed-csi/pkg/mount"
	"github.com/zedfs/zed-csi/pkg/shell"
	"github.com/zedfs/zed-csi/pkg/zfs"
	"k8s.io/klog/v2"
)

// ErrBlockDeviceDetail is returned when lsblk cannot describe the iSCSI
// disk after login.
var ErrBlockDeviceDetail = errors.New("could not get block device detail")

// ISCSIModule provisions volumes as ZFS zvols exported through the LIO
// iSCSI target and consumed by the node's Open-iSCSI initiator.
type ISCSIModule struct {
	options   ISCSIOptions
	zfs       ZFSOptions
	transport shell.Transport
}

// Create provisions the zvol under the parent dataset and applies the
// configured dataset properties. Creation is idempotent: an existing
// dataset is reused.
func (m *ISCSIModule) Create(ctx context.Context, name string, provisionSize int64) (string, error) {
	klog.Infof("[iscsi] Creating %s", name)
	datasetName := m.zfs.ParentDataset + name
	z := zfs.New(m.transport)
	dataset, err := z.GetDataset(ctx, datasetName)
	if err != nil {
		return "", err
	}
	if dataset == nil {
		if err := z.CreateDataset(ctx, datasetName, provisionSize); err != nil {
			return "", err
		}
	}
	if err := z.SetAttributes(ctx, datasetName, m.zfs.Attributes); err != nil {
		return "", err
	}
	return datasetName, nil
}

// Delete intentionally leaves the dataset in place; reclaim is an operator
// decision.
func (m *ISCSIModule) Delete(_ context.Context, volumeID string) error {
	klog.Warningf("[iscsi] Ignoring deletion of volume '%s'", volumeID)
	return nil
}

// Publish registers the zvol as a backstore, creates the per-volume
// target, wires LUN 0 and applies the configured tpg attributes.
func (m *ISCSIModule) Publish(ctx context.Context, volumeID string) error {
	klog.Infof("[iscsi] Publishing %s", volumeID)
	cli, err := iscsi.OpenTargetCLI(ctx, m.transport)
	if err != nil {
		return err
	}

	backstore, err := cli.CreateBackstore(ctx, volumeID)
	if err != nil {
		return err
	}
	iqn, err := cli.CreateTarget(ctx, m.options.BaseIQN, volumeID)
	if err != nil {
		return err
	}
	if err := cli.SetTargetBackstore(ctx, iqn, backstore); err != nil {
		return err
	}

	keys := make([]string, 0, len(m.options.Attributes))
	for k := range m.options.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := cli.SetAttribute(ctx, iqn, k, m.options.Attributes[k]); err != nil {
			return err
		}
	}

	return cli.Close(ctx)
}

// Unpublish leaves the target and backstore configured; tearing them down
// while an initiator may still be attached is unsafe.
func (m *ISCSIModule) Unpublish(_ context.Context, volumeID string) error {
	klog.Warningf("[iscsi] Ignoring unpublish of volume '%s'", volumeID)
	return nil
}

// Stage logs into the target, waits for the block device, formats it when
// it carries no filesystem yet, and mounts it at stagingPath.
func (m *ISCSIModule) Stage(ctx context.Context, volumeID, stagingPath string) error {
	klog.Infof("[iscsi] Staging %s", volumeID)
	adm := iscsi.NewISCSIAdm(m.transport)
	iqn := iscsi.TargetIQN(m.options.BaseIQN, volumeID)

	if err := adm.Discovery(ctx, m.options.TargetPortal); err != nil {
		return err
	}
	if err := adm.Login(ctx, iqn, m.options.TargetPortal); err != nil {
		return err
	}
	diskPath, err := adm.WaitForDisk(ctx, iqn, m.options.TargetPortal)
	if err != nil {
		return err
	}

	mounter := mount.NewMounter(m.transport)
	device, err := mounter.GetBlockDevice(ctx, diskPath)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrBlockDeviceDetail
	}

	if device.Fstype != "" {
		klog.Infof("Found filesystem %s on %s", device.Fstype, diskPath)
	} else {
		klog.Infof("Creating new filesystem on device %s", diskPath)
		if err := mounter.Mkfs(ctx, diskPath, m.options.FSType); err != nil {
			return err
		}
	}

	return mounter.Mount(ctx, m.options.FSType, diskPath, stagingPath)
}

// Unstage unmounts the staging path and logs out of the target.
func (m *ISCSIModule) Unstage(ctx context.Context, volumeID, stagingPath string) error {
	klog.Infof("[iscsi] Unstaging %s", volumeID)
	if err := mount.NewMounter(m.transport).Umount(ctx, stagingPath); err != nil {
		return err
	}
	adm := iscsi.NewISCSIAdm(m.transport)
	iqn := iscsi.TargetIQN(m.options.BaseIQN, volumeID)
	return adm.Logout(ctx, iqn, m.options.TargetPortal)
}

// Mount bind-mounts the staged volume into the target path.
func (m *ISCSIModule) Mount(ctx context.Context, volumeID, stagingPath, targetPath string) error {
	klog.Infof("[iscsi] Mounting %s", volumeID)
	return mount.NewMounter(m.transport).Mount(ctx, mount.Bind, stagingPath, targetPath)
}

// Unmount removes the bind mount.
func (m *ISCSIModule) Unmount(ctx context.Context, volumeID, targetPath string) error {
	klog.Infof("[iscsi] Unmounting %s", volumeID)
	return mount.NewMounter(m.transport).Umount(ctx, targetPath)
}
