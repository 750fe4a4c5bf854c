// Package mount drives the mount, umount and mkfs utilities on a host
// through a shell transport, and inspects block devices and mounts via the
// JSON output of lsblk and findmnt.
package mount

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zedfs/zed-csi/pkg/shell"
	"k8s.io/klog/v2"
)

// Fixed column sets requested from findmnt and lsblk.
const (
	mountColumns       = "id,source,target,fstype,label,options,partuuid,avail,size,used"
	blockDeviceColumns = "name,rm,type,size,fstype,ro"
)

// mount/umount report exit code 32 for "filesystem misuse", which covers
// the already-mounted and not-mounted cases treated as success.
const mountBusyExitCode = 32

// ErrUnsupportedMkfs is returned when a filesystem type cannot be created.
var ErrUnsupportedMkfs = errors.New("filesystem type cannot be formatted")

// Mounter runs mount-related commands over a transport.
type Mounter struct {
	t shell.Transport
}

// NewMounter returns a mounter bound to the given transport.
func NewMounter(t shell.Transport) *Mounter {
	return &Mounter{t: t}
}

// Mount mounts device at path, creating path first. Mounting something
// that is already mounted is a success.
func (m *Mounter) Mount(ctx context.Context, fs FilesystemType, device, path string) error {
	if _, err := shell.ExecChecked(ctx, m.t, fmt.Sprintf("mkdir -p '%s'", path)); err != nil {
		return err
	}

	klog.Infof("Mounting device %s at %s", device, path)
	var b strings.Builder
	b.WriteString("mount ")
	if t := fs.MountType(); t != "" {
		fmt.Fprintf(&b, "-t %s ", t)
	}
	if o := fs.MountOptions(); o != "" {
		fmt.Fprintf(&b, "-o %s ", o)
	}
	fmt.Fprintf(&b, "'%s' '%s'", device, path)

	cmd := b.String()
	klog.V(5).Infof("Running mount command: %s", cmd)
	output, code, err := m.t.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	if code == mountBusyExitCode && strings.Contains(output, "already mounted") {
		return nil
	}
	return &shell.CommandError{Code: code, Output: output}
}

// Umount unmounts path. Unmounting something that is not mounted is a
// success.
func (m *Mounter) Umount(ctx context.Context, path string) error {
	klog.Infof("Unmounting %s", path)
	output, code, err := m.t.Exec(ctx, fmt.Sprintf("umount '%s'", path))
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	if code == mountBusyExitCode && strings.Contains(output, "not mounted") {
		return nil
	}
	return &shell.CommandError{Code: code, Output: output}
}

// Mkfs formats the device with the filesystem type.
func (m *Mounter) Mkfs(ctx context.Context, path string, fs FilesystemType) error {
	tool := fs.MkfsTool()
	if tool == "" {
		return fmt.Errorf("%w: %s", ErrUnsupportedMkfs, fs)
	}
	klog.Infof("Creating a %s filesystem on %s", fs, path)
	_, err := shell.ExecChecked(ctx, m.t, fmt.Sprintf("%s '%s'", tool, path))
	return err
}

// MountDetail is one findmnt filesystem entry.
type MountDetail struct {
	ID       int64         `json:"id"`
	Source   string        `json:"source"`
	Target   string        `json:"target"`
	Fstype   string        `json:"fstype"`
	Label    string        `json:"label"`
	Options  string        `json:"options"`
	Partuuid string        `json:"partuuid"`
	Avail    string        `json:"avail"`
	Size     string        `json:"size"`
	Used     string        `json:"used"`
	Children []MountDetail `json:"children"`
}

type mountDetailContainer struct {
	Filesystems []MountDetail `json:"filesystems"`
}

// BlockDevice is one lsblk device entry.
type BlockDevice struct {
	Name   string `json:"name"`
	RM     Bool   `json:"rm"`
	Type   string `json:"type"`
	Size   string `json:"size"`
	Fstype string `json:"fstype"`
	RO     Bool   `json:"ro"`
}

type blockDeviceContainer struct {
	BlockDevices []BlockDevice `json:"blockdevices"`
}

// GetMount returns the mount at path, or nil when nothing is mounted
// there.
func (m *Mounter) GetMount(ctx context.Context, path string) (*MountDetail, error) {
	output, err := shell.ExecChecked(ctx, m.t, fmt.Sprintf("findmnt -J -o '%s' %s", mountColumns, path))
	if err != nil {
		var cmdErr *shell.CommandError
		if errors.As(err, &cmdErr) {
			return nil, nil
		}
		return nil, err
	}
	var container mountDetailContainer
	if err := json.Unmarshal([]byte(output), &container); err != nil {
		return nil, err
	}
	if len(container.Filesystems) == 0 {
		return nil, nil
	}
	detail := container.Filesystems[len(container.Filesystems)-1]
	return &detail, nil
}

// GetMounts returns all mounts on the host.
func (m *Mounter) GetMounts(ctx context.Context) ([]MountDetail, error) {
	output, err := shell.ExecChecked(ctx, m.t, fmt.Sprintf("findmnt -J -o '%s'", mountColumns))
	if err != nil {
		return nil, err
	}
	var container mountDetailContainer
	if err := json.Unmarshal([]byte(output), &container); err != nil {
		return nil, err
	}
	return container.Filesystems, nil
}

// GetBlockDevice returns lsblk's view of the device at path, or nil when
// lsblk reports nothing.
func (m *Mounter) GetBlockDevice(ctx context.Context, path string) (*BlockDevice, error) {
	output, err := shell.ExecChecked(ctx, m.t, fmt.Sprintf("lsblk -J -o '%s' '%s'", blockDeviceColumns, path))
	if err != nil {
		return nil, err
	}
	var container blockDeviceContainer
	if err := json.Unmarshal([]byte(output), &container); err != nil {
		return nil, err
	}
	if len(container.BlockDevices) == 0 {
		return nil, nil
	}
	device := container.BlockDevices[len(container.BlockDevices)-1]
	return &device, nil
}

// Bool tolerates the boolean encodings seen in lsblk output across
// versions: true, "true", "1", "0", null.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = false
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = Bool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "1", "true", "True", "TRUE":
		*b = true
	default:
		*b = false
	}
	return nil
}

// Value returns the plain boolean.
func (b Bool) Value() bool {
	return bool(b)
}
