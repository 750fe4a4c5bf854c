package mount

// FilesystemType enumerates the filesystem flavors the driver mounts or
// formats.
type FilesystemType string

// Known filesystem types.
const (
	Ext2    FilesystemType = "ext2"
	Ext3    FilesystemType = "ext3"
	Ext4    FilesystemType = "ext4"
	XFS     FilesystemType = "xfs"
	NFS     FilesystemType = "nfs"
	ZFS     FilesystemType = "zfs"
	TmpFs   FilesystemType = "tmpfs"
	Bind    FilesystemType = "bind"
	Unknown FilesystemType = "unknown"
)

// ParseFilesystemType maps a filesystem name onto the enumeration,
// defaulting to Unknown.
func ParseFilesystemType(s string) FilesystemType {
	switch FilesystemType(s) {
	case Ext2, Ext3, Ext4, XFS, NFS, ZFS, TmpFs, Bind:
		return FilesystemType(s)
	default:
		return Unknown
	}
}

// MountType is the -t argument passed to mount, empty when the type is
// implied (bind mounts, zfs datasets) or unknown.
func (f FilesystemType) MountType() string {
	switch f {
	case Ext2, Ext3, Ext4, XFS, TmpFs:
		return string(f)
	case NFS:
		return "nfs4"
	default:
		return ""
	}
}

// MkfsTool is the mkfs binary for the type, empty when formatting is not
// supported.
func (f FilesystemType) MkfsTool() string {
	switch f {
	case Ext2, Ext3, Ext4, XFS:
		return "mkfs." + string(f)
	default:
		return ""
	}
}

// MountOptions is the -o argument passed to mount, if any.
func (f FilesystemType) MountOptions() string {
	if f == Bind {
		return "bind"
	}
	return ""
}
