package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zedfs/zed-csi/pkg/mount"
)

// Storage type tags carried in the CSI parameters map and persisted in
// volume metadata.
const (
	TypeISCSI = "zfs-iscsi"
	TypeNFS   = "zfs-nfs"
)

// Parameter keys recognized in CSI requests.
const (
	ParamType          = "type"
	ParamParentDataset = "zfs.parentDataset"
	ParamBaseIQN       = "baseIqn"
	ParamTargetPortal  = "targetPortal"
	ParamFSType        = "fsType"
	ParamHost          = "host"
	ParamExport        = "export"
	ParamPVCName       = "csi.storage.k8s.io/pvc/name"
	ParamPVCNamespace  = "csi.storage.k8s.io/pvc/namespace"

	zfsAttrPrefix   = "zfs.attr."
	iscsiAttrPrefix = "attr."
)

// Default sharenfs export policy: standard options plus read-write for the
// private ranges and read-only for everyone else.
const (
	exportDefaults = "wdelay,nohide,crossmnt,no_root_squash,no_subtree_check,mountpoint,sec=sys,rw,secure,no_root_squash,no_all_squash"
	localCIDRs     = "@192.168.0.0/16:@172.16.0.0/12:@10.0.0.0/8"
)

// DefaultExportSpec is the sharenfs value applied when the export
// parameter is not given.
const DefaultExportSpec = exportDefaults + ",rw=" + localCIDRs + ",ro"

// Static parameter errors.
var (
	ErrTypeMissing          = errors.New("storage type was not specified")
	ErrParentDatasetMissing = errors.New("zfs.parentDataset is required")
	ErrBaseIQNMissing       = errors.New("baseIqn is required")
	ErrTargetPortalMissing  = errors.New("targetPortal is required")
	ErrHostMissing          = errors.New("NFS host is required")
)

// ZFSOptions locate volumes under a parent dataset and carry the dataset
// properties applied at creation.
type ZFSOptions struct {
	ParentDataset string            `json:"parent_dataset"`
	Attributes    map[string]string `json:"attributes"`
}

// ISCSIOptions describe the iSCSI export of a volume.
type ISCSIOptions struct {
	BaseIQN      string               `json:"base_iqn"`
	TargetPortal string               `json:"target_portal"`
	Attributes   map[string]string    `json:"attributes"`
	FSType       mount.FilesystemType `json:"fs_type"`
}

// NFSOptions describe the NFS export of a volume.
type NFSOptions struct {
	Host       string `json:"host"`
	ExportSpec string `json:"export_spec"`
}

func parseZFSOptions(params map[string]string) (ZFSOptions, error) {
	parent, ok := params[ParamParentDataset]
	if !ok || parent == "" {
		return ZFSOptions{}, ErrParentDatasetMissing
	}
	if !strings.HasSuffix(parent, "/") {
		parent += "/"
	}
	return ZFSOptions{
		ParentDataset: parent,
		Attributes:    collectPrefixed(params, zfsAttrPrefix),
	}, nil
}

func parseISCSIOptions(params map[string]string) (ISCSIOptions, error) {
	baseIQN, ok := params[ParamBaseIQN]
	if !ok || baseIQN == "" {
		return ISCSIOptions{}, ErrBaseIQNMissing
	}
	portal, ok := params[ParamTargetPortal]
	if !ok || portal == "" {
		return ISCSIOptions{}, ErrTargetPortalMissing
	}
	fsType := mount.Ext4
	if s, ok := params[ParamFSType]; ok && s != "" {
		fsType = mount.ParseFilesystemType(strings.ToLower(s))
	}
	return ISCSIOptions{
		BaseIQN:      baseIQN,
		TargetPortal: portal,
		Attributes:   collectPrefixed(params, iscsiAttrPrefix),
		FSType:       fsType,
	}, nil
}

func parseNFSOptions(params map[string]string) (NFSOptions, error) {
	host, ok := params[ParamHost]
	if !ok || host == "" {
		return NFSOptions{}, ErrHostMissing
	}
	export := params[ParamExport]
	if export == "" {
		export = DefaultExportSpec
	}
	return NFSOptions{Host: host, ExportSpec: export}, nil
}

// collectPrefixed gathers parameters under a prefix into a map keyed by
// the suffix. zfs.attr.* keys are excluded from the iSCSI attr.* set.
func collectPrefixed(params map[string]string, prefix string) map[string]string {
	attrs := make(map[string]string)
	for k, v := range params {
		if prefix == iscsiAttrPrefix && strings.HasPrefix(k, zfsAttrPrefix) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			attrs[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return attrs
}

// VolumeName selects the dataset-relative name for a new volume: the
// namespaced PVC name when the external provisioner passes it through, the
// CSI-assigned name otherwise.
func VolumeName(requestName string, params map[string]string) string {
	pvcName := params[ParamPVCName]
	pvcNamespace := params[ParamPVCNamespace]
	if pvcName != "" && pvcNamespace != "" {
		return fmt.Sprintf("%s/%s", pvcNamespace, pvcName)
	}
	return requestName
}
