package storage

import (
	"encoding/json"
	"fmt"
)

// Info is the persisted description of a volume: everything needed to
// rebuild its storage module when a later lifecycle call arrives without
// parameters. It is a tagged union over the storage types.
type Info struct {
	Type  string     `json:"type"`
	ISCSI *ISCSIInfo `json:"iscsi,omitempty"`
	NFS   *NFSInfo   `json:"nfs,omitempty"`
}

// ISCSIInfo is the iSCSI variant payload.
type ISCSIInfo struct {
	Options ISCSIOptions `json:"options"`
	ZFS     ZFSOptions   `json:"zfs"`
}

// NFSInfo is the NFS variant payload.
type NFSInfo struct {
	Options NFSOptions `json:"options"`
	ZFS     ZFSOptions `json:"zfs"`
}

// ParseInfo builds an Info from the CSI parameters map.
func ParseInfo(params map[string]string) (Info, error) {
	typ, ok := params[ParamType]
	if !ok || typ == "" {
		return Info{}, ErrTypeMissing
	}
	zfsOpts, err := parseZFSOptions(params)
	if err != nil {
		return Info{}, err
	}
	switch typ {
	case TypeISCSI:
		opts, err := parseISCSIOptions(params)
		if err != nil {
			return Info{}, err
		}
		return Info{Type: TypeISCSI, ISCSI: &ISCSIInfo{Options: opts, ZFS: zfsOpts}}, nil
	case TypeNFS:
		opts, err := parseNFSOptions(params)
		if err != nil {
			return Info{}, err
		}
		return Info{Type: TypeNFS, NFS: &NFSInfo{Options: opts, ZFS: zfsOpts}}, nil
	default:
		return Info{}, fmt.Errorf("'%s' is an unknown storage type", typ)
	}
}

// Encode serializes the Info for persistence.
func (i Info) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// DecodeInfo deserializes a persisted Info, rejecting values whose variant
// payload does not match the type tag.
func DecodeInfo(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	switch info.Type {
	case TypeISCSI:
		if info.ISCSI == nil {
			return Info{}, fmt.Errorf("%s record is missing its payload", TypeISCSI)
		}
	case TypeNFS:
		if info.NFS == nil {
			return Info{}, fmt.Errorf("%s record is missing its payload", TypeNFS)
		}
	default:
		return Info{}, fmt.Errorf("'%s' is an unknown storage type", info.Type)
	}
	return info, nil
}
