package iscsi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/zedfs/zed-csi/pkg/shell"
	"github.com/zedfs/zed-csi/pkg/utils"
	"k8s.io/klog/v2"
)

// Disk appearance polling after login.
const (
	diskPollAttempts = 30
	diskPollInterval = 100 * time.Millisecond
)

var sessionRe = regexp.MustCompile(` (?P<ip>\d+\.\d+\.\d+\.\d+):(?P<port>\d+),\d+ (?P<iqn>\S+) `)

var errDeviceNotReady = errors.New("device not present yet")

// Session is one active initiator session from "iscsiadm -m session".
type Session struct {
	IP   string
	Port string
	IQN  string
}

// ISCSIAdm drives the Open-iSCSI initiator on the node.
type ISCSIAdm struct {
	t shell.Transport

	// pollInterval is overridden in tests.
	pollInterval time.Duration
}

// NewISCSIAdm returns an iscsiadm driver bound to the given transport.
func NewISCSIAdm(t shell.Transport) *ISCSIAdm {
	return &ISCSIAdm{t: t, pollInterval: diskPollInterval}
}

// Sessions lists the active initiator sessions. A non-zero exit (no
// sessions at all) yields an empty list, not an error.
func (a *ISCSIAdm) Sessions(ctx context.Context) ([]Session, error) {
	output, code, err := a.t.Exec(ctx, "iscsiadm -m session")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, nil
	}

	var sessions []Session
	ipIdx := sessionRe.SubexpIndex("ip")
	portIdx := sessionRe.SubexpIndex("port")
	iqnIdx := sessionRe.SubexpIndex("iqn")
	for _, m := range sessionRe.FindAllStringSubmatch(output, -1) {
		sessions = append(sessions, Session{IP: m[ipIdx], Port: m[portIdx], IQN: m[iqnIdx]})
	}
	return sessions, nil
}

// Login logs the initiator into the target. A session that already exists
// for the IQN counts as success.
func (a *ISCSIAdm) Login(ctx context.Context, iqn, portal string) error {
	sessions, err := a.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.IQN == iqn {
			klog.V(4).Infof("Already logged into %s, reusing session", iqn)
			return nil
		}
	}

	cmd := fmt.Sprintf("iscsiadm --mode node --targetname '%s' --portal '%s' --login", iqn, portal)
	if _, err := shell.ExecChecked(ctx, a.t, cmd); err != nil {
		return fmt.Errorf("failed to login to %s: %w", iqn, err)
	}
	return nil
}

// Logout logs the initiator out of the target. Failure is tolerated: the
// session may already be gone.
func (a *ISCSIAdm) Logout(ctx context.Context, iqn, portal string) error {
	cmd := fmt.Sprintf("iscsiadm --mode node --targetname '%s' --portal '%s' --logout", iqn, portal)
	output, code, err := a.t.Exec(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		klog.Warningf("iscsiadm logout of %s returned %d: %s", iqn, code, output)
	}
	return nil
}

// Discovery runs sendtargets discovery against the portal.
func (a *ISCSIAdm) Discovery(ctx context.Context, portal string) error {
	cmd := fmt.Sprintf("iscsiadm -m discovery -t sendtargets -p '%s'", portal)
	if _, err := shell.ExecChecked(ctx, a.t, cmd); err != nil {
		return fmt.Errorf("discovery against %s failed: %w", portal, err)
	}
	return nil
}

// DiskPath is the by-path device node the kernel creates for LUN 0 of a
// logged-in target.
func DiskPath(iqn, portal string) string {
	return fmt.Sprintf("/dev/disk/by-path/ip-%s:3260-iscsi-%s-lun-0", portal, iqn)
}

// WaitForDisk polls for the volume's block device to appear after login
// and returns its path.
func (a *ISCSIAdm) WaitForDisk(ctx context.Context, iqn, portal string) (string, error) {
	path := DiskPath(iqn, portal)
	cmd := fmt.Sprintf("test -b '%s'", path)
	klog.V(4).Infof("Waiting for device %s", path)

	err := utils.WithRetryNoResult(ctx, utils.RetryConfig{
		MaxAttempts:       diskPollAttempts,
		InitialBackoff:    a.pollInterval,
		BackoffMultiplier: 1.0,
		RetryableFunc: func(err error) bool {
			return errors.Is(err, errDeviceNotReady)
		},
		OperationName: "wait for disk",
	}, func() error {
		_, code, err := a.t.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		if code != 0 {
			return errDeviceNotReady
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrMaxRetriesExceeded) {
			return "", fmt.Errorf("timed out waiting for device %s", path)
		}
		return "", err
	}
	return path, nil
}
