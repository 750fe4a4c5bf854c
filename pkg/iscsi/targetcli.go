// Package iscsi drives the host-side iSCSI tooling: targetcli on the
// storage host (LIO target configuration) and iscsiadm on the node
// (initiator login and device discovery).
package iscsi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zedfs/zed-csi/pkg/shell"
	"k8s.io/klog/v2"
)

// targetcli is an interactive REPL; state is scraped from its text output
// between prompts.
var (
	promptRe       = regexp.MustCompile(`^/(\S)*>`)
	iqnLineRe      = regexp.MustCompile(`o-\s+(?P<iqn>\S+)\s\.+\s\[TPGs: (?P<tpgs>\d+)\]`)
	tpgAttributeRe = regexp.MustCompile(`(?P<attr>[a-z_0-9]+)=(?P<val>\d+)`)
	parameterSetRe = regexp.MustCompile(`Parameter \w+ is now '\d+'`)
)

// ErrSetAttributeFailed is returned when targetcli does not confirm an
// attribute assignment.
var ErrSetAttributeFailed = errors.New("targetcli did not confirm attribute assignment")

// NormalizeVolumeID maps a dataset-style volume id onto the flat character
// set allowed in IQNs and backstore names.
func NormalizeVolumeID(volumeID string) string {
	return strings.ReplaceAll(volumeID, "/", "-")
}

// BackstoreName is the LIO block backstore name used for a volume.
func BackstoreName(volumeID string) string {
	return "k8s-" + NormalizeVolumeID(volumeID)
}

// TargetIQN is the IQN of the iSCSI target exporting a volume.
func TargetIQN(baseIQN, volumeID string) string {
	return baseIQN + ":" + NormalizeVolumeID(volumeID)
}

// TargetCLI is an open targetcli session on the storage host. Commands are
// sent over stdin and results are scraped from the output preceding the
// next prompt.
type TargetCLI struct {
	stream shell.Stream
}

// OpenTargetCLI starts targetcli on the host and waits for its first
// prompt. The transport must already be connected.
func OpenTargetCLI(ctx context.Context, t shell.Transport) (*TargetCLI, error) {
	stream, err := t.ExecOpen(ctx, "targetcli")
	if err != nil {
		return nil, err
	}
	c := &TargetCLI{stream: stream}
	if _, err := c.waitForPrompt(ctx); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return c, nil
}

func (c *TargetCLI) waitForPrompt(ctx context.Context) (string, error) {
	output, _, exited, err := c.stream.WaitFor(ctx, promptRe)
	if err != nil {
		return "", err
	}
	if exited {
		return output, fmt.Errorf("targetcli exited before prompt: %s", strings.TrimSpace(output))
	}
	return output, nil
}

// send issues one command and returns the output captured up to the next
// prompt.
func (c *TargetCLI) send(ctx context.Context, cmd string) (string, error) {
	klog.V(5).Infof("[targetcli] %s", cmd)
	if err := c.stream.SendLine(cmd); err != nil {
		return "", err
	}
	return c.waitForPrompt(ctx)
}

// ListTargets returns the IQNs of all configured iSCSI targets.
func (c *TargetCLI) ListTargets(ctx context.Context) ([]string, error) {
	output, err := c.send(ctx, "ls /iscsi 1")
	if err != nil {
		return nil, err
	}
	var iqns []string
	idx := iqnLineRe.SubexpIndex("iqn")
	for _, m := range iqnLineRe.FindAllStringSubmatch(output, -1) {
		iqns = append(iqns, m[idx])
	}
	return iqns, nil
}

// CreateBackstore registers the volume's zvol as a block backstore and
// returns the backstore name.
func (c *TargetCLI) CreateBackstore(ctx context.Context, volumeID string) (string, error) {
	name := BackstoreName(volumeID)
	cmd := fmt.Sprintf("/backstores/block create %s /dev/zvol/%s", name, volumeID)
	if _, err := c.send(ctx, cmd); err != nil {
		return "", err
	}
	return name, nil
}

// CreateTarget creates the iSCSI target for a volume and returns its IQN.
func (c *TargetCLI) CreateTarget(ctx context.Context, baseIQN, volumeID string) (string, error) {
	iqn := TargetIQN(baseIQN, volumeID)
	if _, err := c.send(ctx, fmt.Sprintf("/iscsi create %s", iqn)); err != nil {
		return "", err
	}
	return iqn, nil
}

// SetTargetBackstore exposes the backstore as LUN 0 of the target's first
// portal group.
func (c *TargetCLI) SetTargetBackstore(ctx context.Context, iqn, backstore string) error {
	cmd := fmt.Sprintf("/iscsi/%s/tpg1/luns create /backstores/block/%s", iqn, backstore)
	_, err := c.send(ctx, cmd)
	return err
}

// TargetAttributes scrapes the attribute map of a target portal group.
func (c *TargetCLI) TargetAttributes(ctx context.Context, iqn, tpg string) (map[string]int64, error) {
	output, err := c.send(ctx, fmt.Sprintf("/iscsi/%s/%s get attribute", iqn, tpg))
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]int64)
	attrIdx := tpgAttributeRe.SubexpIndex("attr")
	valIdx := tpgAttributeRe.SubexpIndex("val")
	for _, m := range tpgAttributeRe.FindAllStringSubmatch(output, -1) {
		val, err := strconv.ParseInt(m[valIdx], 10, 64)
		if err != nil {
			return nil, err
		}
		attrs[m[attrIdx]] = val
	}
	klog.V(4).Infof("%s has attributes: %v", iqn, attrs)
	return attrs, nil
}

// SetAttribute assigns one tpg1 attribute. targetcli does not report exit
// codes per command, so success is recognized from its confirmation line;
// anything else is a failure.
func (c *TargetCLI) SetAttribute(ctx context.Context, iqn, attr, val string) error {
	output, err := c.send(ctx, fmt.Sprintf("/iscsi/%s/tpg1 set attribute %s=%s", iqn, attr, val))
	if err != nil {
		return err
	}
	if !parameterSetRe.MatchString(output) {
		return fmt.Errorf("%w: %s=%s on %s", ErrSetAttributeFailed, attr, val, iqn)
	}
	return nil
}

// Close exits the REPL and waits for the process to terminate.
func (c *TargetCLI) Close(ctx context.Context) error {
	if err := c.stream.SendLine("exit"); err != nil {
		return err
	}
	if _, _, err := c.stream.WaitForCompletion(ctx); err != nil {
		return err
	}
	return c.stream.Close()
}
