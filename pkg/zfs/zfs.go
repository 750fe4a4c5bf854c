// Package zfs drives the zfs command-line tool on a storage host through a
// shell transport. Datasets back both the iSCSI zvols and the NFS shares
// this driver provisions.
package zfs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zedfs/zed-csi/pkg/shell"
	"k8s.io/klog/v2"
)

// Client issues zfs commands over a transport.
type Client struct {
	t shell.Transport
}

// New returns a zfs client bound to the given transport.
func New(t shell.Transport) *Client {
	return &Client{t: t}
}

// DatasetEntry is one row of "zfs list -H".
type DatasetEntry struct {
	Name       string
	Used       string
	Avail      string
	Refer      string
	Mountpoint string
}

// Property is a single dataset property with its inheritance source.
type Property struct {
	Value  string
	Source string
}

// Dataset is the property map of a single dataset.
type Dataset struct {
	Name       string
	Properties map[string]Property
}

// ListDatasets returns all datasets visible on the host. Malformed rows are
// skipped.
func (c *Client) ListDatasets(ctx context.Context) ([]DatasetEntry, error) {
	output, code, err := c.t.Exec(ctx, "zfs list -H")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("zfs list failed with code %d: %s", code, strings.TrimSpace(output))
	}

	var entries []DatasetEntry
	for _, line := range strings.Split(output, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) != 5 {
			continue
		}
		entries = append(entries, DatasetEntry{
			Name:       cols[0],
			Used:       cols[1],
			Avail:      cols[2],
			Refer:      cols[3],
			Mountpoint: cols[4],
		})
	}
	return entries, nil
}

// GetDataset returns the dataset's properties, or nil when the dataset does
// not exist (zfs get exits with code 1).
func (c *Client) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	output, code, err := c.t.Exec(ctx, fmt.Sprintf("zfs get -H all '%s'", name))
	if err != nil {
		return nil, err
	}
	if code == 1 {
		return nil, nil
	}

	props := make(map[string]Property)
	for _, line := range strings.Split(output, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) != 4 {
			continue
		}
		props[cols[1]] = Property{Value: cols[2], Source: cols[3]}
	}
	return &Dataset{Name: name, Properties: props}, nil
}

// CreateDataset creates a dataset, as a zvol of the given size when
// size > 0 and as a filesystem otherwise. Proper ancestors of a nested name
// are created first; their failures are ignored since they commonly exist
// already.
func (c *Client) CreateDataset(ctx context.Context, name string, size int64) error {
	parts := strings.Split(name, "/")
	for i := 1; i < len(parts); i++ {
		ancestor := strings.Join(parts[:i], "/")
		if output, code, err := c.t.Exec(ctx, fmt.Sprintf("zfs create '%s'", ancestor)); err != nil {
			return err
		} else if code != 0 {
			klog.V(4).Infof("Ancestor dataset %s not created (code %d): %s", ancestor, code, strings.TrimSpace(output))
		}
	}

	vopt := ""
	if size > 0 {
		vopt = fmt.Sprintf("-V %d", size)
	}
	output, code, err := c.t.Exec(ctx, fmt.Sprintf("zfs create %s '%s'", vopt, name))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("failed to create dataset %s, exit code %d: %s", name, code, strings.TrimSpace(output))
	}
	klog.Infof("Created dataset %s", name)
	return nil
}

// SetAttributes applies the given properties in a single zfs set call.
// An empty map is a no-op.
func (c *Client) SetAttributes(ctx context.Context, name string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("zfs set")
	for _, k := range keys {
		fmt.Fprintf(&b, " '%s=%s'", k, attrs[k])
	}
	fmt.Fprintf(&b, " %s", name)

	if _, err := shell.ExecChecked(ctx, c.t, b.String()); err != nil {
		return fmt.Errorf("failed to set attributes on %s: %w", name, err)
	}
	return nil
}
