// Package main implements the zedctl tool for inspecting zed-csi state.
//
// Usage:
//
//	zedctl volumes                   # List volumes recorded in the metadata db
//	zedctl volumes --db <path>       # Use a non-default metadata db
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/zedfs/zed-csi/pkg/metadata"
	"github.com/zedfs/zed-csi/pkg/storage"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:     "zedctl",
		Short:   "Inspect zed-csi driver state",
		Version: version + " (" + commit + ")",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "/plugin/metadata.db", "Path of the volume metadata database")

	rootCmd.AddCommand(newVolumesCmd(&dbPath))
	return rootCmd
}

func newVolumesCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "volumes",
		Short: "List volumes recorded in the metadata database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVolumes(*dbPath)
		},
	}
}

func runVolumes(dbPath string) error {
	store, err := metadata.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	volumes, err := store.ListStorageInfo()
	if err != nil {
		return err
	}
	if len(volumes) == 0 {
		fmt.Println("No volumes recorded.")
		return nil
	}

	ids := make([]string, 0, len(volumes))
	for id := range volumes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := newStyledTable()
	t.AppendHeader(table.Row{"volume id", "type", "parent dataset", "endpoint"})
	for _, id := range ids {
		info := volumes[id]
		t.AppendRow(table.Row{id, typeBadge(info.Type), parentDataset(info), endpoint(info)})
	}
	t.Render()
	return nil
}

func parentDataset(info storage.Info) string {
	switch info.Type {
	case storage.TypeISCSI:
		return info.ISCSI.ZFS.ParentDataset
	case storage.TypeNFS:
		return info.NFS.ZFS.ParentDataset
	}
	return ""
}

// endpoint is the client-facing address of the volume: target portal for
// iSCSI, server host for NFS.
func endpoint(info storage.Info) string {
	switch info.Type {
	case storage.TypeISCSI:
		return info.ISCSI.Options.TargetPortal
	case storage.TypeNFS:
		return info.NFS.Options.Host
	}
	return ""
}
