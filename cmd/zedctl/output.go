package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/zedfs/zed-csi/pkg/storage"
)

// Color variables for consistent styling.
var (
	colorMuted     = color.New(color.Faint)
	colorTypeNFS   = color.New(color.FgBlue)
	colorTypeISCSI = color.New(color.FgYellow)
)

// typeBadge returns a colored storage type name.
func typeBadge(storageType string) string {
	switch storageType {
	case storage.TypeNFS:
		return colorTypeNFS.Sprint(storage.TypeNFS)
	case storage.TypeISCSI:
		return colorTypeISCSI.Sprint(storage.TypeISCSI)
	default:
		if storageType == "" {
			return colorMuted.Sprint("-")
		}
		return storageType
	}
}

// newStyledTable creates a pre-configured go-pretty table with StyleLight
// base, upper-cased headers, and no row separators.
func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}
