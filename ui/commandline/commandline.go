// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for tensor-parallel plans on the command line:
// parsing plan settings from flags, rendering sharding reports as tables and a progress bar over layers.
package commandline

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/muesli/termenv"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	// TitleStyle is used for the titles of the reports.
	TitleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	tableBorderColor = lipgloss.Color("99")
)

// DisableColors makes all the rendering plain ASCII, e.g. when the output is not a terminal.
func DisableColors() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// NewTable returns a table with alternating row colors. Headers, if set, are rendered in reverse video.
func NewTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(tableBorderColor)).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// ReportTable renders the sharding report of a device as a table, one row per parameter.
func ReportTable(rows []tp.ReportRow) *lgtable.Table {
	table := NewTable()
	table.Headers("Parameter", "Strategy", "Layout", "Spec", "Shape", "Shard", "Shard Bytes", "Tied To")
	for _, row := range rows {
		strategy := row.Strategy
		if strategy == "" {
			strategy = "-"
		}
		tied := row.TiedTo
		if tied != "" && row.Shared {
			tied += " (shared)"
		}
		table.Row(row.Path, strategy, row.Layout, row.ShardSpec.String(), fmt.Sprint(row.Shape.Dimensions),
			fmt.Sprint(row.ShardShape.Dimensions), humanize.Bytes(row.ShardBytes), tied)
	}
	return table
}

// Totals of a report.
type Totals struct {
	NumParams, NumDistributed int

	// NumSharded counts the distributed parameters split along some axis, as opposed to replicated ones.
	NumSharded int

	// LogicalBytes is the memory of all the parameters if they were not distributed.
	LogicalBytes uint64

	// DeviceBytes is the memory held by one device, counting shared tensors once.
	DeviceBytes uint64
}

// ReportTotals sums up the rows of a report.
func ReportTotals(rows []tp.ReportRow) Totals {
	var totals Totals
	for _, row := range rows {
		totals.NumParams++
		if row.Layout != "Local" {
			totals.NumDistributed++
			if !row.ShardSpec.IsReplicated() {
				totals.NumSharded++
			}
		}
		if row.Shared {
			continue
		}
		totals.LogicalBytes += uint64(row.Shape.Memory())
		totals.DeviceBytes += row.ShardBytes
	}
	return totals
}
