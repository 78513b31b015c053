// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/edgeinfer/pkg/engine"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	syntheticStyle = lipgloss.NewStyle().Faint(true)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
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

// opProfile accumulates the latencies of one operator over the runs.
type opProfile struct {
	stats engine.OpStats
	total time.Duration
	count int
}

// profile of the operators, in execution order.
type profile struct {
	ops   []*opProfile
	index map[string]*opProfile
	total time.Duration
}

func newProfile() *profile {
	return &profile{index: make(map[string]*opProfile)}
}

func (p *profile) add(md *engine.RunMetadata) {
	for _, stats := range md.Ops {
		op, found := p.index[stats.Name]
		if !found {
			op = &opProfile{stats: stats}
			p.index[stats.Name] = op
			p.ops = append(p.ops, op)
		}
		op.total += stats.Latency
		op.count++
		p.total += stats.Latency
	}
}

func (p *profile) mean(op *opProfile) time.Duration {
	if op.count == 0 {
		return 0
	}
	return op.total / time.Duration(op.count)
}

func printProfile(w io.Writer, p *profile) {
	fmt.Fprintln(w, titleStyle.Render("Operators"))
	table := newPlainTable(true)
	table.Row("#", "Name", "Type", "Device", "Shapes", "Mean", "%")
	for i, op := range p.ops {
		name := op.stats.Name
		if op.stats.Synthetic {
			name = syntheticStyle.Render(name)
		}
		var share float64
		if p.total > 0 {
			share = 100 * float64(op.total) / float64(p.total)
		}
		table.Row(fmt.Sprint(i), name, op.stats.Type, op.stats.Device.String(), op.stats.Summary,
			p.mean(op).String(), fmt.Sprintf("%.1f", share))
	}
	fmt.Fprintln(w, table.Render())
}
