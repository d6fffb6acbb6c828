package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// wrapWidth caps free-text columns (reasons, event payloads).
const wrapWidth = 60

type tableSpec struct {
	headers []string
	aligns  []columnAlignment
	// wrap lists zero-based columns wrapped at wrapWidth.
	wrap []int
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment, wrap ...int) string {
	return tableSpec{headers: headers, aligns: aligns, wrap: wrap}.render(rows)
}

func (s tableSpec) render(rows [][]string) string {
	columns := len(s.headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(s.row(s.headers))
	for _, r := range rows {
		tw.AppendRow(s.row(r))
	}

	wrapped := make(map[int]bool, len(s.wrap))
	for _, idx := range s.wrap {
		wrapped[idx] = true
	}
	configs := make([]table.ColumnConfig, columns)
	for i := range configs {
		cfg := table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
		if i < len(s.aligns) && s.aligns[i] == alignRight {
			cfg.Align = text.AlignRight
		}
		if wrapped[i] {
			cfg.WidthMax = wrapWidth
			cfg.WidthMaxEnforcer = text.WrapSoft
		}
		configs[i] = cfg
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

// row pads or truncates values to the header width.
func (s tableSpec) row(values []string) table.Row {
	r := make(table.Row, len(s.headers))
	for i := range r {
		if i < len(values) {
			r[i] = values[i]
		} else {
			r[i] = ""
		}
	}
	return r
}
