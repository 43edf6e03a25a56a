// Package export renders report results and diagnostics as CSV, TSV, JSON
// or console tables.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"analytify/internal/report"
)

// Format is an output format
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatJSON  Format = "json"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatCSV, FormatTSV, FormatJSON:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", fmt.Errorf("unsupported format %q (want table, csv, tsv or json)", s)
}

// Options controls rendering
type Options struct {
	Format      Format
	Prettify    bool // JSON only
	MaxRows     int  // 0 = all rows
	MaxColWidth int  // table only, 0 = unlimited
	ShowTotals  bool
}

// DefaultOptions returns sensible defaults for console display
func DefaultOptions() Options {
	return Options{Format: FormatTable, Prettify: true, MaxRows: 50, MaxColWidth: 40, ShowTotals: true}
}

// Write renders r to w
func Write(w io.Writer, r *report.Result, opts Options) error {
	if r == nil {
		r = report.Format(nil)
	}

	switch opts.Format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		if opts.Prettify {
			encoder.SetIndent("", "  ")
		}
		if err := encoder.Encode(r); err != nil {
			return fmt.Errorf("failed to write JSON: %w", err)
		}
		return nil
	case FormatCSV, FormatTSV:
		return writeDelimited(w, r, opts)
	default:
		return writeTable(w, r, opts)
	}
}

// WriteFile renders r into path, creating parent directories
func WriteFile(path string, r *report.Result, opts Options) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	return Write(file, r, opts)
}

// Records flattens r into a header row followed by one record per row
func Records(r *report.Result, maxRows int) [][]string {
	records := make([][]string, 0, len(r.Rows)+1)
	records = append(records, append([]string(nil), r.Headers...))

	rows := r.Rows
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	for _, row := range rows {
		record := make([]string, len(r.Headers))
		for i, h := range r.Headers {
			record[i] = row[h]
		}
		records = append(records, record)
	}
	return records
}

func writeDelimited(w io.Writer, r *report.Result, opts Options) error {
	writer := csv.NewWriter(w)
	if opts.Format == FormatTSV {
		writer.Comma = '\t'
	}

	if err := writer.WriteAll(Records(r, opts.MaxRows)); err != nil {
		return fmt.Errorf("failed to write %s: %w", opts.Format, err)
	}
	return nil
}

func writeTable(w io.Writer, r *report.Result, opts Options) error {
	if len(r.Rows) == 0 && len(r.Aggregations) == 0 {
		_, err := fmt.Fprintln(w, "No data returned")
		return err
	}

	records := Records(r, opts.MaxRows)
	if opts.MaxColWidth > 0 {
		for _, record := range records {
			for i, cell := range record {
				record[i] = truncate(cell, opts.MaxColWidth)
			}
		}
	}

	if len(r.Rows) > 0 {
		table := newTable(w)
		table.Header(records[0])
		if err := table.Bulk(records[1:]); err != nil {
			return fmt.Errorf("failed to build table: %w", err)
		}
		if err := table.Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
		if opts.MaxRows > 0 && len(r.Rows) > opts.MaxRows {
			fmt.Fprintf(w, "... and %d more rows\n", len(r.Rows)-opts.MaxRows)
		}
	}

	if opts.ShowTotals && len(r.Aggregations) > 0 {
		fmt.Fprintln(w)
		totals := newTable(w)
		totals.Header([]string{"Metric", "Total"})
		if err := totals.Bulk(aggregationRows(r)); err != nil {
			return fmt.Errorf("failed to build totals: %w", err)
		}
		if err := totals.Render(); err != nil {
			return fmt.Errorf("failed to render totals: %w", err)
		}
	}
	return nil
}

// aggregationRows orders totals by header position, then name
func aggregationRows(r *report.Result) [][]string {
	position := make(map[string]int, len(r.Headers))
	for i, h := range r.Headers {
		position[h] = i
	}
	names := make([]string, 0, len(r.Aggregations))
	for name := range r.Aggregations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, okI := position[names[i]]
		pj, okJ := position[names[j]]
		if okI != okJ {
			return okI
		}
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, r.Aggregations[name]})
	}
	return rows
}

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.Off},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.On},
			},
		}),
	)
}

// truncate shortens s to width runes, marking the cut with "..."
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}
