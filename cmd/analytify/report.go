package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"analytify/internal/config"
	"analytify/internal/export"
	"analytify/internal/report"
	"analytify/internal/schedule"
)

var reportCmd = &cobra.Command{
	Use:   "report <name>",
	Short: "Run a named report against the reporting property",
	Long: `Run one of the built-in reports (general, pages, countries, sources,
events). Results are cached per date range and limit.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: report.Names(),
	Run:       reportCmdHandler,
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run custom GA4 Data API queries",
}

var queryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a custom query",
	Long: `Execute a query with arbitrary dimensions and metrics.

Filters use field:type:operation:value, e.g. sessionSource:string:EXACT:google
or sessions:numeric:GREATER_THAN:10. Prefix --order-by with - to sort descending.`,
	Run: queryRunCmdHandler,
}

var realtimeCmd = &cobra.Command{
	Use:   "realtime",
	Short: "Show active users by screen over the last 30 minutes",
	Run:   realtimeCmdHandler,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the report cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Run:   cacheStatsCmdHandler,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached reports and stream lists",
	Run:   cacheClearCmdHandler,
}

var emailCmd = &cobra.Command{
	Use:   "email",
	Short: "Send and preview summary emails",
}

var emailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send the summaries due today",
	Run:   emailSendCmdHandler,
}

var emailTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test summary now",
	Run:   emailTestCmdHandler,
}

var emailPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render the weekly summary as HTML",
	Run:   emailPreviewCmdHandler,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export operational data",
}

var exportDiagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Write the diagnostics CSV (no secret values)",
	Run:   exportDiagnosticsCmdHandler,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	addRangeFlags(reportCmd)
	addOutputFlags(reportCmd)
	reportCmd.Flags().Int64("limit", 0, "row limit (default 10)")

	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(queryRunCmd)
	addRangeFlags(queryRunCmd)
	addOutputFlags(queryRunCmd)
	queryRunCmd.Flags().StringSlice("dimensions", []string{}, "comma-separated dimensions")
	queryRunCmd.Flags().StringSlice("metrics", []string{}, "comma-separated metrics (required)")
	queryRunCmd.Flags().StringSlice("filters", []string{}, "filters as field:type:operation:value")
	queryRunCmd.Flags().String("order-by", "", "field to sort by, - prefix for descending")
	queryRunCmd.Flags().Int64("limit", 0, "row limit (default 10)")
	queryRunCmd.Flags().Int64("offset", 0, "row offset")
	queryRunCmd.MarkFlagRequired("metrics")

	rootCmd.AddCommand(realtimeCmd)
	addOutputFlags(realtimeCmd)
	realtimeCmd.Flags().Int64("limit", 0, "row limit (default 10)")

	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	rootCmd.AddCommand(emailCmd)
	emailCmd.AddCommand(emailSendCmd)
	emailCmd.AddCommand(emailTestCmd)
	emailCmd.AddCommand(emailPreviewCmd)
	emailTestCmd.Flags().String("recipients", "", "comma-separated recipients (default from config)")
	emailPreviewCmd.Flags().String("output", "", "write HTML to file instead of stdout")

	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportDiagnosticsCmd)
	exportDiagnosticsCmd.Flags().String("output", "", "write CSV to file instead of stdout")
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("start-date", "7daysAgo", "start date (YYYY-MM-DD or relative)")
	cmd.Flags().String("end-date", "today", "end date (YYYY-MM-DD or relative)")
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("format", "table", "output format: table, csv, tsv, json")
	cmd.Flags().String("output", "", "write to file instead of stdout")
	cmd.Flags().Int("max-rows", 50, "rows shown in table format, 0 for all")
}

func dateRange(cmd *cobra.Command) report.DateRange {
	start, _ := cmd.Flags().GetString("start-date")
	end, _ := cmd.Flags().GetString("end-date")
	return report.DateRange{Start: start, End: end}
}

func writeResult(cmd *cobra.Command, r *report.Result) {
	rawFormat, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	maxRows, _ := cmd.Flags().GetInt("max-rows")

	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		fatal("%v", err)
	}
	opts := export.DefaultOptions()
	opts.Format = format
	if format == export.FormatTable {
		opts.MaxRows = maxRows
	} else {
		opts.MaxRows = 0
	}

	if output == "" {
		if format == export.FormatTable {
			fmt.Printf("📊 %d row(s) of %d\n\n", len(r.Rows), r.RowCount)
		}
		if err := export.Write(os.Stdout, r, opts); err != nil {
			fatal("Failed to render results: %v", err)
		}
		return
	}

	if err := export.WriteFile(output, r, opts); err != nil {
		fatal("Failed to export results: %v", err)
	}
	abs, _ := filepath.Abs(output)
	fmt.Printf("✅ Exported %d row(s) to %s\n", len(r.Rows), abs)
}

func reportCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	limit, _ := cmd.Flags().GetInt64("limit")

	ctx, cancel := timeout(2 * time.Minute)
	defer cancel()

	res, err := a.Reports.Named(ctx, args[0], dateRange(cmd), limit)
	if err != nil {
		fatal("Report failed: %v", err)
	}
	writeResult(cmd, res)
}

func queryRunCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	dimensions, _ := cmd.Flags().GetStringSlice("dimensions")
	metrics, _ := cmd.Flags().GetStringSlice("metrics")
	filterStrings, _ := cmd.Flags().GetStringSlice("filters")
	orderBy, _ := cmd.Flags().GetString("order-by")
	limit, _ := cmd.Flags().GetInt64("limit")
	offset, _ := cmd.Flags().GetInt64("offset")

	q := report.Query{
		Dimensions: dimensions,
		Metrics:    metrics,
		DateRange:  dateRange(cmd),
		Limit:      limit,
		Offset:     offset,
	}

	filters, err := parseFilters(filterStrings)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Filter format: field:type:operation:value\n")
		fmt.Fprintf(os.Stderr, "Example: sessionSource:string:EXACT:google\n")
		fatal("Invalid filter: %v", err)
	}
	q.Filters = filters
	if orderBy != "" {
		q.OrderBy = []report.OrderBy{parseOrderBy(orderBy)}
	}

	ctx, cancel := timeout(2 * time.Minute)
	defer cancel()

	res, err := a.Reports.Run(ctx, "custom", q)
	if err != nil {
		fatal("Query failed: %v", err)
	}
	writeResult(cmd, res)
}

func realtimeCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	limit, _ := cmd.Flags().GetInt64("limit")

	ctx, cancel := timeout(time.Minute)
	defer cancel()

	res, err := a.Reports.Realtime(ctx, limit)
	if err != nil {
		fatal("Realtime report failed: %v", err)
	}
	writeResult(cmd, res)
}

// Helper functions for query parsing

func parseFilters(filterStrings []string) ([]report.Filter, error) {
	filters := make([]report.Filter, 0, len(filterStrings))
	for _, raw := range filterStrings {
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("filter must have format 'field:type:operation:value', got: %s", raw)
		}

		f := report.Filter{
			FieldName: strings.TrimSpace(parts[0]),
			Type:      strings.ToLower(strings.TrimSpace(parts[1])),
		}
		operation := strings.ToUpper(strings.TrimSpace(parts[2]))
		value := strings.TrimSpace(parts[3])

		switch f.Type {
		case "string":
			f.MatchType = operation
			f.Value = value
		case "numeric":
			n, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid numeric value: %s", value)
			}
			f.Operation = operation
			f.Number = n
		case "in_list":
			f.Values = strings.Split(value, "|")
		default:
			return nil, fmt.Errorf("unsupported filter type: %s", f.Type)
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func parseOrderBy(raw string) report.OrderBy {
	o := report.OrderBy{}
	if strings.HasPrefix(raw, "-") {
		o.Descending = true
		raw = raw[1:]
	}
	o.FieldName = strings.TrimSpace(raw)
	return o
}

func cacheStatsCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	fmt.Println("💾 Cache Statistics:")

	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	stats, err := a.Store.Stats(ctx)
	if err != nil {
		fatal("Failed to get cache stats: %v", err)
	}
	fmt.Printf("✅ Cache Hits: %d\n", stats.TotalHits)
	fmt.Printf("❌ Cache Misses: %d\n", stats.TotalMisses)
	fmt.Printf("📊 Hit Rate: %.1f%%\n", stats.HitRate)
	fmt.Printf("📝 Entries: %d\n", stats.Entries)
	if stats.LastCleanup != nil {
		fmt.Printf("🧹 Last Cleanup: %s\n", stats.LastCleanup.Format("2006-01-02 15:04:05"))
	}
}

func cacheClearCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	fmt.Println("🧹 Clearing cache...")

	ctx, cancel := timeout(time.Minute)
	defer cancel()

	n, err := a.ClearCache(ctx)
	if err != nil {
		fatal("Cache clear failed: %v", err)
	}
	fmt.Printf("✅ Removed %d cache entries\n", n)
}

func emailSendCmdHandler(cmd *cobra.Command, args []string) {
	runEmail(schedule.Trigger{})
}

func emailTestCmdHandler(cmd *cobra.Command, args []string) {
	raw, _ := cmd.Flags().GetString("recipients")
	trigger := schedule.Trigger{Test: true}
	if raw != "" {
		trigger.Recipients = config.ParseRecipients(raw)
		if len(trigger.Recipients) == 0 {
			fatal("no valid recipients in %q", raw)
		}
	}
	runEmail(trigger)
}

func runEmail(trigger schedule.Trigger) {
	a := openApp()
	ctx, cancel := timeout(5 * time.Minute)
	defer cancel()

	summary, err := a.Scheduler.Run(ctx, trigger)
	if err != nil {
		fatal("Email run failed: %v", err)
	}
	if summary.Skipped != "" {
		fmt.Printf("⏭️  Skipped: %s\n", summary.Skipped)
		return
	}
	for _, p := range summary.Periods {
		fmt.Printf("📬 Period: %s\n", p)
	}
	fmt.Printf("✅ Sent: %d\n", summary.Sent)
	if summary.Failed > 0 {
		fmt.Printf("❌ Failed: %d\n", summary.Failed)
	}
}

func emailPreviewCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	output, _ := cmd.Flags().GetString("output")

	ctx, cancel := timeout(2 * time.Minute)
	defer cancel()

	html, err := a.Scheduler.Preview(ctx)
	if err != nil {
		fatal("Preview failed: %v", err)
	}
	if output == "" {
		fmt.Println(html)
		return
	}
	if err := os.WriteFile(output, []byte(html), 0644); err != nil {
		fatal("Failed to write preview: %v", err)
	}
	fmt.Printf("✅ Preview written to %s\n", output)
}

func exportDiagnosticsCmdHandler(cmd *cobra.Command, args []string) {
	a := openApp()
	output, _ := cmd.Flags().GetString("output")

	ctx, cancel := timeout(30 * time.Second)
	defer cancel()

	if output == "" {
		if err := a.Diagnostics(ctx, os.Stdout); err != nil {
			fatal("Diagnostics failed: %v", err)
		}
		return
	}

	file, err := os.Create(output)
	if err != nil {
		fatal("Failed to create output file: %v", err)
	}
	if err := a.Diagnostics(ctx, file); err != nil {
		file.Close()
		fatal("Diagnostics failed: %v", err)
	}
	if err := file.Close(); err != nil {
		fatal("%v", err)
	}
	fmt.Printf("✅ Diagnostics written to %s\n", output)
}
