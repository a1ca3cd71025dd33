package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mickamy/rowcost/internal/config"
	"github.com/mickamy/rowcost/internal/diff"
	"github.com/mickamy/rowcost/internal/estimator"
	"github.com/mickamy/rowcost/internal/insight"
	"github.com/mickamy/rowcost/internal/logging"
	"github.com/mickamy/rowcost/internal/metrics"
	"github.com/mickamy/rowcost/internal/model"
	"github.com/mickamy/rowcost/internal/parser"
	"github.com/mickamy/rowcost/internal/render/html"
	"github.com/mickamy/rowcost/internal/render/tui"
	"github.com/mickamy/rowcost/internal/report"
	"github.com/mickamy/rowcost/internal/runner"
	"github.com/mickamy/rowcost/internal/stats"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "rowcost",
	Short:         "rowcost - MySQL statement cost estimator",
	Long:          "rowcost predicts how many rows MySQL examines for a statement from EXPLAIN FORMAT=JSON and table statistics.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Run EXPLAIN FORMAT=JSON for each statement",
	RunE:  runExplain,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the rows examined by each statement and render a report",
	RunE:  runEstimate,
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render a saved estimation report (TUI, HTML or JSON)",
	RunE:  runReport,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare two saved reports and emit a Markdown or JSON summary",
	RunE:  runDiff,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version information",
	RunE:  runVersion,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to configuration file (YAML or JSON). Falls back to $ROWCOST_CONFIG")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: console or json")

	for _, cmd := range []*cobra.Command{explainCmd, estimateCmd} {
		f := cmd.Flags()
		f.String("dsn", "", "MySQL DSN, e.g. user:pass@tcp(127.0.0.1:3306)/app; defaults to $ROWCOST_DATABASE_DSN")
		f.Duration("timeout", 0, "Timeout per EXPLAIN round trip, e.g. 10s")
		f.String("sql", "", "Path to a SQL file with ;-separated statements")
		f.String("query", "", "Inline SQL statement")
		f.StringP("out", "o", "", "Output path (stdout if omitted)")
	}

	explainCmd.Flags().String("format", "raw", "Output format: raw (EXPLAIN document), json or table (normalized access steps)")

	ef := estimateCmd.Flags()
	ef.String("plan", "", "Estimate --query from a saved EXPLAIN FORMAT=JSON document instead of a live database")
	ef.String("manual-stats", "", "Hand-maintained statistics (YAML or JSON)")
	ef.String("dump-stats", "", "Statistics dump (YAML or JSON)")
	ef.String("fuzzed-stats", "", "Probe-derived statistics (YAML or JSON)")
	ef.Int("concurrency", 0, "Statements estimated in parallel")
	ef.String("mode", "tui", "Output mode: tui, html or json")
	ef.String("save", "", "Also write the report as JSON to this path")
	ef.String("metrics-textfile", "", "Write Prometheus metrics in textfile format to this path")
	ef.String("fail-on", "", "Exit non-zero when an insight reaches this severity: warning or critical")
	addRenderFlags(estimateCmd)

	rf := reportCmd.Flags()
	rf.String("input", "", "Path to a report written by estimate --save or --mode json")
	rf.String("mode", "tui", "Output mode: tui, html or json")
	rf.StringP("out", "o", "", "Output path (stdout if omitted)")
	addRenderFlags(reportCmd)

	df := diffCmd.Flags()
	df.String("base", "", "Path to the baseline report")
	df.String("target", "", "Path to the target report")
	df.String("format", "md", "Output format: md or json")
	df.StringP("out", "o", "", "Output path (stdout if omitted)")
	df.Int64("min-delta", 0, "Minimum cost delta in rows to report (default from config)")
	df.Float64("min-percent", 0, "Minimum percent change to report (default from config)")
	df.Int("limit", 0, "Maximum rows per section (default from config)")

	versionCmd.Flags().Bool("short", false, "Print only the version number")

	rootCmd.AddCommand(explainCmd, estimateCmd, reportCmd, diffCmd, versionCmd)
}

func addRenderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("title", "rowcost report", "Report title (HTML)")
	f.Bool("color", true, "Enable ANSI colors for TUI output")
	f.Bool("insights", true, "Show insights under each statement (TUI)")
	f.Bool("css", true, "Include inline styles (HTML)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ROWCOST_CONFIG"))
	}
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.New(cfg.Log, os.Stderr)
	return cfg, logger, nil
}

func readStatements(cmd *cobra.Command) ([]string, error) {
	sqlPath, _ := cmd.Flags().GetString("sql")
	inline, _ := cmd.Flags().GetString("query")

	if sqlPath != "" && inline != "" {
		return nil, fmt.Errorf("specify only one of --sql or --query")
	}
	var script string
	switch {
	case sqlPath != "":
		data, err := os.ReadFile(sqlPath)
		if err != nil {
			return nil, fmt.Errorf("read sql file: %w", err)
		}
		script = string(data)
	case inline != "":
		script = inline
	default:
		return nil, fmt.Errorf("--sql or --query is required")
	}

	statements := estimator.SplitStatements(script)
	if len(statements) == 0 {
		return nil, fmt.Errorf("no statements found")
	}
	return statements, nil
}

func openRunner(ctx context.Context, cfg config.Config) (*runner.Runner, error) {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("--dsn is required or set $ROWCOST_DATABASE_DSN")
	}
	return runner.Open(ctx, cfg.Database.DSN, runner.Options{Timeout: cfg.Database.Timeout})
}

func runExplain(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	statements, err := readStatements(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	outPath, _ := cmd.Flags().GetString("out")
	switch format {
	case "raw", "json", "table":
	default:
		return fmt.Errorf("unknown format %q (expected raw, json or table)", format)
	}

	ctx := cmd.Context()
	r, err := openRunner(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	var out bytes.Buffer
	for i, stmt := range statements {
		logger.Debug().Int("statement", i).Str("sql", stmt).Msg("explaining")
		if format == "raw" {
			payload, err := r.Run(ctx, stmt)
			if err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
			pretty, err := indentJSON(payload)
			if err != nil {
				return err
			}
			out.Write(pretty)
			continue
		}

		plan, err := r.Explain(ctx, stmt)
		if err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
		if format == "table" {
			_, _ = fmt.Fprintf(&out, "-- %s\n", insight.NormalizeWhitespace(stmt))
			writePlanTable(&out, plan)
			out.WriteByte('\n')
			continue
		}
		payload, err := json.MarshalIndent(planView(plan), "", "  ")
		if err != nil {
			return err
		}
		out.Write(payload)
		out.WriteByte('\n')
	}
	return writeOutput(outPath, out.Bytes())
}

func writePlanTable(w io.Writer, plan model.Plan) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetRowLine(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "table", "type", "key", "parts", "rows", "filtered", "possible keys", "message"})
	for i, step := range plan {
		possible := "-"
		if step.PossibleKeys != nil {
			possible = strings.Join(step.PossibleKeys, ",")
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			step.Table,
			step.AccessType,
			step.Key,
			strconv.Itoa(step.UsedKeyParts),
			strconv.FormatInt(step.Rows, 10),
			strconv.FormatFloat(step.Filtered, 'f', 2, 64),
			possible,
			step.Message,
		})
	}
	table.Render()
}

// planView gives normalized steps the same flat JSON shape estimates use.
func planView(plan model.Plan) []model.CostEstimate {
	steps := make([]model.CostEstimate, 0, len(plan))
	for _, step := range plan {
		steps = append(steps, model.CostEstimate{FirstStep: step})
	}
	return steps
}

func runEstimate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	failOn, _ := cmd.Flags().GetString("fail-on")
	if err := validateFailOn(failOn); err != nil {
		return err
	}
	statements, err := readStatements(cmd)
	if err != nil {
		return err
	}
	planPath, _ := cmd.Flags().GetString("plan")
	if planPath != "" && len(statements) != 1 {
		return fmt.Errorf("--plan estimates exactly one statement, got %d", len(statements))
	}

	resolver, err := loadResolver(cfg.Stats)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var explainer estimator.Explainer = offlineExplainer{}
	if planPath == "" {
		r, err := openRunner(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()
		explainer = r
	}

	rec := metrics.NewPrometheusRecorder()
	est := estimator.New(explainer, resolver,
		estimator.WithLogger(logger.With().Str("component", "estimator").Logger()),
		estimator.WithMetrics(rec),
	)

	var results []estimator.Result
	if planPath != "" {
		results, err = estimateFromPlan(ctx, est, planPath, statements[0])
	} else {
		results, err = est.EstimateAll(ctx, statements, cfg.Concurrency)
	}
	if err != nil {
		return err
	}

	source, _ := cmd.Flags().GetString("sql")
	rep := report.Build(source, results, cfg.Insights)
	sum := rep.Summary()
	logger.Info().
		Str("report", rep.ID).
		Int("statements", sum.Statements).
		Int("failed", sum.Failed).
		Int64("total_cost", sum.TotalCost).
		Msg("estimation finished")

	if savePath, _ := cmd.Flags().GetString("save"); savePath != "" {
		if err := rep.Save(savePath); err != nil {
			return err
		}
	}
	if cfg.Metrics.Textfile != "" {
		if err := rec.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
	}
	if err := renderReport(cmd, rep); err != nil {
		return err
	}
	return checkFailOn(rep, failOn)
}

func estimateFromPlan(ctx context.Context, est *estimator.Estimator, planPath, stmt string) ([]estimator.Result, error) {
	file, err := os.Open(planPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", planPath, err)
	}
	defer func() { _ = file.Close() }()

	plan, err := parser.ParsePlan(file)
	if err != nil {
		return nil, err
	}
	cost, err := est.Estimate(ctx, plan, stmt, estimator.Options{})
	return []estimator.Result{{Index: 0, SQL: stmt, Estimate: cost, Err: err}}, nil
}

// offlineExplainer backs --plan runs, where no database is available for forced-key retries.
type offlineExplainer struct{}

func (offlineExplainer) Explain(context.Context, string) (model.Plan, error) {
	return nil, errors.New("possible-key check needs a database connection; rerun with --dsn")
}

func loadResolver(cfg config.StatsConfig) (*stats.Resolver, error) {
	manual, err := stats.LoadSnapshot(cfg.Manual)
	if err != nil {
		return nil, fmt.Errorf("manual stats: %w", err)
	}
	dump, err := stats.LoadSnapshot(cfg.Dump)
	if err != nil {
		return nil, fmt.Errorf("dump stats: %w", err)
	}
	fuzzed, err := stats.LoadFuzzedSnapshot(cfg.Fuzzed)
	if err != nil {
		return nil, fmt.Errorf("fuzzed stats: %w", err)
	}
	return stats.NewResolver(manual, dump, fuzzed), nil
}

func validateFailOn(level string) error {
	switch insight.Severity(level) {
	case "", insight.SeverityWarning, insight.SeverityCritical:
		return nil
	default:
		return fmt.Errorf("unknown --fail-on %q (expected warning or critical)", level)
	}
}

func checkFailOn(rep *report.Report, level string) error {
	if level == "" {
		return nil
	}
	sum := rep.Summary()
	hits := sum.Critical
	if insight.Severity(level) == insight.SeverityWarning {
		hits += sum.Warnings
	}
	if hits > 0 {
		return fmt.Errorf("%d statement(s) at or above %s", hits, level)
	}
	return nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	if _, _, err := loadConfig(cmd); err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	if input == "" {
		return fmt.Errorf("--input is required")
	}
	rep, err := report.Load(input)
	if err != nil {
		return err
	}
	return renderReport(cmd, rep)
}

func renderReport(cmd *cobra.Command, rep *report.Report) (err error) {
	flags := cmd.Flags()
	mode, _ := flags.GetString("mode")
	outPath, _ := flags.GetString("out")
	title, _ := flags.GetString("title")
	color, _ := flags.GetBool("color")
	showInsights, _ := flags.GetBool("insights")
	includeCSS, _ := flags.GetBool("css")

	target := io.Writer(os.Stdout)
	if outPath != "" {
		file, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() {
			if cerr := file.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		target = file
		color = false
	}

	switch mode {
	case "tui":
		return tui.Render(target, rep, tui.Options{
			EnableColor:  color,
			ShowInsights: showInsights,
		})
	case "html":
		return html.Render(target, rep, html.Options{
			Title:         title,
			IncludeStyles: includeCSS,
		})
	case "json":
		return rep.Write(target)
	default:
		return fmt.Errorf("unknown mode %q (expected tui, html or json)", mode)
	}
}

func runDiff(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	basePath, _ := flags.GetString("base")
	targetPath, _ := flags.GetString("target")
	format, _ := flags.GetString("format")
	output, _ := flags.GetString("out")
	if basePath == "" || targetPath == "" {
		return fmt.Errorf("--base and --target are required")
	}

	base, err := report.Load(basePath)
	if err != nil {
		return fmt.Errorf("load base: %w", err)
	}
	target, err := report.Load(targetPath)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}

	opts := diff.OptionsFrom(cfg.Diff)
	if flags.Changed("min-delta") {
		opts.MinDelta, _ = flags.GetInt64("min-delta")
	}
	if flags.Changed("min-percent") {
		opts.MinPercentChange, _ = flags.GetFloat64("min-percent")
	}
	if flags.Changed("limit") {
		opts.MaxItems, _ = flags.GetInt("limit")
	}

	result, err := diff.Compare(base, target, opts)
	if err != nil {
		return err
	}

	switch format {
	case "md", "markdown":
		return writeOutput(output, []byte(result.Markdown()))
	case "json":
		payload, err := result.JSON()
		if err != nil {
			return err
		}
		return writeOutput(output, append(payload, '\n'))
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	short, _ := cmd.Flags().GetBool("short")

	v, meta := resolveVersion()
	if short {
		fmt.Println(v)
		return nil
	}
	if meta != "" {
		fmt.Printf("rowcost %s (%s)\n", v, meta)
	} else {
		fmt.Printf("rowcost %s\n", v)
	}
	return nil
}

func resolveVersion() (string, string) {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}

	var commit, buildTime string
	var dirty bool
	if info, ok := debug.ReadBuildInfo(); ok {
		if (v == "dev" || v == "(devel)") &&
			info.Main.Version != "" &&
			info.Main.Version != "(devel)" &&
			!strings.HasPrefix(info.Main.Version, "v0.0.0-") {
			v = info.Main.Version
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				buildTime = setting.Value
			case "vcs.modified":
				dirty = setting.Value == "true"
			}
		}
	}

	var details []string
	if commit != "" {
		short := commit
		if len(short) > 12 {
			short = short[:12]
		}
		if dirty {
			short += "*"
			dirty = false
		}
		details = append(details, fmt.Sprintf("commit %s", short))
	}
	if buildTime != "" {
		details = append(details, fmt.Sprintf("built %s", buildTime))
	}
	if dirty {
		details = append(details, "modified workspace")
	}

	return v, strings.Join(details, ", ")
}

func writeOutput(path string, payload []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(payload)
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func indentJSON(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return nil, fmt.Errorf("indent json: %w", err)
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}
