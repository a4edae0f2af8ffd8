package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"odwatch/internal/aggregate"
	"odwatch/internal/chart"
	"odwatch/internal/dataset"
	"odwatch/internal/export"
	"odwatch/internal/series"
)

// RootOptions holds global flags for all odseries commands.
type RootOptions struct {
	Source  string
	Timeout time.Duration
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the odseries CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "odseries",
		Short: "Inspect overdose death series from a CSV export",
		Long: `Load a drug overdose CSV export from a file or URL, aggregate it by
indicator and month, and print or export a single indicator's series.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Source == "" {
				return fmt.Errorf("--source is required")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Source, "source", "s", os.Getenv("DATASET_SOURCE"), "CSV file path or http(s) URL")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", time.Minute, "fetch timeout for URL sources")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewIndicatorsCommand(opts))
	cmd.AddCommand(NewSeriesCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadResult fetches and aggregates the configured source once.
func loadResult(ctx context.Context, opts *RootOptions) (*aggregate.Result, error) {
	src := dataset.NewSource(opts.Source, opts.Timeout)
	rows, err := src.Rows(ctx)
	if err != nil {
		return nil, err
	}
	return aggregate.Aggregate(rows)
}

// NewIndicatorsCommand creates the indicators command.
func NewIndicatorsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "indicators",
		Short: "List the indicators present in the dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := loadResult(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, map[string]any{
					"indicators": res.Indicators,
					"default":    series.DefaultIndicator(res.Indicators),
					"stats":      res.Stats,
				})
			}
			for _, name := range res.Indicators {
				fmt.Fprintln(out, name)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d rows, %d accepted, %d skipped\n",
				res.Stats.Rows, res.Stats.Accepted, res.Stats.SkippedTotal())
			return nil
		},
	}
}

type seriesOptions struct {
	indicator string
	pngPath   string
	xlsxPath  string
}

// NewSeriesCommand creates the series command.
func NewSeriesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &seriesOptions{}

	cmd := &cobra.Command{
		Use:   "series",
		Short: "Print one indicator's monthly series",
		Long: `Print the monthly totals of one indicator in chronological order.

Without --indicator the first indicator whose name mentions "all" is used.
--png and --xlsx additionally write the chart and the spreadsheet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeries(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.indicator, "indicator", "i", "", "indicator name (default: the \"all\" indicator)")
	cmd.Flags().StringVar(&opts.pngPath, "png", "", "write the chart to this PNG file")
	cmd.Flags().StringVar(&opts.xlsxPath, "xlsx", "", "write the series to this XLSX file")

	return cmd
}

func runSeries(cmd *cobra.Command, rootOpts *RootOptions, opts *seriesOptions) error {
	res, err := loadResult(cmd.Context(), rootOpts)
	if err != nil {
		return err
	}
	view := series.NewView(res, opts.indicator)

	if opts.pngPath != "" {
		if err := writeArtifact(opts.pngPath, func(w io.Writer) error {
			return chart.RenderPNG(w, view, chart.DefaultSize)
		}); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
	}
	if opts.xlsxPath != "" {
		if err := writeArtifact(opts.xlsxPath, func(w io.Writer) error {
			return export.WriteXLSX(w, view)
		}); err != nil {
			return fmt.Errorf("write spreadsheet: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if rootOpts.Format == "json" {
		return writeJSON(out, view)
	}

	fmt.Fprintf(out, "%s\n\n", view.Indicator)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "MONTH\tNAME\tTOTAL\tROWS\t")
	for _, p := range view.Points {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t\n", p.MonthKey, p.MonthName, formatTotal(p.Total), p.Count)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d months, total %s\n", view.Summary.PointCount, formatTotal(view.Summary.GrandTotal))
	return nil
}

// writeArtifact renders into memory first so a failed render leaves no
// partial file behind.
func writeArtifact(path string, render func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTotal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
