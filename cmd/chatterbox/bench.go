package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/chatterbox-api/internal/bench"
)

func newBenchCmd() *cobra.Command {
	var (
		addr         string
		text         string
		reference    string
		fields       map[string]string
		runs         int
		concurrency  int
		format       string
		rtfThreshold float64
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark generation latency and realtime factor of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required for bench")
			}
			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}
			if addr == "" {
				addr = probeAddr(cfg.Server.ListenAddr)
			}

			results, err := bench.Run(cmd.Context(), bench.Options{
				BaseURL:     "http://" + addr + cfg.Server.BasePath,
				Text:        text,
				Reference:   reference,
				Fields:      fields,
				Runs:        runs,
				Concurrency: concurrency,
				HTTPClient:  &http.Client{Timeout: timeout},
			})
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(results)
			out := cmd.OutOrStdout()

			switch format {
			case "json":
				if err := bench.FormatJSON(results, stats, out); err != nil {
					return err
				}
			default:
				bench.FormatTable(results, stats, out)
			}

			return bench.CheckRTFThreshold(stats.MeanRTF, rtfThreshold)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP server address (defaults to the configured listen address)")
	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize for each run (required)")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference voice from the server library")
	cmd.Flags().StringToStringVar(&fields, "param", nil, "Extra generation parameter, e.g. --param seed=42")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of generation requests")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Requests in flight at once")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Per-request timeout")

	return cmd
}
