package main

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
)

func newClassifyCmd() *cobra.Command {
	cfg := kronos.DefaultConfig()
	var nowFlag string

	cmd := &cobra.Command{
		Use:   "classify <timestamp>",
		Short: "Print the recency tier of a timestamp (RFC 3339 or epoch milliseconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ts, err := parseTimestamp(args[0])
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			if nowFlag != "" {
				if now, err = parseTimestamp(nowFlag); err != nil {
					return fmt.Errorf("--now: %w", err)
				}
			}

			cut := cfg.Cutoffs(now)
			tier := cut.Classify(ts)
			from, to, _ := cut.Bounds(tier)
			fmt.Fprintf(cmd.OutOrStdout(), "tier: %s\nage:  %s\nspan: %s .. %s\n",
				tier, now.Sub(ts).Round(time.Second), formatBound(from), formatBound(to))
			return nil
		},
	}
	cmd.Flags().StringVar(&nowFlag, "now", "", "Reference time (defaults to the current time)")
	cmd.Flags().IntVar(&cfg.HotWindowHours, "hot-hours", cfg.HotWindowHours, "Hot window in hours")
	cmd.Flags().IntVar(&cfg.WorkingWindowDays, "working-days", cfg.WorkingWindowDays, "Working window in days")
	cmd.Flags().IntVar(&cfg.LongtermWindowDays, "longterm-days", cfg.LongtermWindowDays, "Longterm window in days")
	return cmd
}

// formatBound renders a tier bound, with "*" for an open end.
func formatBound(ms float64) string {
	if math.IsInf(ms, 0) {
		return "*"
	}
	return kronos.FromMillis(ms).UTC().Format(time.RFC3339)
}

func parseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return kronos.FromMillis(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: want RFC 3339 or epoch milliseconds", s)
	}
	return t.UTC(), nil
}
