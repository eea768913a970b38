package cmd

import (
	"fmt"
	"net/url"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/impact_relay/internal/sla"
)

// slaCmd represents the sla command
var slaCmd = &cobra.Command{
	Use:   "sla",
	Short: "Check SLA compliance",
}

var slaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "SLA classification of deliveries ready in the last 24 hours",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rep sla.Report
		if err := callAPI(cmd.Context(), "GET", "/sla-status", nil, nil, &rep); err != nil {
			return err
		}
		return printReport(cmd, rep)
	},
}

var slaReportCmd = &cobra.Command{
	Use:   "report",
	Short: "SLA compliance over a window",
	Long: `SLA compliance over a window, broken down by platform and tenant.

Examples:
  impactctl sla report --window 7d
  impactctl sla report --from 2026-09-01T00:00:00Z --to 2026-10-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"window", "from", "to"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				q.Set(name, v)
			}
		}
		var rep sla.Report
		if err := callAPI(cmd.Context(), "GET", "/sla-report", q, nil, &rep); err != nil {
			return err
		}
		return printReport(cmd, rep)
	},
}

func printReport(cmd *cobra.Command, rep sla.Report) error {
	if outputJSON {
		return printJSON(cmd, rep)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Window: %s .. %s\n\n", formatTime(&rep.Window.From), formatTime(&rep.Window.To))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tTOTAL\tON TIME\tAT RISK\tBREACHED\tON TIME %")
	row := func(scope string, c sla.Counts) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f\n", scope, c.Total, c.OnTime, c.AtRisk, c.Breached, c.OnTimePct)
	}
	row("overall", rep.Overall)
	for _, k := range sortedKeys(rep.ByPlatform) {
		row("platform "+k, rep.ByPlatform[k])
	}
	for _, k := range sortedKeys(rep.ByTenant) {
		row("tenant "+k, rep.ByTenant[k])
	}
	return tw.Flush()
}

func sortedKeys(m map[string]sla.Counts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(slaCmd)
	slaCmd.AddCommand(slaStatusCmd, slaReportCmd)

	slaReportCmd.Flags().String("window", "", "window ending now, e.g. 24h or 7d")
	slaReportCmd.Flags().String("from", "", "RFC3339 window start")
	slaReportCmd.Flags().String("to", "", "RFC3339 window end (default now)")
}
