package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/impact_relay/internal/replay"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reset deliveries so the scheduler sends them again",
	Long: `Replay resets deliveries to PENDING with a fresh attempt budget. Previous
attempts stay in the timeline. Deliveries with an attempt in progress are
skipped.`,
}

var replayOneCmd = &cobra.Command{
	Use:   "one [delivery-id]",
	Short: "Replay a single delivery",
	Long: `Replay a single delivery.

Example:
  impactctl replay one dlv_01J... --reason "partner endpoint fixed"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := replayFlags(cmd)
		var res replay.Result
		if err := callAPI(cmd.Context(), "POST", "/deliveries/"+url.PathEscape(args[0])+"/replay", nil, body, &res); err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

var replayBulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Replay every delivery matching a filter",
	Long: `Replay every delivery matching a filter. At least one filter is required.

Example:
  impactctl replay bulk --platform yourcause --period-from 2026-Q1 --period-to 2026-Q2 --status FAILED`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := replayFlags(cmd)
		addFilterFlags(cmd, body)
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			body["statuses"] = strings.Split(s, ",")
		}
		var res replay.Result
		if err := callAPI(cmd.Context(), "POST", "/deliveries/bulk-replay", nil, body, &res); err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

var replayFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Replay every FAILED or EXHAUSTED delivery",
	Long: `Replay every FAILED or EXHAUSTED delivery, optionally narrowed by tenant,
platform or period.

Example:
  impactctl replay failed --platform benevity --reason "after outage"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body := replayFlags(cmd)
		addFilterFlags(cmd, body)
		var res replay.Result
		if err := callAPI(cmd.Context(), "POST", "/deliveries/retry-all-failed", nil, body, &res); err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

func replayFlags(cmd *cobra.Command) map[string]any {
	reason, _ := cmd.Flags().GetString("reason")
	reuse, _ := cmd.Flags().GetBool("reuse-snapshot")
	return map[string]any{"reason": reason, "reuse_snapshot": reuse}
}

func addFilterFlags(cmd *cobra.Command, body map[string]any) {
	for flag, key := range map[string]string{
		"tenant":      "tenant_id",
		"platform":    "platform",
		"period-from": "period_from",
		"period-to":   "period_to",
	} {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			body[key] = v
		}
	}
}

func printResult(cmd *cobra.Command, res replay.Result) error {
	if outputJSON {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Matched %d, replayed %d, skipped %d\n", res.Matched, res.Replayed, res.Skipped)
	for _, id := range res.ReplayedIDs {
		fmt.Fprintf(out, "  replayed %s\n", id)
	}
	for _, s := range res.SkippedIDs {
		fmt.Fprintf(out, "  skipped  %s (%s)\n", s.ID, s.Reason)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.AddCommand(replayOneCmd, replayBulkCmd, replayFailedCmd)

	for _, c := range []*cobra.Command{replayOneCmd, replayBulkCmd, replayFailedCmd} {
		c.Flags().String("reason", "", "reason recorded in the replay audit")
		c.Flags().Bool("reuse-snapshot", false, "resend the last payload snapshot instead of rebuilding it")
	}
	for _, c := range []*cobra.Command{replayBulkCmd, replayFailedCmd} {
		c.Flags().String("tenant", "", "only deliveries of this tenant")
		c.Flags().String("platform", "", "only deliveries to this platform")
		c.Flags().String("period-from", "", "first reporting period, inclusive")
		c.Flags().String("period-to", "", "last reporting period, inclusive")
	}
	replayBulkCmd.Flags().String("status", "", "only these statuses, comma separated")
}
