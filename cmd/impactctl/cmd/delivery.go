package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/impact_relay/internal/delivery"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and create deliveries",
	Long:  `List, inspect and create impact report deliveries, and show their attempt timeline.`,
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries",
	Long: `List deliveries matching the given filters.

Example:
  impactctl delivery list --platform benevity --status FAILED,EXHAUSTED`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, name := range []string{"tenant", "platform", "period", "status"} {
			if v, _ := cmd.Flags().GetString(name); v != "" {
				key := name
				if name == "tenant" {
					key = "tenant_id"
				}
				q.Set(key, v)
			}
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}

		var resp struct {
			Deliveries []delivery.Delivery `json:"deliveries"`
			Count      int                 `json:"count"`
		}
		if err := callAPI(cmd.Context(), "GET", "/deliveries", q, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}

		out := cmd.OutOrStdout()
		if resp.Count == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTENANT\tPLATFORM\tPERIOD\tSTATUS\tATTEMPTS\tNEXT ATTEMPT")
		for _, d := range resp.Deliveries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				d.ID, d.TenantID, d.Platform, d.Period, d.Status, d.AttemptCount, d.MaxAttempts, formatTime(d.NextAttemptAt))
		}
		return tw.Flush()
	},
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get [delivery-id]",
	Short: "Show one delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d delivery.Delivery
		if err := callAPI(cmd.Context(), "GET", "/deliveries/"+url.PathEscape(args[0]), nil, nil, &d); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, d)
		}
		printDelivery(cmd, d)
		return nil
	},
}

var deliveryCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a delivery for a tenant, platform and period",
	Long: `Register a new delivery. It becomes due immediately.

Example:
  impactctl delivery create --tenant acme --platform goodera --period 2026-Q3`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		platform, _ := cmd.Flags().GetString("platform")
		period, _ := cmd.Flags().GetString("period")
		readyAt, _ := cmd.Flags().GetString("ready-at")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		body := map[string]any{"tenant_id": tenant, "platform": platform, "period": period}
		if readyAt != "" {
			body["ready_at"] = readyAt
		}
		if maxAttempts > 0 {
			body["max_attempts"] = maxAttempts
		}

		var d delivery.Delivery
		if err := callAPI(cmd.Context(), "POST", "/deliveries", nil, body, &d); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created delivery %s\n", d.ID)
		printDelivery(cmd, d)
		return nil
	},
}

var deliveryTimelineCmd = &cobra.Command{
	Use:   "timeline [delivery-id]",
	Short: "Show the attempts and replays of a delivery in order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if len(args) == 1 {
			q.Set("delivery_id", args[0])
		}
		for flag, key := range map[string]string{"tenant": "tenant_id", "platform": "platform", "from": "from", "to": "to"} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				q.Set(key, v)
			}
		}

		var resp struct {
			Events []delivery.TimelineEvent `json:"events"`
		}
		if err := callAPI(cmd.Context(), "GET", "/delivery-timeline", q, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}

		out := cmd.OutOrStdout()
		if len(resp.Events) == 0 {
			fmt.Fprintln(out, "No events found")
			return nil
		}
		for _, e := range resp.Events {
			fmt.Fprintf(out, "%s  cycle %d  %s\n", formatTime(&e.At), e.Cycle, describeEvent(e))
		}
		return nil
	},
}

func describeEvent(e delivery.TimelineEvent) string {
	switch {
	case e.Attempt != nil:
		a := e.Attempt
		s := fmt.Sprintf("attempt %d via %s: %s", a.AttemptNumber, a.Source, a.Outcome)
		if a.HTTPStatus > 0 {
			s += fmt.Sprintf(" (HTTP %d)", a.HTTPStatus)
		}
		if a.ErrorDetail != "" {
			s += " " + a.ErrorDetail
		}
		return s
	case e.Replay != nil:
		r := e.Replay
		s := fmt.Sprintf("replay by %s from %s", r.InitiatedBy, r.PreviousStatus)
		if r.Reason != "" {
			s += ": " + r.Reason
		}
		return s
	default:
		return e.Kind
	}
}

func printDelivery(cmd *cobra.Command, d delivery.Delivery) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  ID: %s\n", d.ID)
	fmt.Fprintf(out, "  Tenant: %s\n", d.TenantID)
	fmt.Fprintf(out, "  Platform: %s\n", d.Platform)
	fmt.Fprintf(out, "  Period: %s\n", d.Period)
	fmt.Fprintf(out, "  Status: %s\n", d.Status)
	fmt.Fprintf(out, "  Attempts: %d/%d (cycle %d)\n", d.AttemptCount, d.MaxAttempts, d.Cycle)
	fmt.Fprintf(out, "  Ready: %s\n", formatTime(&d.ReadyAt))
	if d.NextAttemptAt != nil {
		fmt.Fprintf(out, "  Next attempt: %s\n", formatTime(d.NextAttemptAt))
	}
	if d.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", formatTime(d.CompletedAt))
	}
	if d.LastError != nil {
		fmt.Fprintf(out, "  Last error: %s\n", strings.TrimSpace(d.LastError.Message))
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryListCmd, deliveryGetCmd, deliveryCreateCmd, deliveryTimelineCmd)

	deliveryListCmd.Flags().String("tenant", "", "filter by tenant id")
	deliveryListCmd.Flags().String("platform", "", "filter by platform")
	deliveryListCmd.Flags().String("period", "", "filter by reporting period")
	deliveryListCmd.Flags().String("status", "", "filter by status, comma separated")
	deliveryListCmd.Flags().Int("limit", 0, "maximum number of deliveries")

	deliveryCreateCmd.Flags().String("tenant", "", "tenant id")
	deliveryCreateCmd.Flags().String("platform", "", "target platform (benevity, goodera, yourcause)")
	deliveryCreateCmd.Flags().String("period", "", "reporting period, e.g. 2026-Q3")
	deliveryCreateCmd.Flags().String("ready-at", "", "RFC3339 time the report became ready (default now)")
	deliveryCreateCmd.Flags().Int("max-attempts", 0, "attempt budget (default per platform)")
	_ = deliveryCreateCmd.MarkFlagRequired("tenant")
	_ = deliveryCreateCmd.MarkFlagRequired("platform")
	_ = deliveryCreateCmd.MarkFlagRequired("period")

	deliveryTimelineCmd.Flags().String("tenant", "", "timeline of every delivery of a tenant")
	deliveryTimelineCmd.Flags().String("platform", "", "timeline of every delivery to a platform")
	deliveryTimelineCmd.Flags().String("from", "", "RFC3339 lower bound")
	deliveryTimelineCmd.Flags().String("to", "", "RFC3339 upper bound")
}
