package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/impact_relay/internal/confirm"
	"github.com/austindbirch/impact_relay/internal/signature"
)

// confirmCmd sends a signed partner confirmation, the way a platform would.
var confirmCmd = &cobra.Command{
	Use:   "confirm [platform] [external-ref]",
	Short: "Send a signed partner confirmation to the webhook",
	Long: `Send a signed confirmation for a delivery as the partner platform would.
Useful to test webhook wiring and secrets.

Example:
  impactctl confirm benevity dlv_01J... --status delivered --secret $BENEVITY_SECRET`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		detail, _ := cmd.Flags().GetString("detail")
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			return fmt.Errorf("--secret is required")
		}

		body, sig, ts, err := confirm.Sign(secret, confirm.Body{ExternalRef: args[1], Status: status, Detail: detail}, time.Now())
		if err != nil {
			return err
		}
		respBody, code, err := postWebhook(cmd.Context(), strings.ToLower(args[0]), body, sig, ts)
		if err != nil {
			return err
		}
		if code >= 400 {
			return &apiError{Status: code, Message: strings.TrimSpace(string(respBody))}
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(respBody)))
		return nil
	},
}

func postWebhook(ctx context.Context, platform string, body []byte, sig, ts string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := strings.TrimRight(serverURL, "/") + "/webhooks/" + url.PathEscape(platform)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.DefaultSignatureHeader, sig)
	req.Header.Set(signature.DefaultTimestampHeader, ts)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return raw, resp.StatusCode, err
}

func init() {
	rootCmd.AddCommand(confirmCmd)
	confirmCmd.Flags().String("status", "delivered", "partner status: delivered, accepted, rejected, failed")
	confirmCmd.Flags().String("detail", "", "free text detail from the partner")
	confirmCmd.Flags().String("secret", "", "platform signing secret")
}
