package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/impact_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Impact Relay API",
	Long: `Check the HTTP health endpoint of the API. With --grpc the gRPC health
service is queried as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		var st health.Status
		if err := callAPI(cmd.Context(), "GET", "/healthz", nil, nil, &st); err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return err
		}
		fmt.Fprintln(out, "✓ Service is healthy (HTTP)")

		addr, _ := cmd.Flags().GetString("grpc")
		if addr == "" {
			return nil
		}
		service, _ := cmd.Flags().GetString("service")
		status, err := checkGRPC(cmd.Context(), addr, service)
		if err != nil {
			fmt.Fprintf(out, "✗ gRPC health check failed: %v\n", err)
			return err
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			fmt.Fprintf(out, "✗ gRPC status: %s\n", status)
			return fmt.Errorf("service %q is %s", service, status)
		}
		fmt.Fprintln(out, "✓ Service is healthy (gRPC)")
		return nil
	},
}

func checkGRPC(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "gRPC health address, e.g. localhost:50051")
	healthCmd.Flags().String("service", "impactrelay-api", "service name registered with the gRPC health server")
}
