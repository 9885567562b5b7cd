package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/auth"
	grpcserver "github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/grpc/server"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/grpc/tls"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcp-gateway-ctl",
		Short:         "Operator utility for the MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newStoreCommand())
	cmd.AddCommand(newHashKeyCommand())
	cmd.AddCommand(newHealthCommand())
	cmd.AddCommand(newCertsCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to use as admin.api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	var (
		addr       string
		service    string
		timeout    time.Duration
		tlsCfg     tls.Config
		serverName string
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gateway's gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := tls.DialOption(tlsCfg, serverName)
			if err != nil {
				return err
			}
			conn, err := grpc.NewClient(addr, creds)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GetStatus().String())
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("gateway is %s", resp.GetStatus())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:32123", "gRPC health server address")
	cmd.Flags().StringVar(&service, "service", grpcserver.ServiceName, "Service name to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	cmd.Flags().BoolVar(&tlsCfg.Enabled, "tls", false, "Use TLS")
	cmd.Flags().StringVar(&tlsCfg.CAFile, "ca-file", "", "CA certificate for verifying the server")
	cmd.Flags().StringVar(&tlsCfg.CertFile, "cert-file", "", "Client certificate for mutual TLS")
	cmd.Flags().StringVar(&tlsCfg.KeyFile, "key-file", "", "Client key for mutual TLS")
	cmd.Flags().StringVar(&serverName, "server-name", "", "Override the TLS server name")
	return cmd
}
