package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/cert"
)

func newCertsCommand() *cobra.Command {
	var (
		dir     string
		domains []string
		ips     []net.IP
		clients []string
		keyBits int
	)

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Create the CA, server and client certificates for gRPC mutual TLS",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cert.New(dir, &cert.Options{DomainNames: domains, IPAddresses: ips, KeyBits: keyBits})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "grpc.tls.ca_file:   %s\n", svc.CAPath())
			fmt.Fprintf(out, "grpc.tls.cert_file: %s\n", svc.ServerCertPath())
			fmt.Fprintf(out, "grpc.tls.key_file:  %s\n", svc.ServerKeyPath())
			for _, name := range clients {
				certPath, keyPath, err := svc.IssueClientCert(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "client %s: %s %s\n", name, certPath, keyPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "./certs", "Directory holding the certificates")
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "DNS names for the server certificate")
	cmd.Flags().IPSliceVar(&ips, "ip", nil, "IP addresses for the server certificate")
	cmd.Flags().StringSliceVar(&clients, "client", nil, "Client certificate names to issue")
	cmd.Flags().IntVar(&keyBits, "key-bits", 4096, "RSA key size")
	return cmd
}
