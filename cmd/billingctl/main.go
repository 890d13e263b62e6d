// Command billingctl is an operator tool for the billing service: it triggers
// reconciliation, inspects refunds and signs test gateway callbacks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the wax hands billing service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("url", envOr("BILLING_URL", "http://localhost:8080"), "billing service base URL")
	root.PersistentFlags().String("token", os.Getenv("BILLING_TOKEN"), "admin bearer token")
	root.PersistentFlags().Duration("timeout", defaultTimeout, "request timeout")

	root.AddCommand(reconcileCmd())
	root.AddCommand(refundStatusCmd())
	root.AddCommand(signCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
