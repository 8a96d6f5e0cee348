// Command paynotifyctl is the operator CLI for the payment notification
// service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"paynotify/internal/buildinfo"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paynotifyctl",
		Short:         "Operate the payment notification service",
		Version:       buildinfo.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("api", envOr("PAYNOTIFY_API", "http://localhost:8080"), "service base URL")

	root.AddCommand(signCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(dlqCmd())
	root.AddCommand(tailCmd())
	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
