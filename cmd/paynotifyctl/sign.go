package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"paynotify/internal/webhooks"
)

// errMismatch makes verify exit non-zero.
var errMismatch = errors.New("signature mismatch")

func signCmd() *cobra.Command {
	var secret, file string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the X-Signature header value for a body",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, file)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), webhooks.SignatureHeader(secret, body))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "subscription secret")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "body file (- for stdin)")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func verifyCmd() *cobra.Command {
	var secret, file, signature string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a received body against its X-Signature header",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, file)
			if err != nil {
				return err
			}
			if !webhooks.Verify(secret, body, signature) {
				return errMismatch
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "subscription secret")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "body file (- for stdin)")
	cmd.Flags().StringVar(&signature, "signature", "", "X-Signature header value")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

// readBody returns the exact bytes; signatures cover them verbatim.
func readBody(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}
