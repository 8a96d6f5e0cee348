package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"paynotify/internal/model"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect or replay dead-lettered events",
	}
	cmd.AddCommand(dlqListCmd())
	cmd.AddCommand(dlqReplayCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show dead-lettered envelopes without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api")
			url := strings.TrimRight(base, "/") + "/v1/admin/dlq?limit=" + strconv.Itoa(limit)
			resp, err := httpClient.Get(url)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := readOK(resp)
			if err != nil {
				return err
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			var out struct {
				Items []model.Envelope `json:"items"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT ID\tPAYMENT\tSTATUS\tSUBSCRIPTIONS\tREASON")
			for _, env := range out.Items {
				subs := "all"
				if len(env.SubscriptionIDs) > 0 {
					subs = strings.Join(env.SubscriptionIDs, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", env.Event.EventID, env.Event.PaymentID, env.Event.FinalStatus, subs, env.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum envelopes to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move dead-lettered envelopes back to the delivery queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api")
			payload, _ := json.Marshal(map[string]int{"limit": limit})
			resp, err := httpClient.Post(strings.TrimRight(base, "/")+"/v1/admin/dlq/replay", "application/json", bytes.NewReader(payload))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := readOK(resp)
			if err != nil {
				return err
			}
			var out struct {
				Replayed int `json:"replayed"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d\n", out.Replayed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum envelopes to replay")
	return cmd
}

// readOK returns the body of a 2xx response, or the problem detail as an
// error.
func readOK(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 == 2 {
		return body, nil
	}
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &p) == nil && p.Title != "" {
		return nil, fmt.Errorf("%s: %s (%d)", p.Title, p.Detail, resp.StatusCode)
	}
	return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
}
