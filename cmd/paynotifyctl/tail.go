package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"paynotify/internal/api"
)

func tailCmd() *cobra.Command {
	var subscriptionID string
	var raw bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream delivery results as they finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("api")
			u, err := streamURL(base, subscriptionID)
			if err != nil {
				return err
			}
			c, _, err := websocket.DefaultDialer.Dial(u, nil)
			if err != nil {
				return fmt.Errorf("dial %s: %w", u, err)
			}
			defer func() { _ = c.Close() }()

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			go func() {
				<-interrupt
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = c.Close()
			}()

			out := cmd.OutOrStdout()
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				if raw {
					fmt.Fprintln(out, string(msg))
					continue
				}
				var evt api.StreamEvent
				if err := json.Unmarshal(msg, &evt); err != nil {
					fmt.Fprintln(out, string(msg))
					continue
				}
				fmt.Fprintln(out, formatResult(evt))
			}
		},
	}
	cmd.Flags().StringVar(&subscriptionID, "subscription", "", "only show results for this subscription id")
	cmd.Flags().BoolVar(&raw, "raw", false, "print each message as received")
	return cmd
}

// streamURL maps the http(s) API base to the websocket stream endpoint.
func streamURL(base, subscriptionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api scheme %q", u.Scheme)
	}
	u.Path += "/v1/admin/deliveries/stream"
	if subscriptionID != "" {
		u.RawQuery = url.Values{"subscriptionId": {subscriptionID}}.Encode()
	}
	return u.String(), nil
}

func formatResult(evt api.StreamEvent) string {
	r := evt.Result
	last := ""
	if n := len(r.Attempts); n > 0 {
		a := r.Attempts[n-1]
		last = fmt.Sprintf(" last=%s", a.Outcome)
		if a.StatusCode != 0 {
			last += fmt.Sprintf("/%d", a.StatusCode)
		}
	}
	return fmt.Sprintf("%s %-9s event=%s payment=%s sub=%s attempts=%d%s",
		r.FinishedAt.Format("15:04:05"), r.State, r.EventID, r.PaymentID, r.SubscriptionID, len(r.Attempts), last)
}
