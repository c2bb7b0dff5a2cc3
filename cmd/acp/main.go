// Command acp is the control CLI: it talks to a running acpd over its
// control socket to view status, list and resolve pending asks, and
// inspect audit history.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"acp/internal/action"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "acp",
		Short: "Control client for the egress mediation daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/acp/control.sock", "control socket path")

	root.AddCommand(
		newStatusCmd(&socketPath),
		newAsksCmd(&socketPath),
		newApproveCmd(&socketPath),
		newDenyCmd(&socketPath),
		newHistoryCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func client(socketPath *string) *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", *socketPath)
			},
		},
	}
}

func newStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client(socketPath).Get("http://control/status")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return httpError(resp)
			}

			var status struct {
				Status       string `json:"status"`
				PendingCount int    `json:"pending_count"`
				Uptime       string `json:"uptime"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}
			fmt.Printf("Status:  %s\n", status.Status)
			fmt.Printf("Pending: %d\n", status.PendingCount)
			fmt.Printf("Uptime:  %s\n", status.Uptime)
			return nil
		},
	}
}

func newAsksCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "asks",
		Short: "List pending consent asks",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client(socketPath).Get("http://control/asks")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return httpError(resp)
			}

			var asks []action.PendingAsk
			if err := json.NewDecoder(resp.Body).Decode(&asks); err != nil {
				return err
			}
			if len(asks) == 0 {
				fmt.Println("No pending asks")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOST\tMETHOD\tPORT\tASKED\tDEADLINE")
			for _, a := range asks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					a.Action.Host, a.Action.Method, a.Action.Port,
					a.Asked.Format("15:04:05"), a.Deadline.Format("15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newApproveCmd(socketPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <host>",
		Short: "Manually approve a pending ask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveAsk(socketPath, args[0], "approve", reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func newDenyCmd(socketPath *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deny <host>",
		Short: "Manually deny a pending ask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveAsk(socketPath, args[0], "deny", reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

func resolveAsk(socketPath *string, host, verb, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://control/asks/%s/%s", host, verb)
	resp, err := client(socketPath).Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	fmt.Printf("%s: %sd\n", host, verb)
	return nil
}

func newHistoryCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client(socketPath).Get("http://control/history")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return httpError(resp)
			}

			var entries []action.AuditEntry
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No audit history")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tHOST\tMETHOD\tDECISION\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("15:04:05"), e.Action.Host, e.Action.Method,
					e.Verdict.Decision, e.Verdict.Reason)
			}
			return w.Flush()
		},
	}
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
