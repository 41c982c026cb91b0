package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabstir/host-agent/internal/agent"
	"github.com/fabstir/host-agent/internal/config"
)

const defaultAPIURL = "http://127.0.0.1:8888"

// apiClient talks to a running agent's management API.
type apiClient struct {
	base string
	key  string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	if base == "" {
		base = defaultAPIURL
	}
	return &apiClient{
		base: base,
		key:  os.Getenv(config.EnvAPIKey),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return withCode(exitNetwork, fmt.Errorf("agent not reachable at %s: %w (is `host-agent serve` running?)", c.base, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			code := exitUnexpected
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				code = exitAuth
			case http.StatusBadRequest:
				code = exitValidation
			}
			return withCode(code, fmt.Errorf("%s", e.Error))
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL string
		daemon bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the inference process",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)
			var info struct {
				PID    int    `json:"pid"`
				Port   int    `json:"port"`
				Status string `json:"status"`
			}
			if err := client.do(http.MethodPost, "/api/start", map[string]bool{"daemon": daemon}, &info); err != nil {
				return err
			}
			if flags.jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inference running (pid %d, port %d)\n", info.PID, info.Port)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "detach the inference process from the agent")
	return cmd
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the inference process",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)
			if err := client.do(http.MethodPost, "/api/stop", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Inference stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the full agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)
			var info agent.StatusInfo
			if err := client.do(http.MethodGet, "/api/status", nil, &info); err != nil {
				return err
			}
			if flags.jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			printStatus(cmd, info, verbose)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "include per-endpoint health and balances")
	return cmd
}

// newInfoCmd prints the short identity block: who this node is and where it
// lives, without the operational detail of `status`.
func newInfoCmd(flags *globalFlags) *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show node identity and network",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)
			var info agent.StatusInfo
			if err := client.do(http.MethodGet, "/api/status", nil, &info); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOut {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"version":  version,
					"network":  info.Network,
					"chain_id": info.ChainID,
					"address":  info.Address,
					"url":      info.RegisteredURL,
				})
			}
			fmt.Fprintf(out, "host-agent %s\n", version)
			fmt.Fprintf(out, "Network:  %s (chain %d)\n", info.Network, info.ChainID)
			if info.Address != "" {
				fmt.Fprintf(out, "Operator: %s\n", info.Address)
			}
			if info.RegisteredURL != "" {
				fmt.Fprintf(out, "URL:      %s\n", info.RegisteredURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	return cmd
}

func printStatus(cmd *cobra.Command, info agent.StatusInfo, verbose bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Network:        %s (chain %d)\n", info.Network, info.ChainID)
	if info.Address != "" {
		fmt.Fprintf(out, "Operator:       %s\n", info.Address)
	} else {
		fmt.Fprintln(out, "Operator:       not authenticated")
	}
	fmt.Fprintf(out, "Registered:     %v", info.Registered)
	if info.RegisteredURL != "" {
		fmt.Fprintf(out, " (%s)", info.RegisteredURL)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Requirements:   met=%v", info.Requirements.Met)
	for _, r := range info.Requirements.Reasons {
		fmt.Fprintf(out, "\n                - %s", r)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Inference:      %s (pid %d)\n", info.Process.Status, info.Process.PID)
	fmt.Fprintf(out, "Sessions:       %d live, %d tokens total, %d checkpoints pending\n",
		info.Sessions.Sessions, info.Sessions.TotalTokens, info.Sessions.Pending)
	fmt.Fprintf(out, "Chain breaker:  %s, %d txs queued\n", info.Breaker, info.PendingTxs)
	if !verbose {
		return
	}
	for _, ep := range info.Endpoints {
		mark := " "
		if ep.Active {
			mark = "*"
		}
		fmt.Fprintf(out, "  %s %s healthy=%v failures=%d\n", mark, ep.URL, ep.Healthy, ep.Failures)
	}
	if len(info.Balances) > 0 {
		fmt.Fprintf(out, "Balances:       native=%s wei, fab=%s, staked=%s\n",
			info.Balances["native"], info.Balances["fab"], info.Balances["staked"])
	}
}
