package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KanavDutta/tollgate/api"
)

var (
	checkServer string
	checkKey    string
	checkRoute  string
	checkCount  int
	checkDelay  time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask a running service for admission decisions",
	Long: `Send one or more POST /check requests to a running tollgate service and
print each decision.

Examples:
  tollgate check --key user-123
  tollgate check --key user-123 --route /check/login --count 25 --delay 50ms`,
	RunE: runCheck,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and print the effective policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if cfg.Redis.Addr != "" {
			if err := checkRedisRoutes(cfg.Redis.Prefix, sortedRoutes(cfg.Policies)); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "default: capacity=%d refill_interval=%s\n", cfg.Defaults.Capacity, cfg.Defaults.RefillInterval)
		for _, route := range sortedRoutes(cfg.Policies) {
			p := cfg.Policies[route]
			if p.Disabled {
				fmt.Fprintf(out, "%s: disabled\n", route)
				continue
			}
			fmt.Fprintf(out, "%s: capacity=%d refill_interval=%s\n", route, p.Capacity, p.RefillInterval)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd, validateCmd)

	f := checkCmd.Flags()
	f.StringVar(&checkServer, "server", "http://localhost:8080", "Base URL of the tollgate service")
	f.StringVar(&checkKey, "key", "", "Key to check (user ID, API key, IP)")
	f.StringVar(&checkRoute, "route", "", "Route whose policy applies")
	f.IntVarP(&checkCount, "count", "n", 1, "Number of requests to send")
	f.DurationVar(&checkDelay, "delay", 0, "Pause between requests")
	_ = checkCmd.MarkFlagRequired("key")
}

func runCheck(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	url := strings.TrimRight(checkServer, "/") + "/check"
	out := cmd.OutOrStdout()

	for i := 1; i <= checkCount; i++ {
		resp, err := postCheck(cmd.Context(), client, url, api.CheckRequest{Key: checkKey, Route: checkRoute})
		if err != nil {
			return err
		}

		if resp.Allowed {
			fmt.Fprintf(out, "request %2d: allowed (%d/%d remaining)\n", i, resp.Remaining, resp.Limit)
		} else {
			fmt.Fprintf(out, "request %2d: denied  (retry after %dms)\n", i, resp.RetryAfterMs)
		}

		if checkDelay > 0 && i < checkCount {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(checkDelay):
			}
		}
	}
	return nil
}

func postCheck(ctx context.Context, client *http.Client, url string, req api.CheckRequest) (*api.CheckResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("check request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusTooManyRequests {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s: %s", httpResp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("server returned %d", httpResp.StatusCode)
	}

	var resp api.CheckResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &resp, nil
}
