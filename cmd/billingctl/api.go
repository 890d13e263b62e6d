package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlexeiFed/waxhands-sub007/pkg/httpclient"
	"github.com/AlexeiFed/waxhands-sub007/pkg/httputil"
)

const defaultTimeout = 30 * time.Second

// apiClient calls the billing HTTP API with an admin token.
type apiClient struct {
	base  string
	token string
	http  *httpclient.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	base, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid --url %q: %w", base, err)
	}
	if token == "" {
		return nil, fmt.Errorf("an admin token is required (--token or BILLING_TOKEN)")
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, http: httpclient.New(cfg)}, nil
}

// call sends a request and decodes the data part of the response envelope into out.
func (c *apiClient) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Data  json.RawMessage         `json:"data"`
		Error *httputil.ErrorResponse `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s %s: status %d: unexpected body", method, path, resp.StatusCode)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s %s: %s: %s", method, path, envelope.Error.Code, envelope.Error.Message)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var summary map[string]any
			if err := client.call(cmd.Context(), http.MethodPost, "/api/v1/admin/reconcile", &summary); err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}

func refundStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund-status <request-id>",
		Short: "Show the gateway state of a refund request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var status map[string]any
			if err := client.call(cmd.Context(), http.MethodGet, "/api/v1/refunds/"+url.PathEscape(args[0]), &status); err != nil {
				return err
			}
			return printJSON(cmd, status)
		},
	}
}
