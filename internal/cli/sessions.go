package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/gateway"
)

const adminRequestTimeout = 10 * time.Second

// adminClient calls the control surface of a running relay.
type adminClient struct {
	base   string
	secret string
	header string
	http   *retryablehttp.Client
}

func newAdminClient(base string, cfg config.Config) *adminClient {
	auth := gateway.ResolveAuth(cfg.Gateway.Auth)
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = adminRequestTimeout
	rc.Logger = log.Sub("admin").Leveled()
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &adminClient{
		base:   strings.TrimRight(base, "/"),
		secret: auth.Secret,
		header: auth.Header,
		http:   rc,
	}
}

// gatewayURL derives the local control URL from the gateway config.
func gatewayURL(gw config.GatewayConfig) string {
	scheme := "http"
	if gw.TLS.Enabled {
		scheme = "https"
	}
	host := "127.0.0.1"
	if gw.Bind == "custom" && gw.CustomBindHost != "" {
		host = gw.CustomBindHost
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, gw.Port)
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(c.header, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newSessionsCmd() *cobra.Command {
	var baseURL string

	client := func() (*adminClient, error) {
		cfg, err := config.Load(paths.Config)
		if err != nil {
			return nil, err
		}
		base := baseURL
		if base == "" {
			base = gatewayURL(cfg.Gateway)
		}
		return newAdminClient(base, cfg), nil
	}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live call sessions on a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return listSessions(cmd.Context(), cmd.OutOrStdout(), c)
		},
	}
	cmd.PersistentFlags().StringVar(&baseURL, "url", "", "relay base URL (default derived from gateway config)")

	var reason string
	end := &cobra.Command{
		Use:   "end <callId>",
		Short: "End a live call session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return endSession(cmd.Context(), cmd.OutOrStdout(), c, args[0], reason)
		},
	}
	end.Flags().StringVar(&reason, "reason", "ended by operator", "reason recorded in the call summary")
	cmd.AddCommand(end)

	var tenant string
	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List recently archived calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return listRecent(cmd.Context(), cmd.OutOrStdout(), c, tenant, limit)
		},
	}
	recent.Flags().StringVar(&tenant, "tenant", "", "only calls for this tenant")
	recent.Flags().IntVar(&limit, "limit", 20, "maximum number of calls")
	cmd.AddCommand(recent)

	return cmd
}

func listSessions(ctx context.Context, out io.Writer, c *adminClient) error {
	var res struct {
		Sessions []gateway.SessionView `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &res); err != nil {
		return err
	}
	if len(res.Sessions) == 0 {
		fmt.Fprintln(out, "No live sessions")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tTENANT\tTRANSPORT\tSTATUS\tAGE\tIN\tOUT")
	now := time.Now()
	for _, s := range res.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.CallID, s.Context.TenantID, s.Transport, s.Status,
			now.Sub(s.CreatedAt).Round(time.Second), s.InboundBytes, s.OutboundBytes)
	}
	return tw.Flush()
}

func endSession(ctx context.Context, out io.Writer, c *adminClient, callID, reason string) error {
	var res gateway.EndResponse
	path := "/session/" + url.PathEscape(callID) + "/end"
	if err := c.do(ctx, http.MethodPost, path, gateway.EndRequest{Reason: reason}, &res); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", callID, res.Status)
	return nil
}

func listRecent(ctx context.Context, out io.Writer, c *adminClient, tenant string, limit int) error {
	q := url.Values{}
	if tenant != "" {
		q.Set("tenant", tenant)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Calls []gateway.CallView `json:"calls"`
	}
	if err := c.do(ctx, http.MethodGet, "/calls?"+q.Encode(), nil, &res); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tTENANT\tSTATUS\tENDED\tDURATION\tREASON")
	for _, call := range res.Calls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			call.CallID, call.Context.TenantID, call.Status, call.EndedAt.Format(time.RFC3339),
			(time.Duration(call.DurationMs) * time.Millisecond).String(), call.Reason)
	}
	return tw.Flush()
}
