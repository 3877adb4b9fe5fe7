package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show callrelay status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "callrelay %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Fprintf(out, "Config:   %s\n", paths.Config)
			fmt.Fprintf(out, "Archive:  %s\n", paths.SummaryDB())
			fmt.Fprintf(out, "Logs:     %s\n", paths.Logs)
			fmt.Fprintln(out)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:   error loading: %v\n", err)
				return nil
			}
			writeStatus(out, cfg)
			return nil
		},
	}

	return cmd
}

func writeStatus(out io.Writer, cfg config.Config) {
	secret := "missing"
	if cfg.Gateway.Auth.Secret != "" {
		secret = "set"
	}
	fmt.Fprintf(out, "Gateway:  port=%d bind=%s tls=%v secret=%s\n",
		cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.TLS.Enabled, secret)
	fmt.Fprintf(out, "Engine:   url=%s model=%s voice=%s vad=%s\n",
		cfg.Realtime.URL, cfg.Realtime.Model, cfg.Realtime.Voice, cfg.Realtime.TurnDetection.Type)
	fmt.Fprintf(out, "Backend:  url=%s retries=%d timeout=%s\n",
		cfg.Backend.BaseURL, cfg.Backend.RetryMax, cfg.Backend.Timeout())
	fmt.Fprintf(out, "Sessions: store=%s idle=%s sweep=%s\n",
		cfg.Sessions.Store, cfg.Sessions.IdleThreshold(), cfg.Sessions.SweepInterval())

	tr := cfg.Transports
	var enabled []string
	if config.On(tr.Socket.Enabled) {
		enabled = append(enabled, "socket("+tr.Socket.CommitMode+")")
	}
	if tr.EventSocket.Enabled {
		enabled = append(enabled, "eventsocket("+tr.EventSocket.CommitMode+") on "+tr.EventSocket.Listen)
	}
	if config.On(tr.Polling.Enabled) {
		enabled = append(enabled, "polling("+tr.Polling.CommitMode+")")
	}
	if len(enabled) == 0 {
		fmt.Fprintln(out, "Calls:    (no transports enabled)")
	} else {
		fmt.Fprintf(out, "Calls:    %s\n", strings.Join(enabled, ", "))
	}

	if irc := cfg.Alerts.IRC; irc != nil {
		fmt.Fprintf(out, "IRC:      server=%s nick=%s channels=%s tls=%v\n",
			irc.Server, irc.Nick, strings.Join(irc.Channels, ","), irc.UseTLS)
	} else {
		fmt.Fprintln(out, "IRC:      (not configured)")
	}

	if config.On(cfg.Metrics.Enabled) {
		fmt.Fprintf(out, "Metrics:  %s\n", cfg.Metrics.Path)
	}

	if issues := config.Validate(&cfg); len(issues) > 0 {
		fmt.Fprintln(out)
		printIssues(out, issues)
	}
}
