package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soyeahso/callrelay/internal/backend"
	"github.com/soyeahso/callrelay/internal/config"
	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/mcp"
	"github.com/soyeahso/callrelay/internal/tools"
	"github.com/soyeahso/callrelay/internal/version"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect or exercise the agent tools",
	}

	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsServeCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the tool definitions sent to the speech engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := tools.NewDefaultRegistry(nil).Definitions()
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(defs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newToolsServeCmd() *cobra.Command {
	var call domain.CallContext

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over JSON-RPC on stdin/stdout",
		Long: "Runs the agent tools against the configured backend outside of a call.\n" +
			"Requests and responses are newline-delimited JSON-RPC 2.0 on stdin/stdout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if cfg.Backend.BaseURL == "" {
				return fmt.Errorf("backend.baseUrl is required")
			}
			client := backend.New(cfg.Backend, log, nil)
			d := tools.NewDispatcher(tools.NewDefaultRegistry(client), log, nil)
			return mcp.New(d, call, version.Version, log).Serve(cmd.Context(), os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&call.CallID, "call", "", "call id sent to the backend (default generated)")
	cmd.Flags().StringVar(&call.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&call.StoreID, "store", "", "store id")
	cmd.Flags().StringVar(&call.AgentRef, "agent", "", "agent reference")
	cmd.Flags().StringVar(&call.CallerNumber, "caller", "", "caller number")
	return cmd
}
