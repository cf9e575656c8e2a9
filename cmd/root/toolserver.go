package root

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/server"
	"github.com/docker/agentlab/pkg/teamloader"
	"github.com/docker/agentlab/pkg/telemetry"
	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/tools/builtin"
	"github.com/docker/agentlab/pkg/toolserver"
)

type toolserverFlags struct {
	root       *rootFlags
	listenAddr string
	agentName  string
	toolsets   []string
}

func newToolServerCmd(root *rootFlags) *cobra.Command {
	flags := toolserverFlags{root: root}

	cmd := &cobra.Command{
		Use:   "tool-server",
		Short: "Start a lightweight server exposing local tools for remote invocation",
		Long: `Start a minimal HTTP server that exposes local tools for remote invocation. By
default the builtin business tools are served; --agent serves the toolsets of a
configured agent instead.`,
		Example: `  # Serve the builtin tools
  agentlab tool-server --listen :9000

  # Listen on a Unix socket
  agentlab tool-server --listen unix:///var/run/agentlab-tools.sock

  # Call a tool using curl
  curl -X POST http://localhost:9000/tools/check_inventory \
    -H "Content-Type: application/json" \
    -d '{"arguments": "{\"product_id\": \"MONITOR-LG-27\"}"}'`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runToolServerCommand,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (host:port or unix:///path/to/socket, default from the config or 127.0.0.1:8081)")
	addToolSourceFlags(cmd, &flags.agentName, &flags.toolsets)

	return cmd
}

func addToolSourceFlags(cmd *cobra.Command, agentName *string, toolsets *[]string) {
	cmd.Flags().StringVarP(agentName, "agent", "a", "", "Serve the toolsets of this configured agent")
	cmd.Flags().StringSliceVar(toolsets, "toolset", builtin.ToolsetNames(), "Builtin toolsets to serve when no agent is given")
}

func (f *toolserverFlags) runToolServerCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "tool-server", args)
	defer span.End()

	out := cmd.OutOrStdout()

	source, err := f.root.loadToolSource(ctx, f.agentName, f.toolsets)
	if err != nil {
		return err
	}
	defer source.Close(context.WithoutCancel(ctx))

	addr := f.listenAddr
	if addr == "" {
		addr = f.root.serverAddress(ctx, func(s latest.ServerConfig) string { return s.ToolServer })
	}

	ln, err := server.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	fmt.Fprintf(out, "Serving %d tools of %s on %s\n", source.Registry.Len(), bold(source.Name), ln.Addr())

	return toolserver.New(source.Name, source.Registry).Serve(ctx, ln)
}

// toolSource is a started tool registry with a name to report to clients.
type toolSource struct {
	Name         string
	Instructions string
	Registry     *tools.Registry
}

func (s *toolSource) Close(ctx context.Context) error {
	return s.Registry.Close(ctx)
}

// loadToolSource loads the tools of a configured agent, or the builtin
// toolsets when agentName is empty.
func (f *rootFlags) loadToolSource(ctx context.Context, agentName string, toolsets []string) (*toolSource, error) {
	if agentName != "" {
		cfg, err := f.loadConfig(ctx)
		if err != nil {
			return nil, err
		}
		agent, err := teamloader.Load(ctx, cfg, agentName, &f.runConfig, teamloader.WithRegistryOptions(tools.WithSchemaValidation()))
		if err != nil {
			return nil, err
		}
		return &toolSource{Name: agent.Name, Instructions: agent.Definition.Instructions, Registry: agent.Tools}, nil
	}

	opts := builtin.Options{
		Tickets: builtin.NewFileTicketStore(filepath.Join(f.runConfig.ResolveDataDir(""), "tickets.json")),
	}
	registry := tools.NewRegistry(tools.WithSchemaValidation())
	for _, name := range toolsets {
		ts, err := builtin.NewToolset(name, opts)
		if err != nil {
			_ = registry.Close(ctx)
			return nil, err
		}
		if err := registry.AddToolSet(ctx, ts); err != nil {
			_ = registry.Close(ctx)
			return nil, err
		}
	}
	return &toolSource{
		Name:         "business-tools",
		Instructions: "Inventory, office hours and IT support tools.",
		Registry:     registry,
	}, nil
}
