package root

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/mcpserver"
	"github.com/docker/agentlab/pkg/server"
	"github.com/docker/agentlab/pkg/telemetry"
)

type mcpServerFlags struct {
	root       *rootFlags
	listenAddr string
	http       bool
	agentName  string
	toolsets   []string
}

func newMCPServerCmd(root *rootFlags) *cobra.Command {
	flags := mcpServerFlags{root: root}

	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Expose local tools over the Model Context Protocol",
		Long: `Serve local tools to MCP clients. Without --listen a single client is served
on stdin/stdout; with --listen the streamable HTTP transport is served on /mcp.`,
		Example: `  # Use from an MCP client configuration
  agentlab mcp-server --toolset inventory,office

  # Serve over HTTP
  agentlab mcp-server --listen 127.0.0.1:8082`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runMCPServerCommand,
	}

	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Serve streamable HTTP on this address (host:port or unix:///path/to/socket) instead of stdio")
	cmd.Flags().BoolVar(&flags.http, "http", false, "Serve streamable HTTP on server.mcp_server from the config (default 127.0.0.1:8082)")
	addToolSourceFlags(cmd, &flags.agentName, &flags.toolsets)

	return cmd
}

func (f *mcpServerFlags) runMCPServerCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "mcp-server", args)
	defer span.End()

	source, err := f.root.loadToolSource(ctx, f.agentName, f.toolsets)
	if err != nil {
		return err
	}
	defer source.Close(context.WithoutCancel(ctx))

	s, err := mcpserver.New(source.Name, source.Registry, mcpserver.WithInstructions(source.Instructions))
	if err != nil {
		return err
	}

	addr := f.listenAddr
	if addr == "" && f.http {
		addr = f.root.serverAddress(ctx, func(sc latest.ServerConfig) string { return sc.MCPServer })
	}
	if addr == "" {
		// stdout belongs to the protocol.
		return s.RunStdio(ctx)
	}

	ln, err := server.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d tools of %s over MCP on http://%s/mcp\n", source.Registry.Len(), bold(source.Name), ln.Addr())
	return s.Serve(ctx, ln)
}
