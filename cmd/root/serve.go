package root

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/config"
	"github.com/docker/agentlab/pkg/config/latest"
	"github.com/docker/agentlab/pkg/server"
	"github.com/docker/agentlab/pkg/telemetry"
)

type serveFlags struct {
	root       *rootFlags
	agentName  string
	listenAddr string
	keepAgent  bool
	watch      bool
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := serveFlags{root: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an agent over HTTP",
		Long: `Serve one agent as an HTTP service. POST /invoke runs a task in a new
conversation, GET /health reports the agent and GET /conversations lists the
recorded transcripts. The configuration file is watched and the agent is
redeployed when it changes.`,
		Example: `  agentlab serve --agent helpdesk --listen 127.0.0.1:8080

  curl -X POST http://127.0.0.1:8080/invoke \
    -H "Content-Type: application/json" \
    -d '{"task": "My laptop will not connect to the VPN"}'`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE:    flags.runServeCommand,
	}

	cmd.Flags().StringVarP(&flags.agentName, "agent", "a", "", "Name of the agent to serve (default: the only agent)")
	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (host:port or unix:///path/to/socket, default from the config or 127.0.0.1:8080)")
	cmd.Flags().BoolVar(&flags.keepAgent, "keep-agent", false, "Keep an agent created for this service on the platform")
	cmd.Flags().BoolVar(&flags.watch, "watch", true, "Redeploy the agent when the configuration file changes")

	return cmd
}

func (f *serveFlags) runServeCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "serve", args)
	defer span.End()

	l, err := f.root.openLab(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	agent, err := l.deploy(ctx, f.agentName, &f.root.runConfig, true)
	if err != nil {
		return err
	}

	s := server.New(l.orchestrator(), serverAgent(agent),
		server.WithStore(l.store),
		server.WithRetryPolicy(l.policy),
	)

	addr := f.listenAddr
	if addr == "" {
		addr = l.cfg.Server.Listen
	}
	ln, err := server.Listen(ctx, addr)
	if err != nil {
		l.release(ctx, agent, f.keepAgent)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r := &redeployer{lab: l, runConfig: &f.root.runConfig, name: agent.Name, server: s, current: agent}
	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		l.release(ctx, r.current, f.keepAgent)
	}()

	if f.watch {
		stop, err := r.watch(ctx)
		if err != nil {
			slog.Warn("Not watching the configuration file", "path", f.root.runConfig.ConfigPath, "error", err)
		} else {
			defer stop()
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving agent %s (%s) on %s\n", bold(agent.Name), agent.Ref, ln.Addr())
	return s.Serve(ctx, ln)
}

func serverAgent(agent *deployedAgent) server.Agent {
	return server.Agent{
		Name:    agent.Name,
		Ref:     agent.Ref,
		Tools:   agent.Tools,
		Timeout: agent.Timeout,
	}
}

// redeployer swaps the served agent when the configuration changes.
type redeployer struct {
	lab       *lab
	runConfig *config.RuntimeConfig
	name      string
	server    *server.Server

	mu      sync.Mutex
	current *deployedAgent
}

// watch starts reloading the configuration file. The returned function
// stops the watcher and waits for an ongoing redeploy.
func (r *redeployer) watch(ctx context.Context) (func(), error) {
	w, err := config.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Watch(r.runConfig.ConfigPath); err != nil {
		_ = w.Close()
		return nil, err
	}
	env, err := r.runConfig.EnvProvider()
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Reload(ctx, r.runConfig.ConfigPath, env, func(cfg *latest.Config) {
			r.apply(ctx, cfg)
		})
	}()

	return func() {
		cancel()
		<-done
		_ = w.Close()
	}, nil
}

// apply deploys the agent from cfg and retires the previous one once the
// server uses the new definition. Failures keep the current agent.
func (r *redeployer) apply(ctx context.Context, cfg *latest.Config) {
	next, err := r.lab.withConfig(cfg).deploy(ctx, r.name, r.runConfig, false)
	if err != nil {
		slog.Error("Failed to redeploy agent, keeping the previous one", "agent", r.name, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.current
	r.current = next
	r.server.SetAgent(serverAgent(next))

	ctx = context.WithoutCancel(ctx)
	if previous.Config.ID == "" && previous.Ref.ID != next.Ref.ID {
		if err := r.lab.platform.DeleteAgent(ctx, previous.Ref.ID); err != nil {
			slog.Warn("Failed to delete the previous agent", "agent", r.name, "id", previous.Ref.ID, "error", err)
		}
	}
	if err := previous.Close(ctx); err != nil {
		slog.Warn("Failed to stop toolsets", "agent", r.name, "error", err)
	}
}

// serverAddress picks an address from the configuration file, falling back
// to the defaults when there is no usable file.
func (f *rootFlags) serverAddress(ctx context.Context, pick func(latest.ServerConfig) string) string {
	cfg, err := f.loadConfig(ctx)
	if err != nil {
		slog.Debug("Using default server addresses", "error", err)
		return pick(latest.ServerConfig{
			Listen:     config.DefaultListen,
			ToolServer: config.DefaultToolServer,
			MCPServer:  config.DefaultMCPServer,
		})
	}
	return pick(cfg.Server)
}
