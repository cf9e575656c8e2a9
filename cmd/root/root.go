package root

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/config"
	"github.com/docker/agentlab/pkg/telemetry"
)

const APP_NAME = "agentlab"

type rootFlags struct {
	runConfig    config.RuntimeConfig
	envVars      []string
	debug        bool
	logLevel     string
	logFile      string
	otlpEndpoint string

	logOutput         io.Closer
	shutdownTelemetry telemetry.ShutdownFunc
}

// NewRootCmd returns the agentlab command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootFlags{})
}

func newRootCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   APP_NAME,
		Short: "Drive agents hosted on a remote platform and serve their local tools",
		Long: `agentlab starts conversations with agents hosted on an Assistants-compatible
platform, polls their runs and executes the tools they call locally.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: flags.setup,
	}

	cmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.runConfig.ConfigPath, "config", "c", "agentlab.yaml", "Path to the configuration file")
	pf.StringSliceVar(&flags.runConfig.EnvFiles, "env-from-file", nil, "Set environment variables from file")
	pf.StringArrayVarP(&flags.envVars, "env", "e", nil, "Set an environment variable (KEY=VALUE), overriding env files and the process environment")
	pf.StringVar(&flags.runConfig.WorkingDir, "working-dir", "", "Directory relative env files and MCP working directories resolve against")
	pf.StringVar(&flags.runConfig.DataDir, "data-dir", "", "Directory for the session database, agent state and tickets (default ~/.agentlab)")
	pf.BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.StringVar(&flags.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint for traces (default $"+telemetry.EnvEndpoint+")")

	cmd.AddCommand(
		newChatCmd(flags),
		newAskCmd(flags),
		newBatchCmd(flags),
		newAgentCmd(flags),
		newServeCmd(flags),
		newToolServerCmd(flags),
		newMCPServerCmd(flags),
		newPipelineCmd(flags),
		newHistoryCmd(flags),
		newVersionCmd(),
	)

	return cmd
}

// Execute runs the command line and reports errors on stderr.
func Execute(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	flags := &rootFlags{}
	cmd := newRootCmd(flags)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if closeErr := flags.close(context.WithoutCancel(ctx)); closeErr != nil {
		slog.Warn("Failed to flush telemetry", "error", closeErr)
	}
	if err != nil {
		fmt.Fprintln(stderr, red("Error: %s", err))
	}
	return err
}

func (f *rootFlags) setup(cmd *cobra.Command, _ []string) error {
	if err := f.setupLogging(cmd.ErrOrStderr()); err != nil {
		return err
	}

	overrides, err := parseEnvVars(f.envVars)
	if err != nil {
		return err
	}
	f.runConfig.EnvOverrides = overrides

	shutdown, _, err := telemetry.Setup(cmd.Context(), telemetry.Options{Endpoint: f.otlpEndpoint})
	if err != nil {
		return err
	}
	f.shutdownTelemetry = shutdown
	return nil
}

func (f *rootFlags) setupLogging(stderr io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmp.Or(f.logLevel, "warn"))); err != nil {
		return fmt.Errorf("invalid log level %q", f.logLevel)
	}
	if f.debug {
		level = slog.LevelDebug
	}

	out := stderr
	if f.logFile != "" {
		file, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		f.logOutput = file
		out = file
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return nil
}

func (f *rootFlags) close(ctx context.Context) error {
	var errs []error
	if f.shutdownTelemetry != nil {
		errs = append(errs, f.shutdownTelemetry(ctx))
	}
	if f.logOutput != nil {
		errs = append(errs, f.logOutput.Close())
	}
	return errors.Join(errs...)
}

// parseEnvVars reads KEY=VALUE pairs. Later pairs win.
func parseEnvVars(vars []string) (map[string]string, error) {
	if len(vars) == 0 {
		return nil, nil
	}

	env := make(map[string]string, len(vars))
	for _, v := range vars {
		key, value, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid environment variable %q, expected KEY=VALUE", v)
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, nil
}
