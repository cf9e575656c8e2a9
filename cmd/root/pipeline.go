package root

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/server"
	"github.com/docker/agentlab/pkg/telemetry"
)

type pipelineFlags struct {
	researchURL string
	writerURL   string
}

func newPipelineCmd(*rootFlags) *cobra.Command {
	var flags pipelineFlags

	cmd := &cobra.Command{
		Use:   "pipeline <topic>",
		Short: "Chain a research service into a writer service",
		Long: `Send a topic to a research agent service, then hand its findings to a writer
agent service. Both services are started with "agentlab serve".`,
		Example: `  agentlab serve --agent researcher --listen 127.0.0.1:8001 &
  agentlab serve --agent writer --listen 127.0.0.1:8002 &
  agentlab pipeline "Remote work policies" --research http://127.0.0.1:8001 --writer http://127.0.0.1:8002`,
		GroupID: "advanced",
		Args:    cobra.MinimumNArgs(1),
		RunE:    flags.runPipelineCommand,
	}

	cmd.Flags().StringVar(&flags.researchURL, "research", "", "Base URL of the research agent service")
	cmd.Flags().StringVar(&flags.writerURL, "writer", "", "Base URL of the writer agent service")
	_ = cmd.MarkFlagRequired("research")
	_ = cmd.MarkFlagRequired("writer")

	return cmd
}

func (f *pipelineFlags) runPipelineCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "pipeline", args)
	defer span.End()

	out := cmd.OutOrStdout()
	topic, err := readMessage(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	research := server.NewClient(f.researchURL)
	writer := server.NewClient(f.writerURL)
	for _, c := range []struct {
		role   string
		client *server.Client
	}{{"research", research}, {"writer", writer}} {
		health, err := c.client.Health(ctx)
		if err != nil {
			return fmt.Errorf("%s service is not available: %w", c.role, err)
		}
		fmt.Fprintln(out, gray("%s service: agent %s, version %s", c.role, health.Agent, health.Version))
	}

	findings, err := invokeStep(cmd, research, "Research", topic)
	if err != nil {
		return err
	}

	task := fmt.Sprintf("Write a short article about %q based on these research findings:\n\n%s", topic, findings)
	if _, err := invokeStep(cmd, writer, "Article", task); err != nil {
		return err
	}
	return nil
}

func invokeStep(cmd *cobra.Command, c *server.Client, title, task string) (string, error) {
	out := cmd.OutOrStdout()

	resp, err := c.Invoke(cmd.Context(), task)
	if err != nil {
		return "", fmt.Errorf("%s step: %w", title, err)
	}
	if resp.Status != server.StatusSuccess {
		return "", fmt.Errorf("%s step: %w", title, errors.New(resp.Error))
	}

	fmt.Fprintf(out, "\n%s\n%s\n", bold(title), resp.Result)
	for _, item := range resp.Outputs {
		fmt.Fprintln(out, gray("[%s] %s", item.Kind, formatOutputItem(item)))
	}
	return resp.Result, nil
}
