package root

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/telemetry"
)

type askFlags struct {
	root       *rootFlags
	agentName  string
	keepAgent  bool
	jsonOutput bool
	verbose    bool
}

// askOutput is printed with --json.
type askOutput struct {
	Agent          string          `json:"agent"`
	ConversationID string          `json:"conversation_id"`
	RunID          string          `json:"run_id,omitempty"`
	Result         string          `json:"result,omitempty"`
	Outputs        []platform.Item `json:"outputs,omitempty"`
	ToolCalls      int             `json:"tool_calls"`
	ElapsedMS      int64           `json:"elapsed_ms"`
	Error          string          `json:"error,omitempty"`
}

func newAskCmd(root *rootFlags) *cobra.Command {
	flags := askFlags{root: root}

	cmd := &cobra.Command{
		Use:   "ask <message>|-",
		Short: "Run a single turn and print the reply",
		Example: `  agentlab ask "Is the LAPTOP-HP-ELITE in stock?"
  echo "What time is it in Tokyo?" | agentlab ask - --agent office --json`,
		GroupID: "core",
		Args:    cobra.MinimumNArgs(1),
		RunE:    flags.runAskCommand,
	}

	cmd.Flags().StringVarP(&flags.agentName, "agent", "a", "", "Name of the agent to ask (default: the only agent)")
	cmd.Flags().BoolVar(&flags.keepAgent, "keep-agent", false, "Keep an agent created for this turn on the platform")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "Print tool calls as they run")

	return cmd
}

func (f *askFlags) runAskCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "ask", args)
	defer span.End()

	out := cmd.OutOrStdout()
	text, err := readMessage(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	l, err := f.root.openLab(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	agent, err := l.deploy(ctx, f.agentName, &f.root.runConfig, true)
	if err != nil {
		return err
	}
	defer l.release(ctx, agent, f.keepAgent)

	var opts []runtime.Opt
	if f.verbose && !f.jsonOutput {
		opts = append(opts, runtime.WithEventHandler(eventPrinter(cmd.ErrOrStderr(), agent.Tools, "")))
	}
	o := l.orchestrator(opts...)

	conversationID, err := o.Platform().CreateConversation(ctx)
	if err != nil {
		return err
	}
	defer deleteConversation(ctx, o, conversationID)

	res, turnErr := retry.ExecuteTurn(ctx, l.policy, o, runtime.TurnRequest{
		ConversationID: conversationID,
		Agent:          agent.Ref,
		UserText:       text,
		Tools:          agent.Tools,
		Timeout:        agent.Timeout,
	})
	l.record(ctx, conversationID, agent.Name, text, res, turnErr)

	if !f.jsonOutput {
		if turnErr != nil {
			return turnErr
		}
		fmt.Fprintln(out, res.Text)
		for _, item := range res.Outputs {
			fmt.Fprintln(out, gray("[%s] %s", item.Kind, formatOutputItem(item)))
		}
		return nil
	}

	output := askOutput{Agent: agent.Name, ConversationID: conversationID}
	if res != nil {
		output.RunID = res.RunID
		output.Result = res.Text
		output.Outputs = res.Outputs
		output.ToolCalls = res.ToolCalls
		output.ElapsedMS = res.Elapsed.Milliseconds()
	}
	if turnErr != nil {
		output.Error = turnErr.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output); err != nil {
		return err
	}
	return turnErr
}

// readMessage joins args, or reads stdin when the only argument is "-".
func readMessage(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading message from stdin: %w", err)
		}
		args = []string{string(buf)}
	}

	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", errors.New("message cannot be empty")
	}
	return text, nil
}
