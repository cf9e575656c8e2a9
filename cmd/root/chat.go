package root

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/retry"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/telemetry"
)

type chatFlags struct {
	root          *rootFlags
	agentName     string
	keepAgent     bool
	confirm       bool
	hideOutputFor string
}

func newChatCmd(root *rootFlags) *cobra.Command {
	flags := chatFlags{root: root}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to an agent interactively",
		Long: `Start an interactive conversation with an agent. Each line is one turn; tool
calls requested by the agent run locally and their outputs are sent back.`,
		Example: `  agentlab chat --agent helpdesk
  agentlab chat --agent stock --confirm --hide-output-for inventory`,
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE:    flags.runChatCommand,
	}

	cmd.Flags().StringVarP(&flags.agentName, "agent", "a", "", "Name of the agent to talk to (default: the only agent)")
	cmd.Flags().BoolVar(&flags.keepAgent, "keep-agent", false, "Keep an agent created for this chat on the platform")
	cmd.Flags().BoolVar(&flags.confirm, "confirm", false, "Ask before running each tool call")
	cmd.Flags().StringVar(&flags.hideOutputFor, "hide-output-for", "", "Hide tool responses (comma separated). Available: "+strings.Join(GetAllHideOutputOptions(), ", ")+" or a tool name")

	return cmd
}

func (f *chatFlags) runChatCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "chat", args)
	defer span.End()

	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

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

	scanner := bufio.NewScanner(in)
	var registry runtime.ToolRegistry = agent.Tools
	if f.confirm {
		registry = newConfirmingRegistry(agent.Tools, in, out, scanner)
	}
	o := l.orchestrator(runtime.WithEventHandler(eventPrinter(out, agent.Tools, f.hideOutputFor)))

	printWelcomeMessage(out, agent.Name)
	interactive := isTerminal(in)

	conversationID := ""
	defer func() {
		if conversationID != "" {
			deleteConversation(ctx, o, conversationID)
		}
	}()

	for {
		if interactive {
			fmt.Fprint(out, blue("> "))
		}
		if !scanner.Scan() {
			return scanner.Err()
		}

		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if conversationID != "" {
				deleteConversation(ctx, o, conversationID)
				conversationID = ""
			}
			fmt.Fprintln(out, gray("New conversation."))
			continue
		case "/stats":
			if err := printStats(out, o.Stats()); err != nil {
				return err
			}
			continue
		}

		if conversationID == "" {
			conversationID, err = o.Platform().CreateConversation(ctx)
			if err != nil {
				printError(out, err)
				continue
			}
		}

		printAgentName(out, agent.Name)
		res, err := retry.ExecuteTurn(ctx, l.policy, o, runtime.TurnRequest{
			ConversationID: conversationID,
			Agent:          agent.Ref,
			UserText:       text,
			Tools:          registry,
			Timeout:        agent.Timeout,
		})
		l.record(ctx, conversationID, agent.Name, text, res, err)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			printError(out, err)
			continue
		}
		printTurnSummary(out, res)
	}
}

// deleteConversation removes a finished conversation from the platform.
// The local transcript is kept.
func deleteConversation(ctx context.Context, o *runtime.Orchestrator, conversationID string) {
	if err := o.Platform().DeleteConversation(context.WithoutCancel(ctx), conversationID); err != nil {
		slog.Warn("Failed to delete conversation", "conversation", conversationID, "error", err)
	}
}
