package root

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/session"
	"github.com/docker/agentlab/pkg/telemetry"
)

type historyFlags struct {
	root       *rootFlags
	jsonOutput bool
	delete     bool
}

func newHistoryCmd(root *rootFlags) *cobra.Command {
	flags := historyFlags{root: root}

	cmd := &cobra.Command{
		Use:   "history [conversation]",
		Short: "Show recorded conversations",
		Long:  `List the conversations recorded in the data directory, or print the turns of one of them.`,
		Example: `  agentlab history
  agentlab history conv_abc123 --json`,
		GroupID: "core",
		Args:    cobra.MaximumNArgs(1),
		RunE:    flags.runHistoryCommand,
	}

	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print as JSON")
	cmd.Flags().BoolVar(&flags.delete, "delete", false, "Delete the given conversation from the history")

	return cmd
}

// openStore opens the transcript store without requiring a configuration file.
func (f *rootFlags) openStore(cmd *cobra.Command) (*session.SQLiteStore, error) {
	dataDir := ""
	if cfg, err := f.loadConfig(cmd.Context()); err == nil {
		dataDir = cfg.DataDir
	}
	return session.NewSQLiteStore(filepath.Join(f.runConfig.ResolveDataDir(dataDir), "sessions.db"))
}

func (f *historyFlags) runHistoryCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "history", args)
	defer span.End()

	store, err := f.root.openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()

	if len(args) == 0 {
		if f.delete {
			return errors.New("--delete needs a conversation")
		}
		conversations, err := store.ListConversations(ctx)
		if err != nil {
			return err
		}
		if f.jsonOutput {
			return writeJSON(cmd, conversations)
		}
		if len(conversations) == 0 {
			fmt.Fprintln(out, "No conversations recorded")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CONVERSATION\tAGENT\tSTARTED")
		for _, c := range conversations {
			fmt.Fprintf(tw, "%s\t%s\t%s ago\n", c.ID, c.Agent, units.HumanDuration(time.Since(c.CreatedAt)))
		}
		return tw.Flush()
	}

	conv, err := store.GetConversation(ctx, args[0])
	if err != nil {
		return fmt.Errorf("conversation %s: %w", args[0], err)
	}

	if f.delete {
		if err := store.DeleteConversation(ctx, conv.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted conversation %s\n", conv.ID)
		return nil
	}

	turns, err := store.Turns(ctx, conv.ID)
	if err != nil {
		return err
	}
	if f.jsonOutput {
		return writeJSON(cmd, struct {
			*session.Conversation
			Turns []*session.Turn `json:"turns"`
		}{conv, turns})
	}

	fmt.Fprintf(out, "%s with %s, %d turn(s)\n", bold(conv.ID), conv.Agent, len(turns))
	for _, turn := range turns {
		fmt.Fprintf(out, "\n%s %s\n", blue("user>"), turn.UserText)
		if turn.Status == session.TurnError {
			fmt.Fprintln(out, red("error: %s", turn.Error))
			continue
		}
		fmt.Fprintf(out, "%s %s\n", green("%s>", conv.Agent), turn.ResultText)
		for _, item := range turn.Outputs {
			fmt.Fprintln(out, gray("[%s] %s", item.Kind, formatOutputItem(item)))
		}
		fmt.Fprintln(out, gray("%s in %s", turn.RunID, humanDuration(turn.Elapsed)))
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
