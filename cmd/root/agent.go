package root

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/config"
	"github.com/docker/agentlab/pkg/teamloader"
	"github.com/docker/agentlab/pkg/telemetry"
)

func newAgentCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Manage agent definitions on the platform",
		GroupID: "advanced",
	}

	cmd.AddCommand(
		newAgentCreateCmd(root),
		newAgentDeleteCmd(root),
		newAgentListCmd(root),
	)

	return cmd
}

func newAgentCreateCmd(root *rootFlags) *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "create [agent-name...]",
		Short: "Create configured agents on the platform",
		Long: `Create the named agents, or every configured agent, on the platform. Each
creation gets the next version (v1, v2, ...) unless --version is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, span := telemetry.TrackCommand(cmd.Context(), "agent create", args)
			defer span.End()

			out := cmd.OutOrStdout()
			l, err := root.openLab(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			names := args
			if len(names) == 0 {
				names = config.AgentNames(l.cfg)
			}
			if len(names) == 0 {
				return config.ErrNoAgents
			}

			for _, name := range names {
				agent, err := teamloader.Load(ctx, l.cfg, name, &root.runConfig)
				if err != nil {
					return err
				}
				if agent.Definition.ID != "" {
					_ = agent.Close(ctx)
					fmt.Fprintf(out, "%s uses existing agent %s, skipping\n", name, agent.Definition.ID)
					continue
				}
				if version != "" {
					agent.Definition.Version = version
				}

				record, err := l.agents.Create(ctx, agent.Definition)
				_ = agent.Close(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Created %s %s (%s, %d tools)\n", bold(record.Name), record.Version, record.ID, len(agent.Definition.Functions))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "Version to give the agents instead of the next counter value")

	return cmd
}

func newAgentDeleteCmd(root *rootFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [agent-name...]",
		Short: "Delete agents created by agentlab",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, span := telemetry.TrackCommand(cmd.Context(), "agent delete", args)
			defer span.End()

			if all == (len(args) > 0) {
				return errors.New("give agent names or --all")
			}

			l, err := root.openLab(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			if all {
				return l.agents.DeleteAll(ctx)
			}

			var errs []error
			for _, name := range args {
				if err := l.agents.Delete(ctx, name); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete every recorded agent")

	return cmd
}

func newAgentListCmd(root *rootFlags) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents created by agentlab",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, span := telemetry.TrackCommand(cmd.Context(), "agent list", args)
			defer span.End()

			l, err := root.openLab(ctx)
			if err != nil {
				return err
			}
			defer l.Close()

			records, err := l.agents.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tID\tMODEL\tCREATED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s ago\n", r.Name, r.Version, r.ID, r.Model, units.HumanDuration(time.Since(r.CreatedAt)))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the records as JSON")

	return cmd
}
