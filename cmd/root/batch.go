package root

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/docker/agentlab/pkg/config"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/telemetry"
)

type batchFlags struct {
	root       *rootFlags
	agentName  string
	parallel   int
	keepAgents bool
	jsonOutput bool
	sequential bool
	stats      bool
}

// batchTask is one entry of a batch file: either a bare message or an
// object naming the agent.
type batchTask struct {
	Agent   string `yaml:"agent,omitempty"`
	Message string `yaml:"message"`
}

func (t *batchTask) UnmarshalYAML(unmarshal func(any) error) error {
	var message string
	if err := unmarshal(&message); err == nil {
		t.Message = message
		return nil
	}

	type alias batchTask
	var tmp alias
	if err := unmarshal(&tmp); err != nil {
		return err
	}
	*t = batchTask(tmp)
	return nil
}

type batchResult struct {
	Agent          string `json:"agent"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Result         string `json:"result,omitempty"`
	ToolCalls      int    `json:"tool_calls"`
	ElapsedMS      int64  `json:"elapsed_ms"`
	Error          string `json:"error,omitempty"`
}

func newBatchCmd(root *rootFlags) *cobra.Command {
	flags := batchFlags{root: root}

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Run independent conversations in parallel",
		Long: `Run every message of a YAML file in its own conversation. Entries are either a
message or an object with "agent" and "message". With --sequential the entries
are consecutive turns of one conversation and the batch stops at the first
failure.`,
		Example: `  # tasks.yaml
  - Is the MONITOR-LG-27 in stock?
  - agent: helpdesk
    message: The VPN keeps disconnecting.

  agentlab batch tasks.yaml --parallel 8
  agentlab batch tasks.yaml --sequential --stats`,
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE:    flags.runBatchCommand,
	}

	cmd.Flags().StringVarP(&flags.agentName, "agent", "a", "", "Agent for entries that name none (default: the only agent)")
	cmd.Flags().IntVarP(&flags.parallel, "parallel", "p", 4, "Maximum number of conversations running at once (0 for no limit)")
	cmd.Flags().BoolVar(&flags.keepAgents, "keep-agents", false, "Keep agents created for this batch on the platform")
	cmd.Flags().BoolVar(&flags.jsonOutput, "json", false, "Print the results as JSON")
	cmd.Flags().BoolVar(&flags.sequential, "sequential", false, "Run the entries in order as turns of one conversation")
	cmd.Flags().BoolVar(&flags.stats, "stats", false, "Print per-conversation totals to stderr")

	return cmd
}

func readBatchFile(path string) ([]batchTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}

	var tasks []batchTask
	if err := yaml.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	for i, task := range tasks {
		if strings.TrimSpace(task.Message) == "" {
			return nil, fmt.Errorf("batch entry %d: message cannot be empty", i)
		}
	}
	if len(tasks) == 0 {
		return nil, errors.New("batch file has no entries")
	}
	return tasks, nil
}

func (f *batchFlags) runBatchCommand(cmd *cobra.Command, args []string) error {
	ctx, span := telemetry.TrackCommand(cmd.Context(), "batch", args)
	defer span.End()

	tasks, err := readBatchFile(args[0])
	if err != nil {
		return err
	}

	l, err := f.root.openLab(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	deployed := map[string]*deployedAgent{}
	defer func() {
		for _, agent := range deployed {
			l.release(ctx, agent, f.keepAgents)
		}
	}()

	o := l.orchestrator()
	reqs := make([]runtime.TurnRequest, len(tasks))
	agentNames := make([]string, len(tasks))
	sharedConversation := ""
	for i, task := range tasks {
		name, _, err := config.Agent(l.cfg, cmp.Or(task.Agent, f.agentName))
		if err != nil {
			return err
		}
		agent, ok := deployed[name]
		if !ok {
			agent, err = l.deploy(ctx, name, &f.root.runConfig, true)
			if err != nil {
				return err
			}
			deployed[name] = agent
		}

		conversationID := sharedConversation
		if conversationID == "" {
			conversationID, err = o.Platform().CreateConversation(ctx)
			if err != nil {
				return err
			}
			defer deleteConversation(ctx, o, conversationID)
			if f.sequential {
				sharedConversation = conversationID
			}
		}

		agentNames[i] = agent.Name
		reqs[i] = runtime.TurnRequest{
			ConversationID: conversationID,
			Agent:          agent.Ref,
			UserText:       task.Message,
			Tools:          agent.Tools,
			Timeout:        agent.Timeout,
		}
	}

	var batch []runtime.BatchResult
	if f.sequential {
		batch = runSequence(ctx, o, reqs)
	} else {
		batch = runtime.RunBatch(ctx, o, reqs, f.parallel)
	}

	results := make([]batchResult, len(batch))
	failed := 0
	for i, r := range batch {
		if !errors.Is(r.Err, errNotRun) {
			l.record(ctx, r.Request.ConversationID, agentNames[i], r.Request.UserText, r.Result, r.Err)
		}

		results[i] = batchResult{
			Agent:          agentNames[i],
			Message:        r.Request.UserText,
			ConversationID: r.Request.ConversationID,
		}
		if r.Result != nil {
			results[i].Result = r.Result.Text
			results[i].ToolCalls = r.Result.ToolCalls
			results[i].ElapsedMS = r.Result.Elapsed.Milliseconds()
		}
		if r.Err != nil {
			results[i].Error = r.Err.Error()
			failed++
		}
	}

	if err := f.printResults(cmd, results); err != nil {
		return err
	}
	if f.stats {
		if err := printStats(cmd.ErrOrStderr(), o.Stats()); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d conversations failed", failed, len(results))
	}
	return nil
}

var errNotRun = errors.New("not run after an earlier failure")

// runSequence runs reqs as consecutive turns. The turns after the first
// failure are reported as not run.
func runSequence(ctx context.Context, o *runtime.Orchestrator, reqs []runtime.TurnRequest) []runtime.BatchResult {
	done, err := runtime.RunSequence(ctx, o, reqs)

	results := make([]runtime.BatchResult, len(reqs))
	for i, req := range reqs {
		results[i].Request = req
		switch {
		case i < len(done):
			results[i].Result = done[i]
		case i == len(done):
			results[i].Err = err
		default:
			results[i].Err = errNotRun
		}
	}
	return results
}

func (f *batchFlags) printResults(cmd *cobra.Command, results []batchResult) error {
	out := cmd.OutOrStdout()
	if f.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tAGENT\tSTATUS\tTOOLS\tREPLY")
	for i, r := range results {
		status, reply := green("ok"), firstLine(r.Result)
		if r.Error != "" {
			status, reply = red("error"), r.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", i+1, r.Agent, status, r.ToolCalls, reply)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(strings.TrimSpace(s), "\n")
	if cut {
		return line + " …"
	}
	return line
}
