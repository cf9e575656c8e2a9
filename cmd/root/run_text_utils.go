package root

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/docker/agentlab/pkg/platform"
	"github.com/docker/agentlab/pkg/runtime"
	"github.com/docker/agentlab/pkg/tools"
	"github.com/docker/agentlab/pkg/tools/builtin"
)

// text colors
var (
	blue   = color.New(color.FgBlue).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	gray   = color.New(color.FgHiBlack).SprintfFunc()
)

// text styles
var bold = color.New(color.Bold).SprintfFunc()

// HideOutputAll hides every tool response. Toolset names and tool names
// hide a single group or tool.
const HideOutputAll = "all"

// GetAllHideOutputOptions returns all valid hide output options for help text
func GetAllHideOutputOptions() []string {
	return append([]string{HideOutputAll}, builtin.ToolsetNames()...)
}

// shouldHideOutput reports whether responses of a tool in category are
// hidden by the comma separated hideOutputFor list.
func shouldHideOutput(toolName, category, hideOutputFor string) bool {
	for item := range strings.SplitSeq(hideOutputFor, ",") {
		switch item = strings.TrimSpace(item); item {
		case "":
		case HideOutputAll, toolName, category:
			return true
		}
	}
	return false
}

// text utility functions

func printWelcomeMessage(w io.Writer, agentName string) {
	fmt.Fprintf(w, "\n%s\n%s\n\n", blue("------- Welcome to %s! -------", bold(APP_NAME)), gray("(agent %s, /reset starts a new conversation, /stats shows totals, /exit or Ctrl+D quits)", agentName))
}

// printStats prints per-conversation totals of an orchestrator.
func printStats(w io.Writer, stats []runtime.ConversationStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tAGENT\tTURNS\tFAILURES\tTOOLS\tELAPSED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", s.ConversationID, s.Agent, s.Turns, s.Failures, s.ToolCalls, humanDuration(s.Elapsed))
	}
	return tw.Flush()
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, red("❌ %s", err))
}

func printAgentName(w io.Writer, agentName string) {
	fmt.Fprintf(w, "\n%s\n", blue("--- Agent: %s ---", bold(agentName)))
}

func printToolCall(w io.Writer, call platform.ToolCallRequest, colorFunc ...func(format string, a ...any) string) {
	c := gray
	if len(colorFunc) > 0 && colorFunc[0] != nil {
		c = colorFunc[0]
	}
	fmt.Fprintf(w, "\n%s\n", c("%s%s", bold(call.Name), formatToolCallArguments(call.Arguments)))
}

func printToolCallResponse(w io.Writer, call platform.ToolCallRequest, response string, hidden bool) {
	if hidden {
		fmt.Fprintf(w, "\n%s\n", gray("%s response → (output hidden)", bold(call.Name)))
		return
	}
	fmt.Fprintf(w, "\n%s\n", gray("%s response%s", bold(call.Name), formatToolCallResponse(response)))
}

// printTurnSummary prints the assistant reply and how the turn went.
func printTurnSummary(w io.Writer, res *runtime.TurnResult) {
	fmt.Fprintf(w, "\n%s\n", res.Text)
	for _, out := range res.Outputs {
		fmt.Fprintln(w, gray("[%s] %s", out.Kind, formatOutputItem(out)))
	}
	fmt.Fprintln(w, gray("(%s, %s)", res, humanDuration(res.Elapsed)))
}

func formatOutputItem(item platform.Item) string {
	switch {
	case item.URL != "":
		return item.URL
	case item.FileID != "":
		return item.FileID
	default:
		return item.Text
	}
}

// humanDuration is units.HumanDuration with sub-second precision, which
// most turns need.
func humanDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return units.HumanDuration(d)
}

// isTerminal reports whether r is an interactive terminal.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// confirmingRegistry asks before each tool call runs.
type confirmingRegistry struct {
	runtime.ToolRegistry
	in       io.Reader
	out      io.Writer
	scanner  *bufio.Scanner
	approved bool
}

func newConfirmingRegistry(inner runtime.ToolRegistry, in io.Reader, out io.Writer, scanner *bufio.Scanner) *confirmingRegistry {
	return &confirmingRegistry{ToolRegistry: inner, in: in, out: out, scanner: scanner}
}

func (r *confirmingRegistry) Invoke(ctx context.Context, callID, name string, args any) (*tools.ToolCallResult, error) {
	if !r.approved {
		switch r.confirm(platform.ToolCallRequest{ID: callID, Name: name, Arguments: args}) {
		case confirmationApproveSession:
			r.approved = true
		case confirmationReject:
			return tools.ResultError("The user rejected this tool call."), nil
		case confirmationAbort:
			return nil, context.Canceled
		}
	}
	return r.ToolRegistry.Invoke(ctx, callID, name, args)
}

type confirmationResult string

const (
	confirmationApprove        confirmationResult = "approve"
	confirmationApproveSession confirmationResult = "approve_session"
	confirmationReject         confirmationResult = "reject"
	confirmationAbort          confirmationResult = "abort"
)

func (r *confirmingRegistry) confirm(call platform.ToolCallRequest) confirmationResult {
	fmt.Fprintf(r.out, "\n%s\n", bold(yellow("🛠️ Tool call requires confirmation 🛠️")))
	printToolCall(r.out, call, color.New(color.FgWhite).SprintfFunc())
	fmt.Fprintf(r.out, "\n%s", bold(yellow("Can I run this tool? ([y]es/[a]ll/[n]o): ")))

	// Single key presses when stdin is a terminal.
	if f, ok := r.in.(*os.File); ok {
		fd := int(f.Fd())
		if oldState, err := term.MakeRaw(fd); err == nil {
			defer func() {
				if err := term.Restore(fd, oldState); err != nil {
					fmt.Fprintf(r.out, "\n%s\n", yellow("Failed to restore terminal state: %v", err))
				}
			}()
			buf := make([]byte, 1)
			for {
				if _, err := f.Read(buf); err != nil {
					return confirmationReject
				}
				switch buf[0] {
				case 'y', 'Y':
					fmt.Fprint(r.out, bold("Yes 👍"))
					return confirmationApprove
				case 'a', 'A':
					fmt.Fprint(r.out, bold("Yes to all 👍"))
					return confirmationApproveSession
				case 'n', 'N':
					fmt.Fprint(r.out, bold("No 👎"))
					return confirmationReject
				case 3: // Ctrl+C
					return confirmationAbort
				}
			}
		}
	}

	if !r.scanner.Scan() {
		return confirmationReject
	}
	switch strings.TrimSpace(r.scanner.Text()) {
	case "y":
		return confirmationApprove
	case "a":
		return confirmationApproveSession
	default:
		return confirmationReject
	}
}

// formatToolCallArguments renders arguments, a JSON string or a decoded
// object, as (key: value, ...).
func formatToolCallArguments(arguments any) string {
	switch v := arguments.(type) {
	case nil:
		return "()"
	case string:
		if strings.TrimSpace(v) == "" {
			return "()"
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return fmt.Sprintf("(%s)", v)
		}
		return formatParsedJSON(parsed)
	default:
		return formatParsedJSON(v)
	}
}

func formatToolCallResponse(response string) string {
	if response == "" {
		return " → ()"
	}

	var parsed any
	if err := json.Unmarshal([]byte(response), &parsed); err == nil {
		return " → " + formatParsedJSON(parsed)
	}

	trimmed := strings.TrimSpace(response)
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= 3 {
		return fmt.Sprintf(" → %q", response)
	}

	// Collapse runs of blank lines.
	var formatted []string
	lastWasEmpty := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if !lastWasEmpty {
				formatted = append(formatted, "")
			}
			lastWasEmpty = true
			continue
		}
		formatted = append(formatted, line)
		lastWasEmpty = false
	}
	return fmt.Sprintf(" → (\n%s\n)", strings.Join(formatted, "\n"))
}

func formatParsedJSON(data any) string {
	obj, ok := data.(map[string]any)
	if !ok {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return fmt.Sprintf("(%s)", formatted)
	}
	if len(obj) == 0 {
		return "()"
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	multiline := false
	for _, k := range keys {
		formatted := formatJSONValue(k, obj[k])
		parts = append(parts, formatted)
		multiline = multiline || strings.Contains(formatted, "\n")
	}

	if len(parts) == 1 && !multiline {
		return fmt.Sprintf("(%s)", parts[0])
	}
	return fmt.Sprintf("(\n  %s\n)", strings.Join(parts, "\n  "))
}

func formatJSONValue(key string, value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%s: %q", bold(key), v)
	case []any:
		if len(v) == 0 {
			return fmt.Sprintf("%s: []", bold(key))
		}
		buf, _ := json.MarshalIndent(v, "", "  ")
		return fmt.Sprintf("%s: %s", bold(key), buf)
	case map[string]any:
		buf, _ := json.MarshalIndent(v, "", "  ")
		return fmt.Sprintf("%s: %s", bold(key), buf)
	default:
		buf, _ := json.Marshal(v)
		return fmt.Sprintf("%s: %s", bold(key), buf)
	}
}

// eventPrinter prints tool activity while a turn runs.
func eventPrinter(w io.Writer, registry runtime.ToolRegistry, hideOutputFor string) runtime.EventHandler {
	return func(ev runtime.Event) {
		if ev.ToolCall == nil {
			return
		}
		switch ev.Type {
		case runtime.EventToolCall:
			printToolCall(w, *ev.ToolCall)
		case runtime.EventToolResponse:
			category := ""
			if tool, ok := registry.Lookup(ev.ToolCall.Name); ok {
				category = tool.Category
			}
			printToolCallResponse(w, *ev.ToolCall, ev.Output, shouldHideOutput(ev.ToolCall.Name, category, hideOutputFor))
		}
	}
}
