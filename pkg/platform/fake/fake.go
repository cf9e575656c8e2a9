// Package fake provides an in-memory platform.Platform driven by scripts.
// Each submitted run plays one Script: every GetRun applies the next Step,
// requires_action holds until outputs are submitted and terminal statuses
// stick.
package fake

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/docker/agentlab/pkg/platform"
)

// Operation names accepted by FailNext.
const (
	OpCreateConversation = "create_conversation"
	OpDeleteConversation = "delete_conversation"
	OpAppendItem         = "append_item"
	OpSubmitRun          = "submit_run"
	OpGetRun             = "get_run"
	OpSubmitToolOutputs  = "submit_tool_outputs"
	OpListItems          = "list_items"
	OpCancelRun          = "cancel_run"
	OpCreateAgent        = "create_agent"
	OpDeleteAgent        = "delete_agent"
)

// Step is one observed state of a run.
type Step struct {
	Status platform.RunStatus
	// ToolCalls are requested when Status is requires_action.
	ToolCalls []platform.ToolCallRequest
	// Text and Outputs form the assistant message added on completion.
	Text    string
	Outputs []platform.Item
	// Error is reported for failed runs.
	Error *platform.RunError
}

// Script is the sequence of steps one run goes through.
type Script []Step

// Responder builds a script from the latest user message when no script is
// queued.
type Responder func(userText string) Script

// Echo answers every message with its own text after one in_progress poll.
func Echo(userText string) Script {
	return Script{
		{Status: platform.RunInProgress},
		{Status: platform.RunCompleted, Text: "You said: " + userText},
	}
}

// Submission records one SubmitToolOutputs call.
type Submission struct {
	ConversationID string
	RunID          string
	Outputs        []platform.ToolCallResult
}

type conversation struct {
	items []platform.Item
	// active is the run that has not reached a terminal status yet.
	active string
}

type run struct {
	id             string
	conversationID string
	agent          platform.AgentRef
	steps          Script
	pos            int
	status         platform.RunStatus
	pending        []platform.ToolCallRequest
	err            *platform.RunError
	polls          int
}

// Platform is safe for concurrent use.
type Platform struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	runs          map[string]*run
	agents        map[string]platform.AgentDefinition
	scripts       []Script
	responder     Responder
	failures      map[string][]error
	submissions   []Submission
	nextItem      int
}

type Option func(*Platform)

// WithScripts queues scripts for the next runs, in order.
func WithScripts(scripts ...Script) Option {
	return func(p *Platform) {
		p.scripts = append(p.scripts, scripts...)
	}
}

func WithResponder(r Responder) Option {
	return func(p *Platform) {
		p.responder = r
	}
}

func New(opts ...Option) *Platform {
	p := &Platform{
		conversations: make(map[string]*conversation),
		runs:          make(map[string]*run),
		agents:        make(map[string]platform.AgentDefinition),
		failures:      make(map[string][]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ platform.Platform     = (*Platform)(nil)
	_ platform.AgentManager = (*Platform)(nil)
)

// Enqueue adds scripts for the next runs.
func (p *Platform) Enqueue(scripts ...Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, scripts...)
}

// FailNext makes the next call of op return err. Calls queue up.
func (p *Platform) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

func (p *Platform) injected(op string) error {
	queue := p.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.failures[op] = queue[1:]
	return err
}

func (p *Platform) itemID() string {
	p.nextItem++
	return fmt.Sprintf("item_%d", p.nextItem)
}

func (p *Platform) conversation(id string) (*conversation, error) {
	conv, ok := p.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, platform.ErrNotFound)
	}
	return conv, nil
}

func (p *Platform) run(conversationID, runID string) (*run, error) {
	r, ok := p.runs[runID]
	if !ok || r.conversationID != conversationID {
		return nil, fmt.Errorf("run %s: %w", runID, platform.ErrNotFound)
	}
	return r, nil
}

func (p *Platform) CreateConversation(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpCreateConversation); err != nil {
		return "", err
	}
	id := "thread_" + uuid.NewString()
	p.conversations[id] = &conversation{}
	return id, nil
}

func (p *Platform) DeleteConversation(_ context.Context, conversationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpDeleteConversation); err != nil {
		return err
	}
	if _, err := p.conversation(conversationID); err != nil {
		return err
	}
	delete(p.conversations, conversationID)
	return nil
}

func (p *Platform) AppendItem(_ context.Context, conversationID string, item platform.Item) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpAppendItem); err != nil {
		return err
	}
	conv, err := p.conversation(conversationID)
	if err != nil {
		return err
	}
	if conv.active != "" {
		return fmt.Errorf("conversation %s has active run %s", conversationID, conv.active)
	}
	if err := item.Validate(); err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = p.itemID()
	}
	conv.items = append(conv.items, item)
	return nil
}

func (p *Platform) SubmitRun(_ context.Context, conversationID string, agent platform.AgentRef) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpSubmitRun); err != nil {
		return "", err
	}
	conv, err := p.conversation(conversationID)
	if err != nil {
		return "", err
	}
	if conv.active != "" {
		return "", fmt.Errorf("conversation %s has active run %s", conversationID, conv.active)
	}

	var script Script
	switch {
	case len(p.scripts) > 0:
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	case p.responder != nil:
		script = p.responder(lastUserText(conv.items))
	default:
		return "", fmt.Errorf("no script queued for run on %s", conversationID)
	}

	r := &run{
		id:             "run_" + uuid.NewString(),
		conversationID: conversationID,
		agent:          agent,
		steps:          slices.Clone(script),
		status:         platform.RunQueued,
	}
	p.runs[r.id] = r
	conv.active = r.id
	return r.id, nil
}

func (p *Platform) GetRun(_ context.Context, conversationID, runID string) (*platform.Run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpGetRun); err != nil {
		return nil, err
	}
	r, err := p.run(conversationID, runID)
	if err != nil {
		return nil, err
	}
	r.polls++

	if !r.status.Terminal() && len(r.pending) == 0 && r.pos < len(r.steps) {
		step := r.steps[r.pos]
		r.pos++
		p.apply(r, step)
	}
	return r.snapshot(), nil
}

func (p *Platform) apply(r *run, step Step) {
	conv := p.conversations[r.conversationID]
	r.status = step.Status

	switch step.Status {
	case platform.RunRequiresAction:
		r.pending = slices.Clone(step.ToolCalls)
		for _, call := range step.ToolCalls {
			conv.items = append(conv.items, platform.Item{
				ID:       p.itemID(),
				Kind:     platform.ItemToolCallRequest,
				Role:     platform.RoleAssistant,
				RunID:    r.id,
				ToolCall: &call,
			})
		}
	case platform.RunCompleted:
		msgID := p.itemID()
		if step.Text != "" || len(step.Outputs) == 0 {
			conv.items = append(conv.items, platform.Item{
				ID:    msgID,
				Kind:  platform.ItemText,
				Role:  platform.RoleAssistant,
				RunID: r.id,
				Text:  step.Text,
			})
		}
		for _, out := range step.Outputs {
			out.ID = msgID
			out.Role = platform.RoleAssistant
			out.RunID = r.id
			conv.items = append(conv.items, out)
		}
		conv.active = ""
	case platform.RunFailed, platform.RunCancelled, platform.RunExpired, platform.RunIncomplete:
		r.err = step.Error
		conv.active = ""
	case platform.RunQueued, platform.RunInProgress, platform.RunCancelling:
	}
}

func (p *Platform) SubmitToolOutputs(_ context.Context, conversationID, runID string, outputs []platform.ToolCallResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpSubmitToolOutputs); err != nil {
		return err
	}
	r, err := p.run(conversationID, runID)
	if err != nil {
		return err
	}
	if r.status != platform.RunRequiresAction {
		return fmt.Errorf("run %s is %s, not waiting for tool outputs", runID, r.status)
	}
	if err := matchOutputs(r.pending, outputs); err != nil {
		return err
	}

	conv := p.conversations[conversationID]
	for _, out := range outputs {
		conv.items = append(conv.items, platform.Item{
			ID:         p.itemID(),
			Kind:       platform.ItemToolCallOutput,
			RunID:      runID,
			ToolOutput: &out,
		})
	}
	p.submissions = append(p.submissions, Submission{
		ConversationID: conversationID,
		RunID:          runID,
		Outputs:        slices.Clone(outputs),
	})
	r.pending = nil
	r.status = platform.RunInProgress
	return nil
}

// matchOutputs requires exactly one output per pending call.
func matchOutputs(pending []platform.ToolCallRequest, outputs []platform.ToolCallResult) error {
	want := make(map[string]bool, len(pending))
	for _, call := range pending {
		want[call.ID] = true
	}
	seen := make(map[string]bool, len(outputs))
	for _, out := range outputs {
		if !want[out.CallID] {
			return fmt.Errorf("output for unexpected tool call %q", out.CallID)
		}
		if seen[out.CallID] {
			return fmt.Errorf("duplicate output for tool call %q", out.CallID)
		}
		seen[out.CallID] = true
	}
	if len(seen) != len(want) {
		return fmt.Errorf("expected %d tool outputs, got %d", len(want), len(seen))
	}
	return nil
}

func (p *Platform) ListItems(_ context.Context, conversationID string) ([]platform.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpListItems); err != nil {
		return nil, err
	}
	conv, err := p.conversation(conversationID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(conv.items), nil
}

func (p *Platform) CancelRun(_ context.Context, conversationID, runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpCancelRun); err != nil {
		return err
	}
	r, err := p.run(conversationID, runID)
	if err != nil {
		return err
	}
	if r.status.Terminal() {
		return nil
	}
	r.status = platform.RunCancelled
	r.pending = nil
	p.conversations[conversationID].active = ""
	return nil
}

func (p *Platform) CreateAgent(_ context.Context, def platform.AgentDefinition) (platform.AgentDefinition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpCreateAgent); err != nil {
		return platform.AgentDefinition{}, err
	}
	def.ID = "asst_" + uuid.NewString()
	p.agents[def.ID] = def
	return def, nil
}

func (p *Platform) DeleteAgent(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.injected(OpDeleteAgent); err != nil {
		return err
	}
	if _, ok := p.agents[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, platform.ErrNotFound)
	}
	delete(p.agents, agentID)
	return nil
}

// Items returns a copy of the conversation's items.
func (p *Platform) Items(conversationID string) []platform.Item {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv, ok := p.conversations[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(conv.items)
}

// Submissions returns every accepted SubmitToolOutputs call.
func (p *Platform) Submissions() []Submission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.submissions)
}

// Polls returns how many times GetRun was called for runID.
func (p *Platform) Polls(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.runs[runID]; ok {
		return r.polls
	}
	return 0
}

// RunAgent returns the agent a run was submitted for.
func (p *Platform) RunAgent(runID string) (platform.AgentRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.runs[runID]
	if !ok {
		return platform.AgentRef{}, false
	}
	return r.agent, true
}

// Agents returns the stored agent definitions.
func (p *Platform) Agents() []platform.AgentDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()

	defs := make([]platform.AgentDefinition, 0, len(p.agents))
	for _, def := range p.agents {
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b platform.AgentDefinition) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return defs
}

func (r *run) snapshot() *platform.Run {
	snap := &platform.Run{
		ID:             r.id,
		ConversationID: r.conversationID,
		Status:         r.status,
		RequiredAction: slices.Clone(r.pending),
	}
	if r.err != nil {
		e := *r.err
		snap.Error = &e
	}
	return snap
}

func lastUserText(items []platform.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == platform.ItemText && items[i].Role == platform.RoleUser {
			return items[i].Text
		}
	}
	return ""
}
