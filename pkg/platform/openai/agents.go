package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/docker/agentlab/pkg/platform"
)

// CreateAgent stores def as an assistant. The version is kept in metadata
// since assistants have no version of their own.
func (c *Client) CreateAgent(ctx context.Context, def platform.AgentDefinition) (platform.AgentDefinition, error) {
	if def.Model == "" {
		return platform.AgentDefinition{}, errors.New("agent model is required")
	}

	params := openai.BetaAssistantNewParams{
		Model: def.Model,
		Name:  openai.String(def.Name),
		Tools: assistantTools(def),
	}
	if def.Instructions != "" {
		params.Instructions = openai.String(def.Instructions)
	}
	if def.Version != "" {
		params.Metadata = shared.Metadata{"version": def.Version}
	}

	assistant, err := c.client.Beta.Assistants.New(ctx, params)
	if err != nil {
		return platform.AgentDefinition{}, classify("create_agent", err)
	}

	def.ID = assistant.ID
	return def, nil
}

func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := c.client.Beta.Assistants.Delete(ctx, agentID); err != nil {
		return classify("delete_agent", err)
	}
	return nil
}

func assistantTools(def platform.AgentDefinition) []openai.AssistantToolUnionParam {
	var out []openai.AssistantToolUnionParam
	if def.CodeInterpreter {
		ci := openai.NewCodeInterpreterToolParam()
		out = append(out, openai.AssistantToolUnionParam{OfCodeInterpreter: &ci})
	}
	if def.FileSearch {
		out = append(out, openai.AssistantToolUnionParam{OfFileSearch: &openai.FileSearchToolParam{}})
	}
	for _, fn := range def.Functions {
		fd := shared.FunctionDefinitionParam{
			Name:       fn.Name,
			Parameters: shared.FunctionParameters(fn.Parameters),
		}
		if fn.Description != "" {
			fd.Description = openai.String(fn.Description)
		}
		out = append(out, openai.AssistantToolUnionParam{OfFunction: &openai.FunctionToolParam{Function: fd}})
	}
	return out
}
