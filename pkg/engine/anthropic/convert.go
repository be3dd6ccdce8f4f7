package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/cexll/replystream-go/pkg/engine"
)

func buildParams(prompt engine.Prompt, model anthropicsdk.Model, maxTokens int) (anthropicsdk.MessageNewParams, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	systemBlocks, messageParams := convertMessages(prompt.Messages)
	params := anthropicsdk.MessageNewParams{
		Model:     model,
		MaxTokens: int64(maxTokens),
		Messages:  messageParams,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if prompt.ToolChoice == engine.ToolChoiceNone {
		return params, nil
	}
	toolParams, err := convertTools(prompt.Tools)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
		if prompt.ToolChoice == engine.ToolChoiceRequired {
			params.ToolChoice = anthropicsdk.ToolChoiceUnionParam{
				OfAny: &anthropicsdk.ToolChoiceAnyParam{},
			}
		}
	}
	return params, nil
}

func convertMessages(messages []engine.Message) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	messageParams := make([]anthropicsdk.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			if strings.TrimSpace(msg.Content) != "" {
				systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: msg.Content})
			}
		case engine.RoleModel:
			blocks := modelBlocks(msg)
			if len(blocks) == 0 {
				continue
			}
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: blocks,
			})
		case engine.RoleTool:
			// Tool results travel as user turns carrying tool_result blocks.
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{toolResultBlock(msg)},
			})
		default:
			content := msg.Content
			if content == "" {
				// The API rejects empty content.
				content = "."
			}
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(content)},
			})
		}
	}
	return systemBlocks, messageParams
}

func modelBlocks(msg engine.Message) []anthropicsdk.ContentBlockParamUnion {
	var blocks []anthropicsdk.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		if call.ID == "" || call.Name == "" {
			continue
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, decodeParameters(call.Parameters), call.Name))
	}
	return blocks
}

func toolResultBlock(msg engine.Message) anthropicsdk.ContentBlockParamUnion {
	block := &anthropicsdk.ToolResultBlockParam{ToolUseID: msg.ToolCallID}
	if msg.Content != "" {
		// Empty text blocks are rejected; a tool that returned nothing
		// sends a result with no content blocks.
		block.Content = []anthropicsdk.ToolResultBlockParamContentUnion{
			{OfText: &anthropicsdk.TextBlockParam{Text: msg.Content}},
		}
	}
	return anthropicsdk.ContentBlockParamUnion{OfToolResult: block}
}

func convertTools(tools []engine.ToolDefinition) ([]anthropicsdk.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	toolParams := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		schema, err := convertSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %s schema: %w", name, err)
		}
		tool := anthropicsdk.ToolParam{Name: name, InputSchema: schema}
		if strings.TrimSpace(def.Description) != "" {
			tool.Description = anthropicsdk.String(def.Description)
		}
		toolParams = append(toolParams, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return toolParams, nil
}

func convertSchema(raw json.RawMessage) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func resultFromMessage(msg anthropicsdk.Message) engine.Result {
	var textParts []string
	var calls []engine.ToolCallRequest
	for _, block := range msg.Content {
		switch content := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			textParts = append(textParts, content.Text)
		case anthropicsdk.ToolUseBlock:
			calls = append(calls, engine.ToolCallRequest{
				ID:         content.ID,
				Name:       content.Name,
				Parameters: normalizeParameters(content.Input),
			})
		}
	}
	return engine.Result{
		Text:      strings.Join(textParts, ""),
		ToolCalls: calls,
	}
}

// decodeParameters turns the stored raw JSON back into the any-typed input
// the SDK wants for a tool_use block.
func decodeParameters(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return map[string]any{}
	}
	if value == nil {
		return map[string]any{}
	}
	return value
}

// normalizeParameters guarantees every emitted call carries a valid JSON
// object, even when the model produced no input.
func normalizeParameters(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
