package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"

	"github.com/cexll/replystream-go/pkg/engine"
)

func buildParams(prompt engine.Prompt, model openaisdk.ChatModel, maxTokens int) (openaisdk.ChatCompletionNewParams, error) {
	messageParams, err := convertMessages(prompt.Messages)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}
	params := openaisdk.ChatCompletionNewParams{
		Messages: messageParams,
		Model:    model,
	}
	if maxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(maxTokens))
	}
	if prompt.ToolChoice == engine.ToolChoiceNone {
		return params, nil
	}
	toolParams, err := convertTools(prompt.Tools)
	if err != nil {
		return openaisdk.ChatCompletionNewParams{}, err
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
		if prompt.ToolChoice == engine.ToolChoiceRequired {
			params.ToolChoice = openaisdk.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openaisdk.String("required"),
			}
		}
	}
	return params, nil
}

func convertMessages(messages []engine.Message) ([]openaisdk.ChatCompletionMessageParamUnion, error) {
	params := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for idx, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			sys := openaisdk.ChatCompletionSystemMessageParam{}
			sys.Content.OfString = openaisdk.String(msg.Content)
			params = append(params, openaisdk.ChatCompletionMessageParamUnion{OfSystem: &sys})
		case engine.RoleModel:
			union, err := assistantMessage(msg)
			if err != nil {
				return nil, fmt.Errorf("openai: messages[%d]: %w", idx, err)
			}
			params = append(params, union)
		case engine.RoleTool:
			if strings.TrimSpace(msg.ToolCallID) == "" {
				return nil, fmt.Errorf("openai: messages[%d]: tool turn missing tool_call_id", idx)
			}
			params = append(params, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			user := openaisdk.ChatCompletionUserMessageParam{}
			user.Content.OfString = openaisdk.String(msg.Content)
			params = append(params, openaisdk.ChatCompletionMessageParamUnion{OfUser: &user})
		}
	}
	return params, nil
}

func assistantMessage(msg engine.Message) (openaisdk.ChatCompletionMessageParamUnion, error) {
	asst := openaisdk.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" || len(msg.ToolCalls) == 0 {
		asst.Content.OfString = openaisdk.String(msg.Content)
	}
	for idx, call := range msg.ToolCalls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			return openaisdk.ChatCompletionMessageParamUnion{}, fmt.Errorf("tool_calls[%d]: missing name", idx)
		}
		asst.ToolCalls = append(asst.ToolCalls, openaisdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openaisdk.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openaisdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      name,
					Arguments: string(normalizeArguments(string(call.Parameters))),
				},
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

func convertTools(tools []engine.ToolDefinition) ([]openaisdk.ChatCompletionToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(tools))
	for idx, def := range tools {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("openai: tools[%d]: missing name", idx)
		}
		fn := openaisdk.FunctionDefinitionParam{Name: name}
		if strings.TrimSpace(def.Description) != "" {
			fn.Description = openaisdk.String(def.Description)
		}
		if len(def.Parameters) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("openai: tools[%d]: parameters: %w", idx, err)
			}
			if len(schema) > 0 {
				fn.Parameters = openaisdk.FunctionParameters(schema)
			}
		}
		out = append(out, openaisdk.ChatCompletionToolUnionParam{
			OfFunction: &openaisdk.ChatCompletionFunctionToolParam{Function: fn},
		})
	}
	return out, nil
}

func resultFromMessage(msg openaisdk.ChatCompletionMessage) (engine.Result, error) {
	result := engine.Result{Text: msg.Content}
	for idx, call := range msg.ToolCalls {
		fn := call.AsFunction()
		if strings.TrimSpace(fn.Function.Name) == "" {
			return engine.Result{}, fmt.Errorf("openai: tool_calls[%d]: missing function name", idx)
		}
		result.ToolCalls = append(result.ToolCalls, engine.ToolCallRequest{
			ID:         fn.ID,
			Name:       fn.Function.Name,
			Parameters: normalizeArguments(fn.Function.Arguments),
		})
	}
	return result, nil
}

// normalizeArguments guarantees a valid JSON object even when the model
// streamed empty arguments.
func normalizeArguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}
