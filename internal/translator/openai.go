// Package translator maps the canonical chat schema to and from provider
// wire formats. The provider side is handled as loose JSON on purpose: the
// wire format drifts, and only the fields the gateway reads are typed.
package translator

import (
	"encoding/json"
	"fmt"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/model"
)

// OpenAI translates between the canonical schema and the OpenAI chat
// completions wire format. Instances are stateless; per-response state
// (the id mapping) is returned to the caller.
type OpenAI struct{}

// NewOpenAI returns an OpenAI translator.
func NewOpenAI() *OpenAI {
	return &OpenAI{}
}

// TranslateRequest renders the canonical request into the JSON document
// POSTed to the provider. The model is injected by the caller; it is not
// part of the canonical request.
func (t *OpenAI) TranslateRequest(req *model.ChatCompletionRequest, modelName string) (map[string]any, error) {
	if err := model.ValidateForOpenAI(req.Messages); err != nil {
		return nil, err
	}

	messages := make([]map[string]any, 0, len(req.Messages))
	for i := range req.Messages {
		wire, err := t.translateMessage(req.Messages, i)
		if err != nil {
			return nil, err
		}
		messages = append(messages, wire)
	}

	body := map[string]any{
		"model":    modelName,
		"messages": messages,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.Stop) == 1 {
		body["stop"] = req.Stop[0]
	} else if len(req.Stop) > 1 {
		body["stop"] = []string(req.Stop)
	}
	if req.Stream {
		body["stream"] = true
	}

	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for i, tool := range req.Tools {
			if err := model.ValidateToolName(tool.Function.Name); err != nil {
				return nil, apierr.Invalid(fmt.Sprintf("tools[%d].function.name", i), "%v", err)
			}
			if err := model.ValidateToolSchema(tool.Function.Parameters); err != nil {
				return nil, apierr.Invalid(fmt.Sprintf("tools[%d].function.parameters", i), "%v", err)
			}
			fn := map[string]any{
				"name":       tool.Function.Name,
				"parameters": json.RawMessage(tool.Function.Parameters),
			}
			if tool.Function.Description != "" {
				fn["description"] = tool.Function.Description
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		body["tools"] = tools
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Kind {
		case model.ToolChoiceFunction:
			body["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.FunctionName},
			}
		default:
			body["tool_choice"] = string(req.ToolChoice.Kind)
		}
	}

	return body, nil
}

// translateMessage renders messages[idx] into wire form. Tool messages
// need the surrounding history to re-discover the called function's name.
func (t *OpenAI) translateMessage(messages []model.Message, idx int) (map[string]any, error) {
	msg := messages[idx]
	wire := map[string]any{"role": string(msg.Role)}

	switch msg.Role {
	case model.RoleTool:
		name, err := findToolCallName(messages, idx, msg.ToolCallID)
		if err != nil {
			return nil, err
		}
		wire["tool_call_id"] = msg.ToolCallID
		wire["name"] = name
		wire["content"] = msg.Content.Flatten()
		return wire, nil

	case model.RoleAssistant:
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args := "{}"
				if len(tc.Function.Arguments) > 0 {
					args = string(tc.Function.Arguments)
				}
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Function.Name,
						"arguments": args,
					},
				})
			}
			wire["tool_calls"] = calls
		}
	}

	if msg.Content != nil {
		if msg.Content.IsParts() {
			wire["content"] = msg.Content.Parts
		} else {
			wire["content"] = msg.Content.Text
		}
	} else if msg.Role == model.RoleAssistant && len(msg.ToolCalls) > 0 {
		wire["content"] = nil
	} else {
		wire["content"] = ""
	}
	if msg.Name != "" {
		wire["name"] = msg.Name
	}
	return wire, nil
}

// findToolCallName searches backwards from idx for the assistant message
// whose tool_calls issued the given id.
func findToolCallName(messages []model.Message, idx int, toolCallID string) (string, error) {
	for i := idx - 1; i >= 0; i-- {
		if messages[i].Role != model.RoleAssistant {
			continue
		}
		for _, tc := range messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return tc.Function.Name, nil
			}
		}
	}
	return "", apierr.Invalid(
		fmt.Sprintf("messages[%d].tool_call_id", idx),
		"tool_call_id %q does not match any assistant tool call in history", toolCallID,
	)
}

// Loose read-side structs: only the fields the gateway consumes. Anything
// else the provider sends is ignored, not rejected.
type wireResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *model.Usage `json:"usage"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Message      wireMessage  `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   *string        `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// TranslateResponse normalizes a provider response body into the canonical
// schema. Provider tool-call ids are replaced with freshly minted sentinel
// ids; the returned mapping relates the two.
func (t *OpenAI) TranslateResponse(body []byte) (*model.ChatCompletionResponse, *ToolCallIDMapping, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, nil, apierr.Upstream("provider returned malformed JSON: %v", err)
	}

	mapping := NewToolCallIDMapping()
	resp := &model.ChatCompletionResponse{
		ID:      wire.ID,
		Object:  wire.Object,
		Created: wire.Created,
		Model:   wire.Model,
		Choices: make([]model.Choice, 0, len(wire.Choices)),
	}
	if wire.Usage != nil {
		resp.Usage = *wire.Usage
	}

	for _, wc := range wire.Choices {
		choice := model.Choice{
			Index:        wc.Index,
			FinishReason: wc.FinishReason,
			Message: model.ChoiceMessage{
				Role: model.Role(wc.Message.Role),
			},
		}
		if wc.Message.Content != nil {
			choice.Message.Content = model.TextContent(*wc.Message.Content)
		}
		for _, tc := range wc.Message.ToolCalls {
			raw := tc.Function.Arguments
			if raw == "" {
				raw = "{}"
			}
			var args json.RawMessage
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, nil, apierr.Internal(
					"provider returned malformed tool arguments for %q: %v", tc.Function.Name, err)
			}
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, model.ToolCall{
				ID:   mapping.Add(tc.ID),
				Type: "function",
				Function: model.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: args,
				},
			})
		}
		resp.Choices = append(resp.Choices, choice)
	}

	return resp, mapping, nil
}
