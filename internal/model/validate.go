package model

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sentinelops/sentinel/internal/apierr"
)

var toolNameRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateToolName checks the function-name character set.
func ValidateToolName(name string) error {
	if !toolNameRE.MatchString(name) {
		return fmt.Errorf("tool name %q must match ^[A-Za-z0-9_]+$", name)
	}
	return nil
}

// ValidateToolSchema checks that parameters is a JSON Schema object with
// root type "object" and that it compiles as a schema.
func ValidateToolSchema(parameters json.RawMessage) error {
	if len(parameters) == 0 {
		return fmt.Errorf("parameters is required")
	}
	var root struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(parameters, &root); err != nil {
		return fmt.Errorf("parameters must be a JSON object: %v", err)
	}
	if root.Type != "object" {
		return fmt.Errorf("parameters root type must be \"object\", got %q", root.Type)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(parameters)); err != nil {
		return fmt.Errorf("parameters is not a valid JSON Schema: %v", err)
	}
	return nil
}

// ValidateSemantic enforces the structural rules that hold regardless of
// the target provider. Applying it twice yields the same result.
func ValidateSemantic(req *ChatCompletionRequest) error {
	if len(req.Messages) == 0 {
		return apierr.Invalid("messages", "at least one message is required")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return apierr.Invalid("temperature", "temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return apierr.Invalid("top_p", "top_p must be between 0 and 1")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return apierr.Invalid("max_tokens", "max_tokens must be a positive integer")
	}
	if len(req.Stop) > 4 {
		return apierr.Invalid("stop", "stop accepts at most 4 sequences")
	}

	for i, msg := range req.Messages {
		if !msg.Role.Valid() {
			return apierr.Invalid(fmt.Sprintf("messages[%d].role", i), "unknown role %q", msg.Role)
		}
		if msg.Role == RoleTool && msg.ToolCallID == "" {
			return apierr.Invalid(fmt.Sprintf("messages[%d].tool_call_id", i), "tool messages require tool_call_id")
		}
		if len(msg.ToolCalls) > 0 && msg.Role != RoleAssistant {
			return apierr.Invalid(fmt.Sprintf("messages[%d].tool_calls", i), "tool_calls are only valid on assistant messages")
		}
		if msg.Content != nil && msg.Content.IsParts() {
			for j, part := range msg.Content.Parts {
				if part.Type != ContentPartText && part.Type != ContentPartImageURL {
					return apierr.Invalid(fmt.Sprintf("messages[%d].content[%d].type", i, j), "content part type must be text or image_url")
				}
				if part.Type == ContentPartImageURL && (part.ImageURL == nil || part.ImageURL.URL == "") {
					return apierr.Invalid(fmt.Sprintf("messages[%d].content[%d].image_url", i, j), "image_url parts require a url")
				}
			}
		}
	}

	seen := make(map[string]bool, len(req.Tools))
	for i, tool := range req.Tools {
		if tool.Type != "function" {
			return apierr.Invalid(fmt.Sprintf("tools[%d].type", i), "tool type must be \"function\"")
		}
		if err := ValidateToolName(tool.Function.Name); err != nil {
			return apierr.Invalid(fmt.Sprintf("tools[%d].function.name", i), "%v", err)
		}
		if tool.Function.Description == "" {
			return apierr.Invalid(fmt.Sprintf("tools[%d].function.description", i), "description is required")
		}
		if seen[tool.Function.Name] {
			return apierr.Invalid(fmt.Sprintf("tools[%d].function.name", i), "duplicate tool name %q", tool.Function.Name)
		}
		seen[tool.Function.Name] = true
		if err := ValidateToolSchema(tool.Function.Parameters); err != nil {
			return apierr.Invalid(fmt.Sprintf("tools[%d].function.parameters", i), "%v", err)
		}
	}

	if req.ToolChoice != nil && req.ToolChoice.Kind == ToolChoiceFunction && !seen[req.ToolChoice.FunctionName] {
		return apierr.Invalid("tool_choice", "tool_choice names unknown tool %q", req.ToolChoice.FunctionName)
	}
	return nil
}

// ValidateForOpenAI enforces the OpenAI family role-ordering rule: system
// messages must be contiguous and appear at the start.
func ValidateForOpenAI(messages []Message) error {
	inPrefix := true
	for i, msg := range messages {
		if msg.Role == RoleSystem {
			if !inPrefix {
				return apierr.Invalid(fmt.Sprintf("messages[%d].role", i), "system messages must be contiguous at the start")
			}
		} else {
			inPrefix = false
		}
	}
	return nil
}

// ValidateForAnthropic enforces the Anthropic family rules: after the
// leading system block, user and assistant strictly alternate, the first
// is user, and at least one user message exists. Tool-role messages count
// as user turns on this surface.
func ValidateForAnthropic(messages []Message) error {
	var prev Role
	sawUser := false
	first := true
	for i, msg := range messages {
		if msg.Role == RoleSystem {
			if !first {
				return apierr.Invalid(fmt.Sprintf("messages[%d].role", i), "system messages must lead the conversation")
			}
			continue
		}
		// Tool results travel as user-turn content on the Anthropic surface.
		role := msg.Role
		if role == RoleTool {
			role = RoleUser
		}
		first = false
		if prev == "" {
			if role != RoleUser {
				return apierr.Invalid(fmt.Sprintf("messages[%d].role", i), "first non-system message must be user")
			}
		} else if role == prev {
			return apierr.Invalid(fmt.Sprintf("messages[%d].role", i), "user and assistant messages must alternate")
		}
		if role == RoleUser {
			sawUser = true
		}
		prev = role
	}
	if !sawUser {
		return apierr.Invalid("messages", "at least one user message is required")
	}
	return nil
}
