// Package model defines the canonical chat-completion request and response
// schema exposed on /native/v1, together with its validation rules. The
// canonical schema is provider-agnostic; translators map it to and from the
// provider wire formats.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentinelops/sentinel/internal/apierr"
)

// Tier is the symbolic complexity level clients send instead of a model name.
type Tier string

const (
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// Rank orders tiers: simple < moderate < complex.
func (t Tier) Rank() int {
	switch t {
	case TierModerate:
		return 1
	case TierComplex:
		return 2
	default:
		return 0
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierSimple, TierModerate, TierComplex:
		return true
	}
	return false
}

// MaxTier returns the higher of two tiers.
func MaxTier(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Content is either a bare string or an array of typed parts. The
// serialized form is an untagged sum: "hi" or [{"type":"text",...}].
type Content struct {
	Text  string
	Parts []ContentPart

	parts bool
}

// TextContent builds a plain-string content value.
func TextContent(s string) *Content {
	return &Content{Text: s}
}

// PartsContent builds an array-of-parts content value.
func PartsContent(parts []ContentPart) *Content {
	return &Content{Parts: parts, parts: true}
}

// IsParts reports whether the content was the array form.
func (c *Content) IsParts() bool { return c.parts }

// Flatten returns the textual content: the string itself, or the
// concatenation of all text parts.
func (c *Content) Flatten() string {
	if c == nil {
		return ""
	}
	if !c.parts {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == ContentPartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("content must be a string or an array of parts")
	}
	switch trimmed[0] {
	case '"':
		c.parts = false
		c.Parts = nil
		return json.Unmarshal(trimmed, &c.Text)
	case '[':
		c.parts = true
		c.Text = ""
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		return dec.Decode(&c.Parts)
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.parts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Content part types.
const (
	ContentPartText     = "text"
	ContentPartImageURL = "image_url"
)

// ContentPart is one element of the array content form.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference inside a content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    *Content   `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a structured invocation emitted by the assistant. Unlike the
// provider wire format, Arguments is a JSON value, not a string.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the invoked function and carries its arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the payload of a Tool-role message.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Content    json.RawMessage `json:"content"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ToolDefinition declares a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the schema half of a tool definition.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tool choice kinds.
type ToolChoiceKind string

const (
	ToolChoiceAuto     ToolChoiceKind = "auto"
	ToolChoiceNone     ToolChoiceKind = "none"
	ToolChoiceRequired ToolChoiceKind = "required"
	ToolChoiceFunction ToolChoiceKind = "function"
)

// ToolChoice is either a bare mode string or a named-function selector.
type ToolChoice struct {
	Kind         ToolChoiceKind
	FunctionName string
}

func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		switch ToolChoiceKind(s) {
		case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
			tc.Kind = ToolChoiceKind(s)
			return nil
		}
		return fmt.Errorf("tool_choice must be one of auto, none, required or a function selector")
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return err
	}
	if obj.Type != "function" || obj.Function.Name == "" {
		return fmt.Errorf("tool_choice function selector requires type \"function\" and a name")
	}
	tc.Kind = ToolChoiceFunction
	tc.FunctionName = obj.Function.Name
	return nil
}

func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Kind == ToolChoiceFunction {
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.FunctionName},
		})
	}
	return json.Marshal(string(tc.Kind))
}

// StopSequences accepts a bare string or an array of up to four strings.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var one string
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return err
		}
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = StopSequences(many)
	return nil
}

// ChatCompletionRequest is the canonical request body of
// POST /native/v1/chat/completions. Unknown fields are rejected at parse.
type ChatCompletionRequest struct {
	Tier        Tier            `json:"tier,omitempty"`
	Messages    []Message       `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        StopSequences   `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice     `json:"tool_choice,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}

// EffectiveTier returns the requested tier, defaulting to simple.
func (r *ChatCompletionRequest) EffectiveTier() Tier {
	if r.Tier == "" {
		return TierSimple
	}
	return r.Tier
}

// Parse deserializes a canonical request, rejecting unknown fields at any
// nesting level. The returned error names the offending field.
func Parse(data []byte) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, apierr.Invalid("", "%s", decodeErrorMessage(err))
	}
	// A trailing second JSON document is as malformed as a bad first one.
	if dec.More() {
		return nil, apierr.Invalid("", "request body contains more than one JSON document")
	}
	if req.Tier != "" && !req.Tier.Valid() {
		return nil, apierr.Invalid("tier", "tier must be one of simple, moderate, complex")
	}
	return &req, nil
}

// decodeErrorMessage strips the "json: " prefix so clients see a clean
// message that still names the unknown field or mismatched type.
func decodeErrorMessage(err error) string {
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "json: ")
	return msg
}
