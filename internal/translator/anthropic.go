package translator

import (
	"strings"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/model"
)

// Anthropic is the translator scaffold for the Anthropic messages format.
// The validation and normalization helpers are functional; full request and
// response translation lands with the Anthropic provider client.
type Anthropic struct{}

// NewAnthropic returns an Anthropic translator scaffold.
func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

// ErrNotImplemented signals that Anthropic wire translation is not wired yet.
var ErrNotImplemented = apierr.New(apierr.KindServiceUnavailable, "anthropic translation is not implemented")

// TranslateRequest is not implemented yet.
func (t *Anthropic) TranslateRequest(req *model.ChatCompletionRequest, modelName string) (map[string]any, error) {
	return nil, ErrNotImplemented
}

// TranslateResponse is not implemented yet.
func (t *Anthropic) TranslateResponse(body []byte) (*model.ChatCompletionResponse, *ToolCallIDMapping, error) {
	return nil, nil, ErrNotImplemented
}

// ValidateAlternation enforces the Anthropic role ordering: leading system
// block, then strictly alternating user/assistant starting with user.
func (t *Anthropic) ValidateAlternation(messages []model.Message) error {
	return model.ValidateForAnthropic(messages)
}

// ExtractSystemPrompt splits leading system messages from the rest,
// concatenating them by newline. The remainder must obey alternation.
func (t *Anthropic) ExtractSystemPrompt(messages []model.Message) (string, []model.Message, error) {
	var systems []string
	rest := messages
	for len(rest) > 0 && rest[0].Role == model.RoleSystem {
		systems = append(systems, rest[0].Content.Flatten())
		rest = rest[1:]
	}
	if err := model.ValidateForAnthropic(rest); err != nil {
		return "", nil, err
	}
	return strings.Join(systems, "\n"), rest, nil
}

// TranslateStopReason maps an Anthropic stop reason to the canonical
// finish_reason vocabulary.
func (t *Anthropic) TranslateStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
