// Package tokenizer provides deterministic token counting for quota
// pre-counts and for synthesizing usage when a provider omits it. Counts
// are advisory; provider-reported usage wins when present.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/model"
)

// DefaultEncoding is used for models tiktoken does not know.
const DefaultEncoding = "cl100k_base"

// Per-message surcharges of the OpenAI chat format.
const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPriming     = 3
)

// Service counts tokens with lazily loaded, per-model encoders.
type Service struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// New returns an empty tokenizer service; encoders load on first use.
func New() *Service {
	return &Service{encoders: make(map[string]*tiktoken.Tiktoken)}
}

func (s *Service) encoderFor(modelName string) *tiktoken.Tiktoken {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc, ok := s.encoders[modelName]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			logging.Warnf("tokenizer: no encoder available for %s: %v", modelName, err)
			enc = nil
		}
	}
	s.encoders[modelName] = enc
	return enc
}

// CountText returns the token count of text for the model. When no
// encoder can be loaded at all, a character-based estimate keeps the
// count usable.
func (s *Service) CountText(modelName, text string) int {
	if text == "" {
		return 0
	}
	enc := s.encoderFor(modelName)
	if enc == nil {
		return estimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountChat counts a message sequence with the per-message and per-name
// surcharges of the OpenAI chat format, plus the reply priming overhead.
func (s *Service) CountChat(modelName string, messages []model.Message) int {
	total := replyPriming
	for _, msg := range messages {
		total += tokensPerMessage
		total += s.CountText(modelName, string(msg.Role))
		total += s.CountText(modelName, msg.Content.Flatten())
		if msg.Name != "" {
			total += tokensPerName + s.CountText(modelName, msg.Name)
		}
		for _, tc := range msg.ToolCalls {
			total += s.CountText(modelName, tc.Function.Name)
			total += s.CountText(modelName, string(tc.Function.Arguments))
		}
	}
	return total
}

// estimateTokens approximates ~4 characters per token. Only used when the
// encoder data cannot be loaded.
func estimateTokens(text string) int {
	chars := len([]rune(text))
	whitespace := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")
	estimated := chars/4 + whitespace/6
	if estimated < 1 {
		return 1
	}
	return estimated
}
