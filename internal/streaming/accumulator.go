package streaming

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sentinelops/sentinel/internal/model"
)

// ToolCallAccumulator reassembles tool calls from indexed fragments. The
// provider-reported index is the key, so parallel tool calls interleaving
// in the stream accumulate independently.
type ToolCallAccumulator struct {
	entries map[int]*toolCallEntry
}

type toolCallEntry struct {
	id        string
	name      string
	arguments strings.Builder
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{entries: make(map[int]*toolCallEntry)}
}

// Apply folds one fragment in: id and name stick from their first
// occurrence, argument fragments concatenate.
func (a *ToolCallAccumulator) Apply(d model.ToolCallDelta) {
	entry := a.entries[d.Index]
	if entry == nil {
		entry = &toolCallEntry{}
		a.entries[d.Index] = entry
	}
	if d.ID != "" && entry.id == "" {
		entry.id = d.ID
	}
	if d.Function != nil {
		if d.Function.Name != "" && entry.name == "" {
			entry.name = d.Function.Name
		}
		entry.arguments.WriteString(d.Function.Arguments)
	}
}

// Len returns the number of distinct tool calls seen.
func (a *ToolCallAccumulator) Len() int { return len(a.entries) }

// Finalize parses each accumulated arguments string and returns the tool
// calls ordered by index. A fragment sequence that does not concatenate to
// valid JSON fails the whole stream.
func (a *ToolCallAccumulator) Finalize() ([]model.ToolCall, error) {
	indexes := make([]int, 0, len(a.entries))
	for idx := range a.entries {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]model.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		entry := a.entries[idx]
		raw := entry.arguments.String()
		if raw == "" {
			raw = "{}"
		}
		var args json.RawMessage
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, fmt.Errorf("tool call %d (%s): arguments are not valid JSON: %w", idx, entry.name, err)
		}
		calls = append(calls, model.ToolCall{
			ID:   entry.id,
			Type: "function",
			Function: model.FunctionCall{
				Name:      entry.name,
				Arguments: args,
			},
		})
	}
	return calls, nil
}
