package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/model"
)

// TokenCounter is the tokenizer surface the pipeline needs for synthesizing
// usage when the provider never reports it.
type TokenCounter interface {
	CountText(modelName, text string) int
}

// Result summarizes a finished (or aborted) stream for usage accounting.
// Usage is always populated: provider-reported when available, otherwise
// synthesized from the accumulated content.
type Result struct {
	Usage        model.Usage
	Content      string
	ToolCalls    []model.ToolCall
	FinishReason string
	UsageSynthesized bool
}

// Metadata captured from the first upstream chunk and stamped on
// synthetic frames.
type metadata struct {
	id      string
	model   string
	created int64
}

// Pipeline relays one upstream SSE stream to one client in unified form.
// It is single-use and runs on the request's goroutine; back-pressure is
// whatever the downstream write gives us.
type Pipeline struct {
	counter      TokenCounter
	modelName    string
	promptTokens int
}

// NewPipeline builds a pipeline for one stream. modelName selects the
// fallback tokenizer encoder; promptTokens is the advisory pre-count used
// when usage must be synthesized.
func NewPipeline(counter TokenCounter, modelName string, promptTokens int) *Pipeline {
	return &Pipeline{counter: counter, modelName: modelName, promptTokens: promptTokens}
}

// Run copies upstream to w until the upstream closes or either side
// fails. The returned Result carries usage for the reporter even on
// error; the error reports what interrupted the stream.
func (p *Pipeline) Run(ctx context.Context, upstream io.Reader, w io.Writer, flush func()) (*Result, error) {
	parser := NewSSEParser()
	accum := NewToolCallAccumulator()
	var (
		meta     metadata
		content  []byte
		usage    *model.Usage
		finish   string
		done     bool
	)

	emit := func(payload []byte) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flush()
		return nil
	}

	finalize := func() (*Result, error) {
		res := &Result{Content: string(content), FinishReason: finish}
		if usage != nil {
			res.Usage = *usage
		} else {
			completion := p.counter.CountText(p.modelName, string(content))
			res.Usage = model.Usage{
				PromptTokens:     p.promptTokens,
				CompletionTokens: completion,
				TotalTokens:      p.promptTokens + completion,
			}
			res.UsageSynthesized = true
		}
		calls, err := accum.Finalize()
		if err != nil {
			return res, err
		}
		res.ToolCalls = calls
		return res, nil
	}

	buf := make([]byte, 8192)
	for !done {
		if err := ctx.Err(); err != nil {
			res, _ := finalize()
			return res, err
		}
		n, readErr := upstream.Read(buf)
		if n > 0 {
			for _, payload := range parser.Feed(buf[:n]) {
				if payload == DoneSentinel {
					done = true
					break
				}
				chunk, ok := parseChunk([]byte(payload))
				if !ok {
					logging.Warnf("stream: skipping unparseable chunk from provider")
					continue
				}
				if meta.id == "" && chunk.ID != "" {
					meta = metadata{id: chunk.ID, model: chunk.Model, created: chunk.Created}
				}
				for _, choice := range chunk.Choices {
					content = append(content, choice.Delta.Content...)
					for _, d := range choice.Delta.ToolCalls {
						accum.Apply(d)
					}
					if choice.FinishReason != nil && *choice.FinishReason != "" {
						finish = *choice.FinishReason
					}
				}
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
				if len(chunk.Choices) == 0 && chunk.Usage == nil {
					continue
				}
				out, err := json.Marshal(chunk)
				if err != nil {
					continue
				}
				if err := emit(out); err != nil {
					res, _ := finalize()
					return res, err
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				res, _ := finalize()
				p.emitError(w, flush, apierr.Upstream("provider stream failed: %v", readErr))
				_ = emit([]byte(DoneSentinel))
				return res, readErr
			}
			break
		}
	}

	res, finErr := finalize()
	if finErr != nil {
		// Streams cannot retry; surface the parse failure as the final
		// event and terminate.
		p.emitError(w, flush, apierr.Upstream("tool call reassembly failed: %v", finErr))
		_ = emit([]byte(DoneSentinel))
		return res, finErr
	}

	if res.UsageSynthesized {
		synthetic := model.StreamChunk{
			ID:      meta.id,
			Object:  "chat.completion.chunk",
			Created: meta.created,
			Model:   metaModel(meta, p.modelName),
			Choices: []model.StreamChoice{},
			Usage:   &res.Usage,
		}
		if out, err := json.Marshal(synthetic); err == nil {
			if err := emit(out); err != nil {
				return res, err
			}
		}
	}

	if err := emit([]byte(DoneSentinel)); err != nil {
		return res, err
	}
	return res, nil
}

func metaModel(meta metadata, fallback string) string {
	if meta.model != "" {
		return meta.model
	}
	return fallback
}

// parseChunk reads one provider data frame. Unknown fields are ignored;
// frames that are not JSON objects at all are dropped by the caller.
func parseChunk(payload []byte) (*model.StreamChunk, bool) {
	var chunk model.StreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, false
	}
	return &chunk, true
}

// emitError writes an error envelope as an SSE frame. The HTTP status is
// committed by the time a stream starts, so this is the only channel left.
func (p *Pipeline) emitError(w io.Writer, flush func(), apiErr *apierr.Error) {
	payload, err := json.Marshal(apierr.Envelope{Error: apiErr})
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return
	}
	flush()
}
