// Package passthrough relays /v1/* requests to the upstream provider
// without translation, adding quota enforcement and usage accounting.
package passthrough

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/middleware"
	"github.com/sentinelops/sentinel/internal/streaming"
	"github.com/sentinelops/sentinel/internal/svc"
)

const maxBodyBytes = 10 << 20

// looseRequest is the minimal read of a pass-through body: just enough
// for pre-counting and stream detection. The body forwards verbatim.
type looseRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Prompt   any    `json:"prompt"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// ForwardHandler relays one /v1/* endpoint upstream. Usage is pre-counted
// from the request and corrected from the provider's reported usage when
// the response carries one.
func ForwardHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, ok := middleware.UserFrom(ctx)
		if !ok {
			httputil.WriteError(w, apierr.Unauthorized(""))
			return
		}

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				httputil.WriteError(w, apierr.Invalid("", "failed to read request body"))
				return
			}
		}

		var loose looseRequest
		if len(body) > 0 {
			_ = json.Unmarshal(body, &loose)
		}
		inputTokens := preCount(svcCtx, loose)

		path := strings.TrimPrefix(r.URL.Path, "/v1")
		if r.URL.RawQuery != "" {
			path += "?" + r.URL.RawQuery
		}

		var reqBody io.Reader
		if len(body) > 0 {
			reqBody = bytes.NewReader(body)
		}
		resp, err := svcCtx.Provider.ForwardRaw(ctx, r.Method, path, reqBody, r.Header)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		defer resp.Body.Close()

		copyResponseHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)

		if loose.Stream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			outputTokens := relayStream(svcCtx, w, resp.Body, loose.Model)
			if resp.StatusCode == http.StatusOK {
				enqueue(svcCtx, user.ExternalID, inputTokens, outputTokens, loose.Model)
			}
			return
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			logging.Warnf("passthrough read from upstream failed: %v", err)
			return
		}
		w.Write(respBody)

		if resp.StatusCode == http.StatusOK {
			input, output := responseUsage(svcCtx, respBody, loose.Model, inputTokens)
			enqueue(svcCtx, user.ExternalID, input, output, loose.Model)
		}
	}
}

func enqueue(svcCtx *svc.ServiceContext, externalID string, input, output int, model string) {
	svcCtx.Reporter.Enqueue(governance.UsageIncrement{
		ExternalID:   externalID,
		InputTokens:  input,
		OutputTokens: output,
		RequestCount: 1,
		Model:        model,
	})
}

// preCount estimates input tokens from the request body.
func preCount(svcCtx *svc.ServiceContext, loose looseRequest) int {
	total := 0
	for _, msg := range loose.Messages {
		var text string
		if err := json.Unmarshal(msg.Content, &text); err != nil {
			text = string(msg.Content)
		}
		total += svcCtx.Tokenizer.CountText(loose.Model, text)
	}
	if prompt, ok := loose.Prompt.(string); ok {
		total += svcCtx.Tokenizer.CountText(loose.Model, prompt)
	}
	return total
}

// responseUsage prefers the provider's reported usage over pre-counts.
func responseUsage(svcCtx *svc.ServiceContext, body []byte, model string, preCounted int) (int, int) {
	var parsed struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return preCounted, 0
	}
	if parsed.Usage != nil {
		return parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens
	}
	output := 0
	for _, choice := range parsed.Choices {
		output += svcCtx.Tokenizer.CountText(model, choice.Message.Content)
		output += svcCtx.Tokenizer.CountText(model, choice.Text)
	}
	return preCounted, output
}

// relayStream copies the upstream SSE body to the client verbatim while
// tapping frames for token accounting. Returns the output token count.
func relayStream(svcCtx *svc.ServiceContext, w http.ResponseWriter, upstream io.Reader, model string) int {
	flusher, _ := w.(http.Flusher)
	parser := streaming.NewSSEParser()

	var (
		content strings.Builder
		usage   *struct {
			CompletionTokens int `json:"completion_tokens"`
		}
	)

	buf := make([]byte, 8192)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			for _, payload := range parser.Feed(buf[:n]) {
				if payload == streaming.DoneSentinel {
					continue
				}
				var chunk struct {
					Choices []struct {
						Delta struct {
							Content string `json:"content"`
						} `json:"delta"`
						Text string `json:"text"`
					} `json:"choices"`
					Usage *struct {
						CompletionTokens int `json:"completion_tokens"`
					} `json:"usage"`
				}
				if json.Unmarshal([]byte(payload), &chunk) != nil {
					continue
				}
				for _, choice := range chunk.Choices {
					content.WriteString(choice.Delta.Content)
					content.WriteString(choice.Text)
				}
				if chunk.Usage != nil {
					usage = chunk.Usage
				}
			}
		}
		if err != nil {
			break
		}
	}

	if usage != nil {
		return usage.CompletionTokens
	}
	return svcCtx.Tokenizer.CountText(model, content.String())
}

// copyResponseHeaders forwards the upstream response headers the client
// needs; hop-by-hop headers stay behind.
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		switch strings.ToLower(name) {
		case "connection", "transfer-encoding", "keep-alive":
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
}
