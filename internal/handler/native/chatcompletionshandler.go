// Package native serves the provider-agnostic /native/v1 surface.
package native

import (
	"context"
	"io"
	"net/http"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/httputil"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/middleware"
	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/session"
	"github.com/sentinelops/sentinel/internal/streaming"
	"github.com/sentinelops/sentinel/internal/svc"
	"github.com/sentinelops/sentinel/internal/translator"
)

const maxBodyBytes = 10 << 20

// requestTranslator is the provider-facing translation surface.
type requestTranslator interface {
	TranslateRequest(req *model.ChatCompletionRequest, modelName string) (map[string]any, error)
	TranslateResponse(body []byte) (*model.ChatCompletionResponse, *translator.ToolCallIDMapping, error)
}

func translatorFor(svcCtx *svc.ServiceContext, provider string) requestTranslator {
	if provider == "anthropic" {
		return svcCtx.Anthropic
	}
	// Everything else speaks the OpenAI-compatible wire format.
	return svcCtx.OpenAI
}

// ChatCompletionsHandler implements POST /native/v1/chat/completions:
// canonical parse and validation, session/tier resolution, translation,
// upstream call (streaming or not), and normalization back.
func ChatCompletionsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, ok := middleware.UserFrom(ctx)
		if !ok {
			httputil.WriteError(w, apierr.Unauthorized(""))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			httputil.WriteError(w, apierr.Invalid("", "failed to read request body"))
			return
		}

		req, err := model.Parse(body)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if err := model.ValidateSemantic(req); err != nil {
			httputil.WriteError(w, err)
			return
		}

		resolution, err := svcCtx.Sessions.Resolve(ctx, req.SessionID, req.EffectiveTier(), user.ExternalID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		trans := translatorFor(svcCtx, resolution.Provider)
		wireReq, err := trans.TranslateRequest(req, resolution.Model)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		promptTokens := svcCtx.Tokenizer.CountChat(resolution.Model, req.Messages)

		if req.Stream {
			streamCompletion(ctx, svcCtx, w, r, req, resolution, wireReq, promptTokens, user.ExternalID)
			return
		}
		completeOnce(ctx, svcCtx, w, r, req, resolution, trans, wireReq, promptTokens, user.ExternalID)
	}
}

func completeOnce(
	ctx context.Context,
	svcCtx *svc.ServiceContext,
	w http.ResponseWriter,
	r *http.Request,
	req *model.ChatCompletionRequest,
	resolution *session.Resolution,
	trans requestTranslator,
	wireReq map[string]any,
	promptTokens int,
	externalID string,
) {
	provider, modelName := resolution.Provider, resolution.Model

	respBody, err := svcCtx.Provider.ChatCompletions(ctx, wireReq, r.Header)
	if err != nil {
		if !retryable(err) {
			httputil.WriteError(w, err)
			return
		}
		svcCtx.Health.RecordFailure(provider, modelName)
		svcCtx.Metrics.UpstreamRequestsTotal.WithLabelValues(provider, modelName, "error").Inc()

		alt, altErr := svcCtx.TierRouter.RetryModel(ctx, resolution.Tier, modelName)
		if altErr != nil || alt == nil {
			httputil.WriteError(w, err)
			return
		}
		logging.Infof("retrying tier %s on %s/%s after %s/%s failed", resolution.Tier, alt.Provider, alt.Model, provider, modelName)

		trans = translatorFor(svcCtx, alt.Provider)
		wireReq, err = trans.TranslateRequest(req, alt.Model)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		provider, modelName = alt.Provider, alt.Model

		respBody, err = svcCtx.Provider.ChatCompletions(ctx, wireReq, r.Header)
		if err != nil {
			if retryable(err) {
				svcCtx.Health.RecordFailure(provider, modelName)
			}
			svcCtx.Metrics.UpstreamRequestsTotal.WithLabelValues(provider, modelName, "error").Inc()
			httputil.WriteError(w, err)
			return
		}
	}
	svcCtx.Health.RecordSuccess(provider, modelName)
	svcCtx.Metrics.UpstreamRequestsTotal.WithLabelValues(provider, modelName, "ok").Inc()

	canonical, _, err := trans.TranslateResponse(respBody)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	usage := canonical.Usage
	if usage.TotalTokens == 0 {
		completion := 0
		if len(canonical.Choices) > 0 {
			completion = svcCtx.Tokenizer.CountText(modelName, canonical.Choices[0].Message.Content.Flatten())
		}
		usage = model.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completion,
			TotalTokens:      promptTokens + completion,
		}
		canonical.Usage = usage
	}

	svcCtx.Reporter.Enqueue(governance.UsageIncrement{
		ExternalID:   externalID,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		RequestCount: 1,
		Model:        modelName,
	})

	w.Header().Set("X-Sentinel-Model", modelName)
	w.Header().Set("X-Sentinel-Tier", string(resolution.Tier))
	httputil.OkJSON(w, canonical)
}

func streamCompletion(
	ctx context.Context,
	svcCtx *svc.ServiceContext,
	w http.ResponseWriter,
	r *http.Request,
	req *model.ChatCompletionRequest,
	resolution *session.Resolution,
	wireReq map[string]any,
	promptTokens int,
	externalID string,
) {
	provider, modelName := resolution.Provider, resolution.Model

	upstream, err := svcCtx.Provider.ChatCompletionsStream(ctx, wireReq, r.Header)
	if err != nil {
		if retryable(err) {
			svcCtx.Health.RecordFailure(provider, modelName)
		}
		svcCtx.Metrics.UpstreamRequestsTotal.WithLabelValues(provider, modelName, "error").Inc()
		httputil.WriteError(w, err)
		return
	}
	defer upstream.Close()

	w.Header().Set("X-Sentinel-Model", modelName)
	w.Header().Set("X-Sentinel-Tier", string(resolution.Tier))
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	pipe := streaming.NewPipeline(svcCtx.Tokenizer, modelName, promptTokens)
	result, runErr := pipe.Run(ctx, upstream, w, flush)
	if runErr != nil {
		// Client disconnects and upstream faults both land here; either
		// way the stream is over and usage so far still counts.
		svcCtx.Metrics.StreamErrorsTotal.Inc()
		logging.Warnf("stream for %s/%s ended early: %v", provider, modelName, runErr)
	} else {
		svcCtx.Health.RecordSuccess(provider, modelName)
		svcCtx.Metrics.UpstreamRequestsTotal.WithLabelValues(provider, modelName, "ok").Inc()
	}

	svcCtx.Reporter.Enqueue(governance.UsageIncrement{
		ExternalID:   externalID,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
		RequestCount: 1,
		Model:        modelName,
	})
}

// retryable reports whether an upstream failure may be retried on another
// model. Client faults must not be.
func retryable(err error) bool {
	apiErr := apierr.From(err)
	switch apiErr.Kind {
	case apierr.KindUpstreamError, apierr.KindServiceUnavailable, apierr.KindRateLimited:
		return true
	}
	return false
}
