package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/provider"
	"github.com/sentinelops/sentinel/internal/router"
	"github.com/sentinelops/sentinel/internal/session"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/internal/svc"
	"github.com/sentinelops/sentinel/internal/tokenizer"
	"github.com/sentinelops/sentinel/internal/translator"
	"github.com/sentinelops/sentinel/internal/usage"
)

func init() {
	logging.Disable()
}

// fakeZion is the governance collaborator test double.
type fakeZion struct {
	mu         sync.Mutex
	tierConfig string
	usageCalls []map[string]any
}

func (z *fakeZion) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"external_id":"u1","email":"u1@example.com","user_id":"internal-1"}`)
	})
	mux.HandleFunc("/api/v1/tiers/config", func(w http.ResponseWriter, r *http.Request) {
		z.mu.Lock()
		defer z.mu.Unlock()
		fmt.Fprint(w, z.tierConfig)
	})
	mux.HandleFunc("/api/v1/limits/external/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/api/v1/usage/external/batch-increment", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Increments []map[string]any `json:"increments"`
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		z.mu.Lock()
		z.usageCalls = append(z.usageCalls, body.Increments...)
		z.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/usage/external/increment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (z *fakeZion) usageFor(externalID string) (map[string]any, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, inc := range z.usageCalls {
		if inc["external_id"] == externalID {
			return inc, true
		}
	}
	return nil, false
}

const defaultTierConfig = `{
	"version": 1,
	"tiers": {
		"simple":   [{"provider":"openai","model":"gpt-4o-mini","relative_cost":1}],
		"moderate": [{"provider":"openai","model":"gpt-4o","relative_cost":3}],
		"complex":  [
			{"provider":"openai","model":"gpt-4","relative_cost":5},
			{"provider":"anthropic","model":"claude-opus","relative_cost":6}
		]
	}
}`

type gatewayFixture struct {
	svcCtx   *svc.ServiceContext
	server   *httptest.Server
	zion     *fakeZion
	provider *httptest.Server
}

func newGateway(t *testing.T, providerHandler http.HandlerFunc) *gatewayFixture {
	t.Helper()

	zion := &fakeZion{tierConfig: defaultTierConfig}
	zionSrv := httptest.NewServer(zion.handler())
	t.Cleanup(zionSrv.Close)

	providerSrv := httptest.NewServer(providerHandler)
	t.Cleanup(providerSrv.Close)

	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	c := config.Config{
		Host:                        "127.0.0.1",
		Port:                        8080,
		GovernanceURL:               zionSrv.URL,
		GovernanceAPIKey:            "zion-key",
		ProviderAPIURL:              providerSrv.URL,
		ProviderAPIKey:              "provider-key",
		AuthCacheTTLSeconds:         300,
		LimitsCacheTTLSeconds:       300,
		TierConfigTTLSeconds:        1800,
		SessionTTLSeconds:           3600,
		RateLimitRequests:           100,
		RateLimitWindowSeconds:      60,
		UsageBatchSize:              100,
		UsageBatchIntervalMS:        10,
		UsageQueueCapacity:          100,
		UsageBreakerThreshold:       3,
		UsageBreakerResetSeconds:    30,
		UsageUpstreamRPS:            1000,
		HealthInitialBackoffSeconds: 30,
		HealthMaxBackoffSeconds:     300,
		HealthBackoffMultiplier:     2.0,
		UpstreamTimeoutSeconds:      10,
	}

	gov := governance.NewClient(c.GovernanceURL, c.GovernanceAPIKey)
	tierCache := governance.NewTierConfigCache(gov, st, c.TierConfigTTL())
	health := router.NewHealthTracker(c.HealthInitialBackoff(), c.HealthMaxBackoff(), c.HealthBackoffMultiplier)
	tierRouter := router.NewTier(tierCache, health)
	m := metrics.New()

	svcCtx := &svc.ServiceContext{
		Config:     c,
		Store:      st,
		Governance: gov,
		TierConfig: tierCache,
		Limits:     governance.NewLimitsCache(gov, st, c.LimitsCacheTTL()),
		Health:     health,
		TierRouter: tierRouter,
		Sessions:   session.NewEngine(st, tierRouter, c.SessionTTL()),
		Tokenizer:  tokenizer.New(),
		Provider:   provider.NewClient(c.ProviderAPIURL, c.ProviderAPIKey, c.UpstreamTimeout()),
		OpenAI:     translator.NewOpenAI(),
		Anthropic:  translator.NewAnthropic(),
		Metrics:    m,
	}
	svcCtx.Reporter = usage.NewReporter(gov, st, m, usage.ReporterConfig{
		QueueCapacity:    c.UsageQueueCapacity,
		BatchSize:        c.UsageBatchSize,
		FlushInterval:    c.UsageBatchInterval(),
		UpstreamRPS:      c.UsageUpstreamRPS,
		BreakerThreshold: c.UsageBreakerThreshold,
		BreakerReset:     c.UsageBreakerReset(),
	})
	svcCtx.Reporter.Start(t.Context())
	t.Cleanup(svcCtx.Reporter.Stop)

	r := chi.NewRouter()
	RegisterHandlers(r, svcCtx)
	gwSrv := httptest.NewServer(r)
	t.Cleanup(gwSrv.Close)

	return &gatewayFixture{svcCtx: svcCtx, server: gwSrv, zion: zion, provider: providerSrv}
}

func (f *gatewayFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer good-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

const simpleProviderResponse = `{
	"id":"c1","created":1726000000,"model":"gpt-4o-mini",
	"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}
}`

func TestNativeSimpleNonStreaming(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, simpleProviderResponse)
	})

	resp := gw.post(t, "/native/v1/chat/completions", `{"tier":"simple","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-4o-mini", resp.Header.Get("X-Sentinel-Model"))
	assert.Equal(t, "simple", resp.Header.Get("X-Sentinel-Tier"))

	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "hello", body.Choices[0].Message.Content)
	assert.Equal(t, 4, body.Usage.TotalTokens)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := gw.zion.usageFor("u1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	inc, ok := gw.zion.usageFor("u1")
	require.True(t, ok, "usage increment must reach governance")
	assert.EqualValues(t, 3, inc["input_tokens"])
	assert.EqualValues(t, 1, inc["output_tokens"])
	assert.EqualValues(t, 1, inc["request_count"])
	assert.Equal(t, "gpt-4o-mini", inc["model"])
}

func TestNativeStreamingWithUsage(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"c1","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`,
			`{"id":"c1","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","created":1,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
		}
		for _, fr := range frames {
			fmt.Fprintf(w, "data: %s\n\n", fr)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp := gw.post(t, "/native/v1/chat/completions", `{"tier":"simple","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(data)

	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]"))
	frames := strings.Split(strings.TrimSpace(out), "\n\n")
	require.GreaterOrEqual(t, len(frames), 4)
	penultimate := frames[len(frames)-2]
	assert.Contains(t, penultimate, `"total_tokens":4`)
}

func TestNativeToolCallRoundTrip(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id":"c2","created":1726000000,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{
				"role":"assistant","content":null,
				"tool_calls":[{"id":"toolu_xyz","type":"function","function":{"name":"get_weather","arguments":"{\"location\":\"Paris\"}"}}]
			}}],
			"usage":{"prompt_tokens":20,"completion_tokens":10,"total_tokens":30}
		}`)
	})

	body := `{
		"tier":"simple",
		"messages":[{"role":"user","content":"weather in paris?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","description":"weather lookup","parameters":{"type":"object","properties":{"location":{"type":"string"}}}}}]
	}`
	resp := gw.post(t, "/native/v1/chat/completions", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Arguments map[string]any `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	calls := parsed.Choices[0].Message.ToolCalls
	require.Len(t, calls, 1)
	assert.Regexp(t, regexp.MustCompile(`^call_[0-9a-f-]{36}$`), calls[0].ID)
	assert.Equal(t, "Paris", calls[0].Function.Arguments["location"])
}

func TestNativeSessionTierUpgrade(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, simpleProviderResponse)
	})

	first := gw.post(t, "/native/v1/chat/completions", `{"tier":"simple","session_id":"s1","messages":[{"role":"user","content":"hi"}]}`)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "gpt-4o-mini", first.Header.Get("X-Sentinel-Model"))

	second := gw.post(t, "/native/v1/chat/completions", `{"tier":"complex","session_id":"s1","messages":[{"role":"user","content":"hi"}]}`)
	second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "complex", second.Header.Get("X-Sentinel-Tier"))
	assert.Equal(t, "gpt-4", second.Header.Get("X-Sentinel-Model"), "preferred provider preserved")

	third := gw.post(t, "/native/v1/chat/completions", `{"tier":"simple","session_id":"s1","messages":[{"role":"user","content":"hi"}]}`)
	third.Body.Close()
	require.Equal(t, http.StatusOK, third.StatusCode)
	assert.Equal(t, "complex", third.Header.Get("X-Sentinel-Tier"), "no downgrade")
	assert.Equal(t, "gpt-4", third.Header.Get("X-Sentinel-Model"))
}

func TestNativeAllModelsUnhealthy(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, simpleProviderResponse)
	})
	gw.zion.mu.Lock()
	gw.zion.tierConfig = `{"version":1,"tiers":{"simple":[{"provider":"openai","model":"gpt-x","relative_cost":1}]}}`
	gw.zion.mu.Unlock()

	gw.svcCtx.Health.RecordFailure("openai", "gpt-x")
	gw.svcCtx.Health.RecordFailure("openai", "gpt-x")

	resp := gw.post(t, "/native/v1/chat/completions", `{"tier":"simple","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "service_unavailable", envelope.Error.Type)
}

func TestNativeUnknownFieldRejected(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, simpleProviderResponse)
	})

	resp := gw.post(t, "/native/v1/chat/completions", `{"tier":"simple","messages":[{"role":"user","content":"hi"}],"temperature":0.5,"stream_options":{}}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "invalid_request_error", envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "stream_options")
}

func TestNativeRetriesOnAlternateModel(t *testing.T) {
	var calls int
	var mu sync.Mutex
	var models []string
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(data, &body)
		mu.Lock()
		models = append(models, body["model"].(string))
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		fmt.Fprint(w, simpleProviderResponse)
	})
	gw.zion.mu.Lock()
	gw.zion.tierConfig = `{"version":1,"tiers":{"complex":[
		{"provider":"openai","model":"gpt-4","relative_cost":5},
		{"provider":"openai","model":"gpt-4-turbo","relative_cost":5}
	]}}`
	gw.zion.mu.Unlock()

	resp := gw.post(t, "/native/v1/chat/completions", `{"tier":"complex","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, models, 2)
	assert.NotEqual(t, models[0], models[1], "retry must use a different model")
}

func TestAuthRequiredOnBothSurfaces(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, simpleProviderResponse)
	})
	for _, path := range []string{"/v1/chat/completions", "/native/v1/chat/completions"} {
		req, _ := http.NewRequest(http.MethodPost, gw.server.URL+path, strings.NewReader(`{}`))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestPassthroughForwardsAndAccounts(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer provider-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, simpleProviderResponse)
	})

	resp := gw.post(t, "/v1/chat/completions", `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "c1", body["id"])

	deadline := time.Now().Add(2 * time.Second)
	var inc map[string]any
	var ok bool
	for time.Now().Before(deadline) {
		if inc, ok = gw.zion.usageFor("u1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok)
	assert.EqualValues(t, 3, inc["input_tokens"])
	assert.EqualValues(t, 1, inc["output_tokens"])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		resp, err := http.Get(gw.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	gw := newGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	resp, err := http.Get(gw.server.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "not_found", envelope.Error.Type)
}
