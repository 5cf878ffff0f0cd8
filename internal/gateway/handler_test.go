package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/connector"
	"github.com/gatemandev/gateman/internal/health"
	"github.com/gatemandev/gateman/internal/metrics"
	"github.com/gatemandev/gateman/internal/routing"
	"github.com/gatemandev/gateman/internal/stats"
	"github.com/gatemandev/gateman/internal/testutil"
	"github.com/gatemandev/gateman/internal/tokenizer"
	"github.com/gatemandev/gateman/internal/vault"
)

// testGateway bundles the wired components one test needs to poke at.
type testGateway struct {
	server    *httptest.Server
	handler   *Handler
	stats     *stats.Aggregator
	collector *metrics.Collector
	arena     *health.Arena
}

// newTestGateway wires a full gateway against the given provider configs.
func newTestGateway(t *testing.T, providers []config.ProviderConfig, strategy string) *testGateway {
	t.Helper()
	if strategy == "" {
		strategy = "failover"
	}
	cfg := config.DefaultConfig()
	cfg.Providers = providers
	cfg.Routing.DefaultStrategy = strategy
	cfg.Routing.DefaultProvider = ""

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name
	}
	arena := health.NewArena(names, 5, 30*time.Second)

	table, err := routing.Build(cfg, arena)
	if err != nil {
		t.Fatalf("building routing table: %v", err)
	}
	pool := connector.NewPool(cfg, arena, vault.New(), zerolog.Nop())
	t.Cleanup(pool.Close)

	agg, err := stats.New(100)
	if err != nil {
		t.Fatalf("creating aggregator: %v", err)
	}
	collector := metrics.NewCollector()

	handler := NewHandler(nil, agg, collector, tokenizer.New(), zerolog.Nop())
	handler.SetBackends(&Backends{Table: table, Pool: pool})

	admin := NewAdmin(handler, collector, nil)
	srv := NewServer(handler, admin, collector, ":0", 0, 0, false)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testGateway{
		server:    ts,
		handler:   handler,
		stats:     agg,
		collector: collector,
		arena:     arena,
	}
}

func anthropicProvider(name, baseURL string, models ...string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:    name,
		Kind:    "anthropic",
		BaseURL: baseURL,
		KeyRef:  "static:test-key",
		Models:  models,
		Enabled: true,
		Weight:  1,
	}
}

func openaiProvider(name, baseURL string, models ...string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:    name,
		Kind:    "openai",
		BaseURL: baseURL,
		KeyRef:  "static:test-key",
		Models:  models,
		Enabled: true,
		Weight:  1,
	}
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sending request: %v", err)
	}
	return resp
}

func TestPassthroughBuffered_BodyForwardedByteForByte(t *testing.T) {
	upstreamBody := string(testutil.SampleAnthropicResponse())
	stub := testutil.NewUpstreamStub(t, http.StatusOK, upstreamBody, false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicRequest(), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != upstreamBody {
		t.Errorf("passthrough modified the body:\ngot  %s\nwant %s", got, upstreamBody)
	}
	if resp.Header.Get("X-Gateman-Provider") != "anthropic-main" {
		t.Errorf("expected provider header anthropic-main, got %q", resp.Header.Get("X-Gateman-Provider"))
	}

	// The upstream saw the Anthropic auth scheme and the Messages path.
	if stub.LastPath != "/v1/messages" {
		t.Errorf("expected upstream path /v1/messages, got %s", stub.LastPath)
	}
	if stub.LastHeaders.Get("x-api-key") != "test-key" {
		t.Errorf("expected x-api-key to be set on the upstream request")
	}
	if !bytes.Equal(stub.LastBody, testutil.SampleAnthropicRequest()) {
		t.Errorf("passthrough modified the request body")
	}
}

func TestTranslationBuffered_AnthropicEntryToOpenAIProvider(t *testing.T) {
	stub := testutil.NewUpstreamStub(t, http.StatusOK, string(testutil.SampleOpenAIResponse()), false)

	gw := newTestGateway(t, []config.ProviderConfig{
		openaiProvider("openai-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicRequest(), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	// The provider received a Chat Completions request with the model intact.
	if stub.LastPath != "/v1/chat/completions" {
		t.Errorf("expected translated path /v1/chat/completions, got %s", stub.LastPath)
	}
	var sent struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(stub.LastBody, &sent); err != nil {
		t.Fatalf("upstream request not valid JSON: %v", err)
	}
	if sent.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model rewritten to %q", sent.Model)
	}
	if stub.LastHeaders.Get("Authorization") != "Bearer test-key" {
		t.Errorf("expected bearer auth on the OpenAI provider")
	}

	// The client got a Messages-shaped response with the usage mapped over.
	var got struct {
		Type       string `json:"type"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("response not valid JSON: %v\n%s", err, body)
	}
	if got.Type != "message" {
		t.Errorf("expected type message, got %q", got.Type)
	}
	if got.StopReason != "end_turn" {
		t.Errorf("expected stop_reason end_turn, got %q", got.StopReason)
	}
	if got.Usage.InputTokens != 25 || got.Usage.OutputTokens != 12 {
		t.Errorf("usage not carried over: %+v", got.Usage)
	}
}

func TestStreamingPassthrough_EventsForwardedAndMetered(t *testing.T) {
	stub := testutil.NewUpstreamStub(t, http.StatusOK, testutil.AnthropicStreamBody(), true)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicStreamRequest(),
		map[string]string{"X-Session-Id": "stream-pt"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	out := string(body)
	for _, want := range []string{"message_start", `"text":"Hello"`, `"text":" world"`, "message_stop"} {
		if !strings.Contains(out, want) {
			t.Errorf("stream output missing %q", want)
		}
	}

	// The scanner metered the stream: usage lands on the session aggregate.
	s, ok := gw.stats.Snapshot("stream-pt")
	if !ok {
		t.Fatal("session stream-pt not tracked")
	}
	if s.InputTokens != 10 || s.OutputTokens != 7 {
		t.Errorf("expected usage 10/7, got %d/%d", s.InputTokens, s.OutputTokens)
	}
}

func TestStreamingTranslation_AnthropicUpstreamToOpenAIClient(t *testing.T) {
	stub := testutil.NewUpstreamStub(t, http.StatusOK, testutil.AnthropicStreamBody(), true)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	reqBody := []byte(`{"model":"claude-sonnet-4-20250514","stream":true,"messages":[{"role":"user","content":"Hello"}]}`)
	resp := postJSON(t, gw.server.URL+"/v1/chat/completions", reqBody, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	if !strings.Contains(out, "chat.completion.chunk") {
		t.Errorf("expected chunk envelopes in translated stream:\n%s", out)
	}
	if !strings.Contains(out, "Hello") {
		t.Errorf("expected text delta content in translated stream")
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Errorf("expected [DONE] terminator in translated stream")
	}
	// No Anthropic framing may leak through.
	if strings.Contains(out, "message_start") {
		t.Errorf("anthropic frames leaked into translated stream:\n%s", out)
	}
}

func TestRetry_TransientStatusFailsOverOnce(t *testing.T) {
	bad := testutil.NewUpstreamStub(t, http.StatusServiceUnavailable, `{"error":"overloaded"}`, false)
	good := testutil.NewUpstreamStub(t, http.StatusOK, string(testutil.SampleAnthropicResponse()), false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("primary", bad.URL(), "claude-sonnet-4-20250514"),
		anthropicProvider("secondary", good.URL(), "claude-sonnet-4-20250514"),
	}, "failover")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicRequest(), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after failover, got %d", resp.StatusCode)
	}
	if bad.Hits != 1 || good.Hits != 1 {
		t.Errorf("expected one hit each, got primary=%d secondary=%d", bad.Hits, good.Hits)
	}
	if resp.Header.Get("X-Gateman-Provider") != "secondary" {
		t.Errorf("expected secondary to serve the request, got %q", resp.Header.Get("X-Gateman-Provider"))
	}
	if gw.collector.Stats().Retries != 1 {
		t.Errorf("expected 1 recorded retry, got %d", gw.collector.Stats().Retries)
	}
}

func TestRetry_NoSecondAttemptWithoutAlternates(t *testing.T) {
	bad := testutil.NewUpstreamStub(t, http.StatusServiceUnavailable, `{"error":"overloaded"}`, false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("only", bad.URL(), "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicRequest(), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 to propagate, got %d", resp.StatusCode)
	}
	if bad.Hits != 1 {
		t.Errorf("expected exactly one attempt, got %d", bad.Hits)
	}
}

func TestUpstreamError_BodyForwardedVerbatim(t *testing.T) {
	errBody := `{"error":{"type":"invalid_request_error","message":"max_tokens required"}}`
	stub := testutil.NewUpstreamStub(t, http.StatusBadRequest, errBody, false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicRequest(), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != errBody {
		t.Errorf("upstream error body modified:\ngot  %s\nwant %s", got, errBody)
	}
}

func TestNoProviderForModel_Returns503(t *testing.T) {
	stub := testutil.NewUpstreamStub(t, http.StatusOK, string(testutil.SampleAnthropicResponse()), false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	body := []byte(`{"model":"unknown-model","messages":[{"role":"user","content":"hi"}]}`)
	resp := postJSON(t, gw.server.URL+"/v1/messages", body, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var got struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("error body not valid JSON: %v", err)
	}
	if got.Error.Kind != ErrNoProvider {
		t.Errorf("expected kind %s, got %q", ErrNoProvider, got.Error.Kind)
	}
	if stub.Hits != 0 {
		t.Errorf("no upstream should have been contacted")
	}
}

func TestMissingModelField_Returns400(t *testing.T) {
	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", "http://127.0.0.1:1", "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", []byte(`{"messages":[]}`), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionPrecedence_HeaderWinsOverBodyField(t *testing.T) {
	stub := testutil.NewUpstreamStub(t, http.StatusOK, string(testutil.SampleAnthropicResponse()), false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	body := []byte(`{"model":"claude-sonnet-4-20250514","max_tokens":64,"metadata":{"user_id":"body-session"},"messages":[{"role":"user","content":"hi"}]}`)
	resp := postJSON(t, gw.server.URL+"/v1/messages", body, map[string]string{"X-Session-Id": "header-session"})
	resp.Body.Close()

	if _, ok := gw.stats.Snapshot("header-session"); !ok {
		t.Errorf("expected header session id to win")
	}
	if _, ok := gw.stats.Snapshot("body-session"); ok {
		t.Errorf("body session id should have been ignored")
	}
}

func TestSessionFromBodyCorrelationField(t *testing.T) {
	stub := testutil.NewUpstreamStub(t, http.StatusOK, string(testutil.SampleAnthropicResponse()), false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("anthropic-main", stub.URL(), "claude-sonnet-4-20250514"),
	}, "")

	body := []byte(`{"model":"claude-sonnet-4-20250514","max_tokens":64,"metadata":{"user_id":"body-session"},"messages":[{"role":"user","content":"hi"}]}`)
	resp := postJSON(t, gw.server.URL+"/v1/messages", body, nil)
	resp.Body.Close()

	s, ok := gw.stats.Snapshot("body-session")
	if !ok {
		t.Fatal("expected session from metadata.user_id")
	}
	if s.Requests != 1 {
		t.Errorf("expected 1 request, got %d", s.Requests)
	}
}

func TestTransientStatusFeedsCircuitBreaker(t *testing.T) {
	bad := testutil.NewUpstreamStub(t, http.StatusServiceUnavailable, `{"error":"down"}`, false)

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("flaky", bad.URL(), "claude-sonnet-4-20250514"),
	}, "")

	resp := postJSON(t, gw.server.URL+"/v1/messages", testutil.SampleAnthropicRequest(), nil)
	resp.Body.Close()

	views := gw.arena.SnapshotAll()
	if len(views) != 1 {
		t.Fatalf("expected 1 circuit, got %d", len(views))
	}
	if views[0].Failures != 1 {
		t.Errorf("expected 1 recorded failure, got %d", views[0].Failures)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		kind string
		want int
	}{
		{ErrInvalidDialect, http.StatusBadRequest},
		{ErrTranslation, http.StatusBadRequest},
		{ErrNoProvider, http.StatusServiceUnavailable},
		{ErrCircuitOpen, http.StatusServiceUnavailable},
		{ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{ErrUpstreamConnect, http.StatusBadGateway},
		{"something_else", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := errorStatus(tc.kind); got != tc.want {
			t.Errorf("errorStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestCircuitOpenResponseCarriesRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeGatewayError(rec, ErrCircuitOpen, "cooling down", 30*time.Second)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Errorf("expected Retry-After 30, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientDisconnectMidStream_RecordsCancelledEvent(t *testing.T) {
	frames := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"type\":\"message\",\"role\":\"assistant\",\"model\":\"claude-sonnet-4\",\"content\":[],\"usage\":{\"input_tokens\":10,\"output_tokens\":0}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"one \"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"two \"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"three \"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"four\"}}\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
			fl.Flush()
		}
		// Hold the stream open until the gateway drops the upstream
		// request on client cancellation.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	gw := newTestGateway(t, []config.ProviderConfig{
		anthropicProvider("only", upstream.URL, "claude-sonnet-4"),
	}, "")

	body := `{"model":"claude-sonnet-4","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"count"}]}`
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.server.URL+"/v1/messages", strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", "cancel-sess")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sending request: %v", err)
	}
	defer resp.Body.Close()

	// Read until all four deltas arrived, then hang up.
	sc := bufio.NewScanner(resp.Body)
	deltas := 0
	for deltas < 4 && sc.Scan() {
		if strings.Contains(sc.Text(), "content_block_delta") {
			deltas++
		}
	}
	if deltas != 4 {
		t.Fatalf("expected 4 deltas before disconnect, got %d (scan err %v)", deltas, sc.Err())
	}
	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, ok := gw.stats.Snapshot("cancel-sess")
		if ok && st.Cancelled == 1 {
			if st.InputTokens != 10 {
				t.Errorf("expected partial input tokens 10, got %d", st.InputTokens)
			}
			if st.Errors != 1 {
				t.Errorf("expected 1 error event, got %d", st.Errors)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cancelled event never recorded: %+v (tracked=%v)", st, ok)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
