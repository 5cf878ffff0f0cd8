package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/connector"
	"github.com/gatemandev/gateman/internal/dialect"
	"github.com/gatemandev/gateman/internal/metrics"
	"github.com/gatemandev/gateman/internal/recorder"
	"github.com/gatemandev/gateman/internal/routing"
	"github.com/gatemandev/gateman/internal/stats"
	"github.com/gatemandev/gateman/internal/tokenizer"
	"github.com/gatemandev/gateman/internal/tracing"
)

// sessionHeader carries an explicit session id from the client. It wins over
// the correlation field inside the request body.
const sessionHeader = "X-Session-Id"

// forwardedHeaders are the client headers passed through to the provider.
// Auth headers are included so a provider with the "client" credential
// source can see them; the connector strips them for every other source.
var forwardedHeaders = []string{
	"Authorization", "X-Api-Key", "Anthropic-Version",
	"X-Request-Id", "User-Agent", "Accept",
}

// Backends is the reload-swappable pair the handler dispatches through. A
// config reload builds a fresh routing table and connector pool and swaps
// them in atomically; requests in flight keep the pair they started with.
type Backends struct {
	Table *routing.Table
	Pool  *connector.Pool
}

// translationFailure marks a request the translator could not express in the
// provider's dialect. It never reached a provider.
type translationFailure struct {
	err error
}

func (e *translationFailure) Error() string { return fmt.Sprintf("translating request: %v", e.err) }
func (e *translationFailure) Unwrap() error { return e.err }

// Handler orchestrates one request: dialect detection, routing, optional
// translation, dispatch, streaming the response back, and emitting session
// events at each lifecycle point.
type Handler struct {
	backends atomic.Pointer[Backends]

	recorder  *recorder.Recorder
	stats     *stats.Aggregator
	collector *metrics.Collector
	tokenizer *tokenizer.Tokenizer
	notifier  RerouteNotifier
	logger    zerolog.Logger
}

// NewHandler creates a Handler. The recorder may be nil when recording is
// disabled; the stats aggregator and collector may be nil in tests.
func NewHandler(rec *recorder.Recorder, agg *stats.Aggregator, collector *metrics.Collector, tok *tokenizer.Tokenizer, logger zerolog.Logger) *Handler {
	return &Handler{
		recorder:  rec,
		stats:     agg,
		collector: collector,
		tokenizer: tok,
		notifier:  SystemNoticeNotifier{},
		logger:    logger,
	}
}

// SetNotifier replaces the reroute notification hook. Passing nil disables
// body mutation on retry regardless of the config flag.
func (h *Handler) SetNotifier(n RerouteNotifier) {
	h.notifier = n
}

// SetBackends installs a new routing table + connector pool pair. Safe to
// call concurrently with request handling.
func (h *Handler) SetBackends(b *Backends) {
	h.backends.Store(b)
}

// Backends returns the current pair, or nil before the first SetBackends.
func (h *Handler) Backends() *Backends {
	return h.backends.Load()
}

// emit fans one event out to the stats aggregator and the recorder. The
// aggregator folds synchronously (bounded work); the recorder enqueue never
// blocks. Events for one request are emitted in lifecycle order from the
// request's own goroutine, so ordering holds per request.
func (h *Handler) emit(ev *recorder.Event) {
	if h.stats != nil {
		h.stats.Record(ev)
	}
	if h.recorder != nil {
		h.recorder.Record(ev)
	}
}

// acceptAllowed checks the configured dialect acceptance mode against the
// entry surface.
func acceptAllowed(mode string, s dialect.Surface) bool {
	switch mode {
	case "anthropic":
		return s.Dialect() == dialect.Anthropic
	case "openai":
		return s.Dialect() == dialect.OpenAI
	default: // "both"
		return true
	}
}

// HandleChat is the entry point for all three chat surfaces. It detects the
// dialect from the path, routes, translates when the provider speaks a
// different dialect, dispatches, and streams or buffers the response back.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	cfg := config.Get()
	requestID := uuid.New().String()

	if h.collector != nil {
		h.collector.IncrementActive()
		defer h.collector.DecrementActive()
	}

	surface := dialect.SurfaceFromPath(r.URL.Path)
	if surface == dialect.SurfaceUnknown {
		writeGatewayError(w, ErrInvalidDialect, "unsupported API endpoint", 0)
		return
	}
	if !acceptAllowed(cfg.Server.AcceptMode, surface) {
		writeGatewayError(w, ErrInvalidDialect,
			fmt.Sprintf("the %s surface is not accepted by this gateway (accept_mode=%s)", surface, cfg.Server.AcceptMode), 0)
		return
	}

	if cfg.Server.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.Server.MaxBodySize)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeGatewayError(w, ErrInvalidDialect, "request body too large", 0)
			return
		}
		writeGatewayError(w, ErrInvalidDialect, "failed to read request body", 0)
		return
	}
	defer r.Body.Close()

	info := dialect.ScanRequest(body)
	if info.Model == "" {
		writeGatewayError(w, ErrInvalidDialect, "request has no model field", 0)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		sessionID = info.SessionKey
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	logger := h.logger.With().
		Str("request_id", requestID).
		Str("session_id", sessionID).
		Str("surface", surface.String()).
		Str("model", info.Model).
		Bool("stream", info.Stream).
		Logger()

	tracing.SetRequestAttributes(ctx, requestID, sessionID, info.Model, surface.Dialect().String(), info.Stream)

	base := recorder.Event{
		SessionID:    sessionID,
		RequestID:    requestID,
		StartedAt:    start,
		Model:        info.Model,
		EntryDialect: surface.Dialect().String(),
	}

	startEv := base
	startEv.Kind = recorder.KindStart
	startEv.Timestamp = start
	h.emit(&startEv)

	b := h.backends.Load()
	if b == nil {
		h.fail(w, &base, logger, ErrNoProvider, "gateway not ready", 0, "")
		return
	}

	rctx, routeSpan := tracing.StartRoutingSpan(ctx, info.Model, "")
	decision, err := b.Table.Route(info.Model)
	routeSpan.End()
	ctx = rctx
	if err != nil {
		var npe *routing.NoProviderError
		if errors.As(err, &npe) {
			h.fail(w, &base, logger, ErrNoProvider, npe.Error(), 0, "")
			return
		}
		h.fail(w, &base, logger, ErrNoProvider, err.Error(), 0, "")
		return
	}
	base.Strategy = decision.Strategy

	headers := make(map[string]string, len(forwardedHeaders))
	for _, key := range forwardedHeaders {
		if val := r.Header.Get(key); val != "" {
			headers[key] = val
		}
	}

	dispatchStart := time.Now()
	outcome := h.dispatch(ctx, b, decision, surface, body, info.Stream, headers, cfg.Routing.RerouteNotice, logger)
	if outcome.err != nil {
		h.failDispatch(w, &base, logger, decision, b.Table.Cooldown(), outcome, start, dispatchStart)
		return
	}
	upstream := outcome.resp
	provider := outcome.provider
	defer upstream.Body.Close()

	firstByte := time.Now()
	base.ProviderID = provider.ID
	base.Provider = provider.Name
	base.TargetDialect = provider.Dialect.String()
	base.Passthrough = outcome.passthrough
	base.Retried = outcome.retried
	base.PreProxyMs = dispatchStart.Sub(start).Milliseconds()
	base.ProviderMs = firstByte.Sub(dispatchStart).Milliseconds()

	fbEv := base
	fbEv.Kind = recorder.KindFirstByte
	fbEv.Timestamp = firstByte
	h.emit(&fbEv)

	// Outcome feedback for the breaker: transient statuses already counted
	// as failures inside dispatch; everything else is a sign of life.
	if !connector.IsRetryableStatus(upstream.StatusCode) {
		if id, ok := b.Table.Arena().IndexOf(provider.Name); ok {
			b.Table.Arena().ReportSuccess(id)
		}
	}

	w.Header().Set("X-Gateman-Request-Id", requestID)
	w.Header().Set("X-Gateman-Provider", provider.Name)
	if outcome.retried && cfg.Routing.RerouteNotice {
		w.Header().Set("X-Gateman-Rerouted", "true")
	}

	// Upstream errors that survived the retry budget propagate as-is.
	if upstream.StatusCode >= 400 {
		h.forwardUpstreamError(w, upstream, &base, logger, firstByte)
		return
	}

	created := time.Now().Unix()
	var result streamResult
	if info.Stream {
		result = h.streamOut(ctx, w, surface, provider, upstream, outcome.passthrough, created, logger)
	} else {
		result = h.writeBuffered(w, surface, provider, upstream, outcome.passthrough, created)
	}

	done := time.Now()
	base.PostProxyMs = done.Sub(firstByte).Milliseconds()
	base.StatusCode = upstream.StatusCode

	if result.clientGone {
		// Partial accounting: whatever the upstream reported before the
		// disconnect, with the output estimated from relayed text when the
		// usage frame never arrived.
		partial := h.estimateUsage(surface, info.Model, body, result.text, result.usage)
		ev := base
		ev.Kind = recorder.KindError
		ev.Timestamp = done
		ev.Cancelled = true
		ev.ErrorKind = "client_disconnected"
		ev.InputTokens = partial.InputTokens
		ev.OutputTokens = partial.OutputTokens
		ev.ReasoningTokens = partial.ReasoningTokens
		ev.ToolCalls = result.toolCalls
		h.emit(&ev)
		if h.collector != nil {
			h.collector.RecordCancelled()
		}
		logger.Info().Msg("Client disconnected mid-response")
		return
	}
	if result.err != nil {
		ev := base
		ev.Kind = recorder.KindError
		ev.Timestamp = done
		ev.ErrorKind = result.errKind
		ev.ErrorDetail = result.err.Error()
		h.emit(&ev)
		if h.collector != nil {
			h.collector.RecordError(result.errKind, provider.Name, fmt.Sprint(upstream.StatusCode))
		}
		logger.Error().Err(result.err).Str("kind", result.errKind).Msg("Response relay failed")
		if !result.wroteBody {
			writeGatewayError(w, result.errKind, "upstream response could not be relayed", 0)
		}
		return
	}

	usage := h.estimateUsage(surface, info.Model, body, result.text, result.usage)
	ev := base
	ev.Kind = recorder.KindComplete
	ev.Timestamp = done
	ev.InputTokens = usage.InputTokens
	ev.OutputTokens = usage.OutputTokens
	ev.ReasoningTokens = usage.ReasoningTokens
	ev.ToolCalls = result.toolCalls
	h.emit(&ev)

	if h.collector != nil {
		h.collector.RecordRequest(provider.Name, surface.String(), info.Stream, done.Sub(start),
			int64(usage.InputTokens), int64(usage.OutputTokens), int64(usage.ReasoningTokens))
	}
	tracing.SetResponseAttributes(ctx, upstream.StatusCode, usage.InputTokens, usage.OutputTokens, outcome.retried, provider.Name)

	logger.Info().
		Str("provider", provider.Name).
		Bool("passthrough", outcome.passthrough).
		Bool("retried", outcome.retried).
		Int("tokens_in", usage.InputTokens).
		Int("tokens_out", usage.OutputTokens).
		Dur("latency", done.Sub(start)).
		Msg("Request completed")
}

// dispatchOutcome is what one dispatch (including at most one transparent
// retry) produced.
type dispatchOutcome struct {
	resp        *http.Response
	provider    *routing.Provider
	passthrough bool
	retried     bool
	err         error
}

// dispatch sends the request to the decided provider, with exactly one
// transparent retry against the first alternate when the failure is
// transient and no response bytes have been relayed.
func (h *Handler) dispatch(ctx context.Context, b *Backends, decision routing.Decision, surface dialect.Surface, body []byte, stream bool, headers map[string]string, notice bool, logger zerolog.Logger) dispatchOutcome {
	try := func(p *routing.Provider, reroutedFrom string) (*http.Response, bool, error) {
		out, path, passthrough, err := h.prepare(surface, body, p)
		if err != nil {
			return nil, false, &translationFailure{err: err}
		}
		if reroutedFrom != "" && notice && h.notifier != nil {
			annotated, nerr := h.notifier.NotifyReroute(out, p.Dialect, reroutedFrom, p.Name)
			if nerr != nil {
				logger.Warn().Err(nerr).Msg("Reroute notice injection failed, sending body unmodified")
			} else {
				out = annotated
			}
		}
		resp, err := b.Pool.Dispatch(ctx, connector.Request{
			Provider: p.Name,
			Path:     path,
			Body:     out,
			Stream:   stream,
			Headers:  headers,
		})
		return resp, passthrough, err
	}

	provider := decision.Provider
	resp, passthrough, err := try(provider, "")

	if !transientOutcome(resp, err) || len(decision.Alternates) == 0 {
		if resp != nil && connector.IsRetryableStatus(resp.StatusCode) {
			h.reportStatusFailure(b, provider.Name)
		}
		return dispatchOutcome{resp: resp, provider: provider, passthrough: passthrough, err: err}
	}

	// The primary failed transiently before any client bytes. Retry once
	// against the next candidate in declaration order.
	if resp != nil {
		h.reportStatusFailure(b, provider.Name)
		_ = resp.Body.Close()
	}
	alt := decision.Alternates[0]
	logger.Warn().Str("provider", provider.Name).Str("alternate", alt.Name).
		Msg("Transient upstream failure, rerouting")
	if h.collector != nil {
		h.collector.RecordRetry()
	}

	resp, passthrough, err = try(alt, provider.Name)
	if resp != nil && connector.IsRetryableStatus(resp.StatusCode) {
		h.reportStatusFailure(b, alt.Name)
	}
	return dispatchOutcome{resp: resp, provider: alt, passthrough: passthrough, retried: true, err: err}
}

// transientOutcome reports whether a dispatch attempt failed in a way a
// different provider might survive.
func transientOutcome(resp *http.Response, err error) bool {
	if err != nil {
		var de *connector.DispatchError
		return errors.As(err, &de) && de.Transient()
	}
	return connector.IsRetryableStatus(resp.StatusCode)
}

// reportStatusFailure feeds a retryable upstream status into the breaker.
// Transport-level failures are already reported by the connector.
func (h *Handler) reportStatusFailure(b *Backends, provider string) {
	if id, ok := b.Table.Arena().IndexOf(provider); ok {
		b.Table.Arena().ReportFailure(id)
	}
}

// prepare renders the request body for the target provider. When the entry
// dialect matches the provider's the bytes pass through untouched.
func (h *Handler) prepare(surface dialect.Surface, body []byte, p *routing.Provider) (out []byte, path string, passthrough bool, err error) {
	if p.Dialect == surface.Dialect() {
		return body, surface.Path(), true, nil
	}
	req, err := dialect.ParseRequest(body, surface)
	if err != nil {
		return nil, "", false, err
	}
	rendered, err := dialect.RenderRequest(req, p.Dialect)
	if err != nil {
		return nil, "", false, err
	}
	return rendered, p.Dialect.NativeSurface().Path(), false, nil
}

// fail emits an error event and writes the error response.
func (h *Handler) fail(w http.ResponseWriter, base *recorder.Event, logger zerolog.Logger, kind, message string, retryAfter time.Duration, provider string) {
	ev := *base
	ev.Kind = recorder.KindError
	ev.Timestamp = time.Now()
	ev.ErrorKind = kind
	ev.ErrorDetail = message
	h.emit(&ev)
	if h.collector != nil {
		h.collector.RecordError(kind, provider, fmt.Sprint(errorStatus(kind)))
	}
	logger.Warn().Str("kind", kind).Str("detail", message).Msg("Request failed")
	writeGatewayError(w, kind, message, retryAfter)
}

// failDispatch maps a dispatch failure onto the error taxonomy and handles
// caller cancellation.
func (h *Handler) failDispatch(w http.ResponseWriter, base *recorder.Event, logger zerolog.Logger, decision routing.Decision, cooldown time.Duration, outcome dispatchOutcome, start, dispatchStart time.Time) {
	base.Provider = outcome.provider.Name
	base.ProviderID = outcome.provider.ID
	base.Retried = outcome.retried
	base.PreProxyMs = dispatchStart.Sub(start).Milliseconds()

	var tf *translationFailure
	if errors.As(outcome.err, &tf) {
		h.fail(w, base, logger, ErrTranslation, tf.Error(), 0, outcome.provider.Name)
		return
	}

	var de *connector.DispatchError
	if !errors.As(outcome.err, &de) {
		h.fail(w, base, logger, ErrUpstreamConnect, outcome.err.Error(), 0, outcome.provider.Name)
		return
	}

	switch de.Kind {
	case connector.KindCancelled:
		ev := *base
		ev.Kind = recorder.KindError
		ev.Timestamp = time.Now()
		ev.Cancelled = true
		ev.ErrorKind = "client_disconnected"
		h.emit(&ev)
		if h.collector != nil {
			h.collector.RecordCancelled()
		}
		logger.Info().Msg("Client disconnected before upstream response")
		return
	case connector.KindTimeout:
		if decision.Probe {
			h.fail(w, base, logger, ErrCircuitOpen, "all providers for this model are cooling down", cooldown, outcome.provider.Name)
			return
		}
		h.fail(w, base, logger, ErrUpstreamTimeout, de.Error(), 0, outcome.provider.Name)
	default:
		if decision.Probe {
			h.fail(w, base, logger, ErrCircuitOpen, "all providers for this model are cooling down", cooldown, outcome.provider.Name)
			return
		}
		h.fail(w, base, logger, ErrUpstreamConnect, de.Error(), 0, outcome.provider.Name)
	}
}

// forwardUpstreamError relays a 4xx/5xx upstream body to the client
// unchanged and records the error event.
func (h *Handler) forwardUpstreamError(w http.ResponseWriter, upstream *http.Response, base *recorder.Event, logger zerolog.Logger, firstByte time.Time) {
	errBody, readErr := io.ReadAll(upstream.Body)
	if readErr != nil {
		logger.Error().Err(readErr).Msg("Failed to read upstream error body")
		writeGatewayError(w, ErrUpstreamConnect, "failed to read upstream error response", 0)
		return
	}

	if upstream.StatusCode == http.StatusTooManyRequests {
		if ra := upstream.Header.Get("Retry-After"); ra != "" {
			w.Header().Set("Retry-After", ra)
		}
	}
	for _, key := range []string{"Content-Type", "X-Request-Id", "Request-Id"} {
		if val := upstream.Header.Get(key); val != "" {
			w.Header().Set(key, val)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(upstream.StatusCode)
	_, _ = w.Write(errBody)

	ev := *base
	ev.Kind = recorder.KindError
	ev.Timestamp = time.Now()
	ev.StatusCode = upstream.StatusCode
	ev.ErrorKind = "upstream_error"
	ev.PostProxyMs = time.Since(firstByte).Milliseconds()
	h.emit(&ev)

	if h.collector != nil {
		h.collector.RecordError("upstream_error", base.Provider, fmt.Sprint(upstream.StatusCode))
	}
	logger.Warn().Int("status", upstream.StatusCode).Msg("Upstream returned error")
}

// estimateUsage fills in token counts the upstream did not report. Input is
// estimated from the parsed request, output from the accumulated response
// text.
func (h *Handler) estimateUsage(surface dialect.Surface, model string, reqBody []byte, outText string, u dialect.Usage) dialect.Usage {
	if h.tokenizer == nil {
		return u
	}
	if u.InputTokens == 0 {
		if req, err := dialect.ParseRequest(reqBody, surface); err == nil {
			msgs := make([]tokenizer.Message, 0, len(req.Messages)+1)
			if req.System != "" {
				msgs = append(msgs, tokenizer.Message{Role: "system", Content: req.System})
			}
			for _, m := range req.Messages {
				msgs = append(msgs, tokenizer.Message{Role: m.Role, Content: flattenBlocks(m.Content)})
			}
			u.InputTokens = h.tokenizer.CountMessages(model, msgs)
		}
	}
	if u.OutputTokens == 0 && outText != "" {
		u.OutputTokens = h.tokenizer.CountTokens(model, outText)
	}
	return u
}

// flattenBlocks joins the text content of a message for token counting.
func flattenBlocks(blocks []dialect.ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
