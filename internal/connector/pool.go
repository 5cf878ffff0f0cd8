package connector

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/dialect"
	"github.com/gatemandev/gateman/internal/health"
	"github.com/gatemandev/gateman/internal/tracing"
	"github.com/gatemandev/gateman/internal/vault"
)

// Connect retry backoff bounds. Retries here only cover failures before any
// response bytes; everything later belongs to the pipeline.
const (
	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// Request describes one upstream dispatch.
type Request struct {
	Provider string            // provider name from the routing decision
	Path     string            // upstream path, e.g. /v1/messages
	Body     []byte            // rendered request body
	Stream   bool              // streaming responses get no overall deadline
	Headers  map[string]string // extra headers forwarded from the caller
}

// entry holds the per-provider transport and resolved credentials.
type entry struct {
	name         string
	kind         dialect.Dialect
	baseURL      string
	apiKey       string
	forwardAuth  bool // credential source "client": caller's auth header passes through
	retries      int
	totalTimeout time.Duration

	transport    *http.Transport
	client       *http.Client // totalTimeout as the overall deadline
	streamClient *http.Client // no overall deadline; header timeout still applies

	outstanding atomic.Int64
}

// Pool owns one tuned keep-alive transport per provider and dispatches
// requests over them. Connection-establishment failures are retried with
// backoff and reported to the health arena; callers handle everything after
// the first response byte.
type Pool struct {
	entries map[string]*entry
	arena   *health.Arena
	logger  zerolog.Logger
}

// NewPool builds a pool from the enabled providers in cfg, resolving each
// provider's credential through the vault. A provider whose key reference
// cannot be resolved is excluded and logged; the rest of the pool still
// comes up.
func NewPool(cfg *config.Config, arena *health.Arena, v *vault.Vault, logger zerolog.Logger) *Pool {
	p := &Pool{
		entries: make(map[string]*entry),
		arena:   arena,
		logger:  logger,
	}

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		kind, err := dialect.FromKind(pc.Kind)
		if err != nil {
			logger.Error().Str("provider", pc.Name).Str("kind", pc.Kind).
				Msg("Unknown provider dialect, excluding from pool")
			continue
		}

		e := &entry{
			name:         pc.Name,
			kind:         kind,
			baseURL:      pc.BaseURL,
			retries:      pc.Retries(),
			totalTimeout: pc.TotalTimeout(),
		}

		if pc.KeyRef == vault.ClientKeyRef {
			e.forwardAuth = true
		} else {
			key, err := v.ResolveKeyRef(pc.KeyRef)
			if err != nil {
				logger.Error().Err(err).Str("provider", pc.Name).
					Msg("Cannot resolve provider credential, excluding from pool")
				continue
			}
			e.apiKey = key
		}

		e.transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   pc.ConnectTimeout(),
				KeepAlive: pc.Keepalive(),
			}).DialContext,
			MaxIdleConns:          pc.MaxIdle() * 2,
			MaxIdleConnsPerHost:   pc.MaxIdle(),
			IdleConnTimeout:       pc.IdleTimeout(),
			TLSHandshakeTimeout:   pc.ConnectTimeout(),
			ResponseHeaderTimeout: pc.TotalTimeout(),
		}
		e.client = &http.Client{
			Transport: e.transport,
			Timeout:   pc.TotalTimeout(),
		}
		// Streaming connections stay open for the duration of the stream;
		// the transport's header timeout still bounds time-to-first-byte.
		e.streamClient = &http.Client{Transport: e.transport}

		p.entries[pc.Name] = e
	}

	return p
}

// Dispatch sends the request to the named provider and returns the streamed
// response. The caller is responsible for closing the response body.
// Connection-establishment failures are retried up to the provider's retry
// budget before a classified *DispatchError is returned.
func (p *Pool) Dispatch(ctx context.Context, req Request) (*http.Response, error) {
	e, ok := p.entries[req.Provider]
	if !ok {
		return nil, &DispatchError{Provider: req.Provider, Kind: KindConnect, Err: ErrUnknownProvider}
	}

	upstreamURL := e.baseURL + req.Path

	ctx, span := tracing.StartUpstreamSpan(ctx, upstreamURL, e.name)
	defer span.End()

	e.outstanding.Add(1)
	released := false
	release := func() {
		if !released {
			released = true
			e.outstanding.Add(-1)
		}
	}
	defer release()

	client := e.client
	if req.Stream {
		client = e.streamClient
	}

	for attempt := 0; ; attempt++ {
		httpReq, err := e.buildRequest(ctx, upstreamURL, req)
		if err != nil {
			return nil, &DispatchError{Provider: e.name, Kind: KindConnect, Err: err}
		}

		resp, err := client.Do(httpReq)
		if err == nil {
			// Keep the gauge up until the caller finishes the body.
			released = true
			resp.Body = &countingBody{ReadCloser: resp.Body, gauge: &e.outstanding}
			return resp, nil
		}

		kind := classifyKind(ctx, err)
		if kind == KindCancelled {
			return nil, &DispatchError{Provider: e.name, Kind: kind, Err: err}
		}

		p.reportFailure(e.name)

		if kind != KindConnect || attempt >= e.retries {
			tracing.RecordError(ctx, err)
			return nil, &DispatchError{Provider: e.name, Kind: kind, Err: err}
		}

		delay := backoffDelay(attempt, retryBaseDelay, retryMaxDelay)
		p.logger.Debug().Err(err).Str("provider", e.name).Int("attempt", attempt+1).
			Dur("backoff", delay).Msg("Retrying upstream connect")
		if err := sleepWithContext(ctx, delay); err != nil {
			return nil, &DispatchError{Provider: e.name, Kind: KindCancelled, Err: err}
		}
	}
}

// buildRequest assembles the upstream HTTP request with provider auth and
// forwarded headers.
func (e *entry) buildRequest(ctx context.Context, url string, req Request) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if !e.forwardAuth {
		switch e.kind {
		case dialect.Anthropic:
			httpReq.Header.Set("x-api-key", e.apiKey)
			if v, ok := req.Headers["Anthropic-Version"]; ok {
				httpReq.Header.Set("anthropic-version", v)
			} else {
				httpReq.Header.Set("anthropic-version", "2023-06-01")
			}
		default:
			httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
		}
	}

	// Forward caller headers, except those established above. When the
	// credential source is "client" the caller's auth headers pass through.
	for key, val := range req.Headers {
		ck := http.CanonicalHeaderKey(key)
		if ck == "Content-Type" {
			continue
		}
		if !e.forwardAuth && (ck == "X-Api-Key" || ck == "Authorization" || ck == "Anthropic-Version") {
			continue
		}
		httpReq.Header.Set(key, val)
	}

	tracing.InjectHeaders(ctx, httpReq)
	return httpReq, nil
}

// reportFailure feeds a transport failure into the circuit breaker.
func (p *Pool) reportFailure(provider string) {
	if p.arena == nil {
		return
	}
	if id, ok := p.arena.IndexOf(provider); ok {
		p.arena.ReportFailure(id)
	}
}

// Outstanding returns the number of in-flight requests for a provider.
func (p *Pool) Outstanding(provider string) int64 {
	if e, ok := p.entries[provider]; ok {
		return e.outstanding.Load()
	}
	return 0
}

// Has reports whether the pool holds a usable entry for the provider.
func (p *Pool) Has(provider string) bool {
	_, ok := p.entries[provider]
	return ok
}

// Close releases idle connections on every transport. In-flight requests
// are unaffected; this is called when a reload swaps in a new pool.
func (p *Pool) Close() {
	for _, e := range p.entries {
		e.transport.CloseIdleConnections()
	}
}

// countingBody decrements the outstanding gauge exactly once, when the
// response body is closed.
type countingBody struct {
	io.ReadCloser
	gauge  *atomic.Int64
	closed bool
}

func (b *countingBody) Close() error {
	if !b.closed {
		b.closed = true
		b.gauge.Add(-1)
	}
	return b.ReadCloser.Close()
}
