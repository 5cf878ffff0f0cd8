package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gatemandev/gateman/internal/dialect"
	"github.com/gatemandev/gateman/internal/routing"
)

// streamResult is what relaying one response body produced, streaming or
// buffered.
type streamResult struct {
	usage      dialect.Usage
	toolCalls  []dialect.ToolCallSummary
	text       string
	clientGone bool
	wroteBody  bool
	err        error
	errKind    string
}

// streamOut relays a streaming upstream body to the client. A passthrough
// copies the raw bytes; otherwise each upstream frame is translated into the
// entry surface's envelope before writing.
func (h *Handler) streamOut(ctx context.Context, w http.ResponseWriter, surface dialect.Surface, provider *routing.Provider, upstream *http.Response, passthrough bool, created int64, logger zerolog.Logger) streamResult {
	if passthrough {
		return h.relayRaw(ctx, w, surface, upstream, logger)
	}
	return h.relayTranslated(ctx, w, surface, provider, upstream, created, logger)
}

// flushWriter flushes after every write so each upstream chunk reaches the
// client as soon as it is relayed. It remembers the first write error; a
// failed write means the client hung up.
type flushWriter struct {
	w   http.ResponseWriter
	f   http.Flusher
	err error
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	return fw
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		if fw.err == nil {
			fw.err = err
		}
		return n, err
	}
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, nil
}

// relayRaw streams the upstream body to the client byte for byte. The SSE
// reader runs on a tee of the relayed bytes purely for accounting, so
// comment lines, retry fields, and the exact framing the provider sent all
// survive. An event is only metered once its bytes have gone out.
func (h *Handler) relayRaw(ctx context.Context, w http.ResponseWriter, surface dialect.Surface, upstream *http.Response, logger zerolog.Logger) streamResult {
	scanner := dialect.NewStreamScanner(surface)

	writeStreamHeaders(w)
	w.WriteHeader(upstream.StatusCode)

	fw := newFlushWriter(w)
	reader := NewSSEReader(io.TeeReader(upstream.Body, fw))

	finish := func(res streamResult) streamResult {
		res.wroteBody = true
		res.usage = scanner.Usage()
		res.toolCalls = scanner.ToolCalls()
		res.text = scanner.Text()
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return finish(streamResult{clientGone: true})
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A cancelled request context or a failed client write both
			// surface as a read error on the tee before the select above
			// sees them.
			if ctx.Err() != nil || fw.err != nil {
				return finish(streamResult{clientGone: true})
			}
			logger.Warn().Err(err).Msg("Upstream stream broke mid-response")
			return finish(streamResult{err: err, errKind: ErrUpstreamConnect})
		}
		if ev == nil {
			continue
		}
		scanner.Observe(ev)
	}
	return finish(streamResult{})
}

// relayTranslated converts each upstream frame into the entry surface's
// streaming envelope before writing it out.
func (h *Handler) relayTranslated(ctx context.Context, w http.ResponseWriter, surface dialect.Surface, provider *routing.Provider, upstream *http.Response, created int64, logger zerolog.Logger) streamResult {
	translator, err := dialect.NewStreamTranslator(provider.Dialect, surface, created)
	if err != nil {
		return streamResult{err: err, errKind: ErrTranslation}
	}

	writeStreamHeaders(w)
	w.WriteHeader(upstream.StatusCode)

	writer := NewSSEWriter(w)
	reader := NewSSEReader(upstream.Body)

	finish := func(res streamResult) streamResult {
		res.wroteBody = true
		res.usage = translator.Usage()
		res.toolCalls = translator.ToolCalls()
		res.text = translator.Text()
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return finish(streamResult{clientGone: true})
		default:
		}

		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return finish(streamResult{clientGone: true})
			}
			// Mid-stream upstream failure. Headers are out; close the
			// client stream as cleanly as the surface allows.
			logger.Warn().Err(err).Msg("Upstream stream broke mid-response")
			tail := translator.Finish()
			for i := range tail {
				_ = writer.WriteEvent(&tail[i])
			}
			return finish(streamResult{err: err, errKind: ErrUpstreamConnect})
		}
		if ev == nil {
			continue
		}

		out, terr := translator.Translate(ev)
		if terr != nil {
			logger.Warn().Err(terr).Msg("Dropping untranslatable stream frame")
			continue
		}
		for i := range out {
			if werr := writer.WriteEvent(&out[i]); werr != nil {
				return finish(streamResult{clientGone: true})
			}
		}
	}

	tail := translator.Finish()
	for i := range tail {
		if werr := writer.WriteEvent(&tail[i]); werr != nil {
			return finish(streamResult{clientGone: true})
		}
	}
	writer.Flush()
	return finish(streamResult{})
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeBuffered relays a non-streaming upstream body, translating it when
// the provider spoke a different dialect than the client.
func (h *Handler) writeBuffered(w http.ResponseWriter, surface dialect.Surface, provider *routing.Provider, upstream *http.Response, passthrough bool, created int64) streamResult {
	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return streamResult{err: err, errKind: ErrUpstreamConnect}
	}

	var out []byte
	var res streamResult
	if passthrough {
		info := dialect.ScanResponse(body, surface)
		res.usage = info.Usage
		res.toolCalls = info.ToolCalls
		out = body
	} else {
		resp, perr := dialect.ParseResponse(body, provider.Dialect)
		if perr != nil {
			return streamResult{err: perr, errKind: ErrTranslation}
		}
		rendered, rerr := dialect.RenderResponse(resp, surface, created)
		if rerr != nil {
			return streamResult{err: rerr, errKind: ErrTranslation}
		}
		res.usage = resp.Usage
		res.toolCalls = summarize(resp.ToolCalls)
		out = rendered
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(upstream.StatusCode)
	if _, werr := w.Write(out); werr != nil {
		res.clientGone = true
	}
	res.wroteBody = true
	return res
}

// summarize folds raw tool calls into per-name counts.
func summarize(calls []dialect.ToolCall) []dialect.ToolCallSummary {
	if len(calls) == 0 {
		return nil
	}
	idx := make(map[string]int, len(calls))
	out := make([]dialect.ToolCallSummary, 0, len(calls))
	for _, c := range calls {
		name := c.Name
		if name == "" {
			name = "unknown"
		}
		if i, ok := idx[name]; ok {
			out[i].Count++
			continue
		}
		idx[name] = len(out)
		out = append(out, dialect.ToolCallSummary{Name: name, Count: 1})
	}
	return out
}
