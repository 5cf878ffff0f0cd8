package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/gatemandev/gateman/internal/metrics"
	"github.com/gatemandev/gateman/internal/store"
)

// Admin serves the observability surface: model listing, session stats, and
// health probes. It reads the same routing table the gateway dispatches
// through and the same aggregator the gateway feeds, so what it reports is
// what the data plane is doing.
type Admin struct {
	handler   *Handler
	collector *metrics.Collector
	store     *store.Store // nil when the sqlite sink is disabled
}

// NewAdmin creates the admin surface. store may be nil.
func NewAdmin(h *Handler, collector *metrics.Collector, st *store.Store) *Admin {
	return &Admin{handler: h, collector: collector, store: st}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealth reports process liveness.
func (a *Admin) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports readiness: the gateway is ready when at least one
// provider circuit is usable.
func (a *Admin) HandleReady(w http.ResponseWriter, r *http.Request) {
	b := a.handler.Backends()
	if b == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	circuits := b.Table.Arena().SnapshotAll()
	if !b.Table.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unavailable",
			"circuits": circuits,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"circuits": circuits,
	})
}

// HandleModels lists the models the routing table can place, with the
// providers serving each.
func (a *Admin) HandleModels(w http.ResponseWriter, r *http.Request) {
	b := a.handler.Backends()
	if b == nil {
		writeGatewayError(w, ErrNoProvider, "gateway not ready", 0)
		return
	}
	models := b.Table.ListModels()
	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{
			"id":        m.ID,
			"object":    "model",
			"owned_by":  "gateman",
			"providers": m.Providers,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// HandleSessions lists every session the aggregator currently retains.
func (a *Admin) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if a.handler.stats == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": []struct{}{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": a.handler.stats.SnapshotAll(),
	})
}

// HandleSessionStats returns the aggregate for one session.
func (a *Admin) HandleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if a.handler.stats == nil {
		http.NotFound(w, r)
		return
	}
	s, ok := a.handler.stats.Snapshot(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleSessionEvents returns the durable event history for one session from
// the sqlite sink. Unavailable when recording to sqlite is disabled.
func (a *Admin) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "session history requires the sqlite recording sink",
		})
		return
	}
	id := chi.URLParam(r, "id")
	events, err := a.store.EventsBySession(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"events":     events,
	})
}

// HandleStats returns gateway-wide counters plus recorder backpressure and
// circuit state, the human-readable counterpart of /metrics.
func (a *Admin) HandleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"time": time.Now().UTC().Format(time.RFC3339),
	}
	if a.collector != nil {
		out["gateway"] = a.collector.Stats()
	}
	if b := a.handler.Backends(); b != nil {
		out["circuits"] = b.Table.Arena().SnapshotAll()
	}
	if a.handler.stats != nil {
		out["tracked_sessions"] = a.handler.stats.Len()
	}
	if a.handler.recorder != nil {
		out["recorder"] = map[string]interface{}{
			"queue_depth":    a.handler.recorder.QueueDepth(),
			"queue_capacity": a.handler.recorder.QueueCapacity(),
			"dropped":        a.handler.recorder.Drops(),
			"sink_failures":  a.handler.recorder.SinkFailures(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
