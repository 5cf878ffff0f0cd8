package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatemandev/gateman/internal/health"
)

// latencyBuckets are the histogram boundaries for end-to-end request
// duration in seconds. LLM completions routinely run tens of seconds, so the
// upper buckets stretch well past typical HTTP service ranges.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// RecorderStats is the recorder-side view exposed on the scrape endpoint.
type RecorderStats struct {
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
	SinkFailures  uint64
}

// Collector tracks live gateway metrics using atomic counters for lock-free,
// concurrent-safe updates. Labeled series use the vec types; scrape-time
// sources (circuit state, recorder queue) are pulled lazily so the hot path
// never touches them.
type Collector struct {
	totalRequests   int64
	tokensIn        int64
	tokensOut       int64
	tokensReasoning int64
	retries         int64
	cancelled       int64

	activeRequests int64

	errors           *counterVec // kind, provider, status
	latency          *histogramVec
	providerRequests *counterVec // provider, outcome

	mu             sync.RWMutex
	circuitSource  func() []health.CircuitView
	transSource    func() (opened, halfOpened, reclosed uint64)
	recorderSource func() RecorderStats
	sessionsSource func() int

	startTime time.Time
}

// Stats is a point-in-time snapshot of the collector's scalar counters,
// suitable for JSON serialisation in the status output.
type Stats struct {
	Uptime          string `json:"uptime"`
	TotalRequests   int64  `json:"total_requests"`
	TokensIn        int64  `json:"tokens_in"`
	TokensOut       int64  `json:"tokens_out"`
	TokensReasoning int64  `json:"tokens_reasoning"`
	Retries         int64  `json:"retries"`
	Cancelled       int64  `json:"cancelled"`
	ActiveRequests  int64  `json:"active_requests"`
}

// NewCollector creates a new Collector with all counters initialised to zero
// and the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		errors:           newCounterVec(),
		latency:          newHistogramVec(latencyBuckets),
		providerRequests: newCounterVec(),
		startTime:        time.Now(),
	}
}

// RecordRequest atomically updates the request counters and the latency
// histogram for one completed request.
func (c *Collector) RecordRequest(provider, surface string, streaming bool, duration time.Duration, in, out, reasoning int64) {
	atomic.AddInt64(&c.totalRequests, 1)
	atomic.AddInt64(&c.tokensIn, in)
	atomic.AddInt64(&c.tokensOut, out)
	atomic.AddInt64(&c.tokensReasoning, reasoning)

	streamLabel := "false"
	if streaming {
		streamLabel = "true"
	}
	c.latency.Observe(map[string]string{
		"provider":  provider,
		"surface":   surface,
		"streaming": streamLabel,
	}, duration.Seconds())
	c.providerRequests.Inc(map[string]string{
		"provider": provider,
		"outcome":  "success",
	})
}

// RecordError counts one failed request by error kind, provider, and HTTP
// status. Provider may be empty when the failure happened before routing.
func (c *Collector) RecordError(kind, provider, status string) {
	c.errors.Inc(map[string]string{
		"kind":     kind,
		"provider": provider,
		"status":   status,
	})
	if provider != "" {
		c.providerRequests.Inc(map[string]string{
			"provider": provider,
			"outcome":  "error",
		})
	}
}

// RecordRetry counts one transparent retry against an alternate provider.
func (c *Collector) RecordRetry() {
	atomic.AddInt64(&c.retries, 1)
}

// RecordCancelled counts one request abandoned by the caller mid-flight.
func (c *Collector) RecordCancelled() {
	atomic.AddInt64(&c.cancelled, 1)
}

// IncrementActive increments the active request gauge. Call this when a
// request enters the gateway.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive decrements the active request gauge. Call this when a
// request leaves the gateway (regardless of success or failure).
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// SetCircuitSource registers the function scraped for per-provider circuit
// state. Called once during wiring and again on config reload.
func (c *Collector) SetCircuitSource(fn func() []health.CircuitView) {
	c.mu.Lock()
	c.circuitSource = fn
	c.mu.Unlock()
}

// SetTransitionsSource registers the function scraped for cumulative circuit
// transition counts.
func (c *Collector) SetTransitionsSource(fn func() (opened, halfOpened, reclosed uint64)) {
	c.mu.Lock()
	c.transSource = fn
	c.mu.Unlock()
}

// SetRecorderSource registers the function scraped for recorder queue health.
func (c *Collector) SetRecorderSource(fn func() RecorderStats) {
	c.mu.Lock()
	c.recorderSource = fn
	c.mu.Unlock()
}

// SetSessionsSource registers the function scraped for the number of
// sessions currently tracked by the stats aggregator.
func (c *Collector) SetSessionsSource(fn func() int) {
	c.mu.Lock()
	c.sessionsSource = fn
	c.mu.Unlock()
}

func (c *Collector) circuits() []health.CircuitView {
	c.mu.RLock()
	fn := c.circuitSource
	c.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func (c *Collector) transitions() (uint64, uint64, uint64, bool) {
	c.mu.RLock()
	fn := c.transSource
	c.mu.RUnlock()
	if fn == nil {
		return 0, 0, 0, false
	}
	opened, halfOpened, reclosed := fn()
	return opened, halfOpened, reclosed, true
}

func (c *Collector) recorder() (RecorderStats, bool) {
	c.mu.RLock()
	fn := c.recorderSource
	c.mu.RUnlock()
	if fn == nil {
		return RecorderStats{}, false
	}
	return fn(), true
}

func (c *Collector) trackedSessions() (int, bool) {
	c.mu.RLock()
	fn := c.sessionsSource
	c.mu.RUnlock()
	if fn == nil {
		return 0, false
	}
	return fn(), true
}

// Errors exposes the error counter vec for the scrape handler.
func (c *Collector) Errors() *counterVec { return c.errors }

// Latency exposes the request duration histogram vec for the scrape handler.
func (c *Collector) Latency() *histogramVec { return c.latency }

// ProviderRequests exposes the per-provider outcome counter vec.
func (c *Collector) ProviderRequests() *counterVec { return c.providerRequests }

// Stats returns a point-in-time snapshot of the scalar counters.
func (c *Collector) Stats() *Stats {
	return &Stats{
		Uptime:          formatDuration(time.Since(c.startTime)),
		TotalRequests:   atomic.LoadInt64(&c.totalRequests),
		TokensIn:        atomic.LoadInt64(&c.tokensIn),
		TokensOut:       atomic.LoadInt64(&c.tokensOut),
		TokensReasoning: atomic.LoadInt64(&c.tokensReasoning),
		Retries:         atomic.LoadInt64(&c.retries),
		Cancelled:       atomic.LoadInt64(&c.cancelled),
		ActiveRequests:  atomic.LoadInt64(&c.activeRequests),
	}
}

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return formatWithUnits(days, "d", hours, "h", minutes, "m")
	}
	if hours > 0 {
		return formatWithUnits(hours, "h", minutes, "m", 0, "")
	}
	return formatWithUnits(minutes, "m", 0, "", 0, "")
}

// formatWithUnits builds a compact duration string from up to three components.
func formatWithUnits(v1 int, u1 string, v2 int, u2 string, v3 int, u3 string) string {
	s := ""
	if v1 > 0 {
		s += intStr(v1) + u1
	}
	if v2 > 0 {
		if s != "" {
			s += " "
		}
		s += intStr(v2) + u2
	}
	if v3 > 0 && u3 != "" {
		if s != "" {
			s += " "
		}
		s += intStr(v3) + u3
	}
	if s == "" {
		return "0m"
	}
	return s
}

// intStr converts an int to its string representation without importing strconv.
func intStr(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + intStr(-n)
	}
	digits := make([]byte, 0, 10)
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	// reverse
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}
