package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/dialect"
	"github.com/gatemandev/gateman/internal/health"
)

// Provider is the routed view of one configured upstream. ID is the
// provider's position in the config file and stays stable for the lifetime
// of a table; the circuit arena and connector pool are indexed by it.
type Provider struct {
	ID      int
	Name    string
	Dialect dialect.Dialect
	BaseURL string
	Weight  int
	Models  []string
}

// NoProviderError is returned when a model resolves to zero providers.
type NoProviderError struct {
	Model string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider available for model %q", e.Model)
}

// Decision is the outcome of routing one request.
type Decision struct {
	// Provider is the chosen upstream.
	Provider *Provider
	// Alternates are the remaining usable candidates in declaration
	// order, for the single transparent retry and failover.
	Alternates []*Provider
	// Strategy names the strategy that made the choice.
	Strategy string
	// Probe is set when every candidate circuit was open and the choice
	// is a recovery probe against the least recently opened one.
	Probe bool
}

// Table is an immutable routing snapshot built from one config load plus
// the circuit arena. A reload builds a fresh table and swaps a pointer;
// requests in flight keep the table they started with. Round robin
// counters live inside the table's strategies, so rotation restarts on
// reload.
type Table struct {
	providers  []*Provider
	byModel    map[string][]*Provider
	strategies map[string]Strategy
	fallback   *Provider
	arena      *health.Arena
	cooldown   time.Duration
}

// Build constructs a table from the current config and the circuit arena.
// The arena must have been built from the same provider list, so slot ids
// line up with provider ids.
func Build(cfg *config.Config, arena *health.Arena) (*Table, error) {
	t := &Table{
		byModel:    make(map[string][]*Provider),
		strategies: make(map[string]Strategy),
		arena:      arena,
		cooldown:   cfg.Resilience.Cooldown(),
	}

	for i, pc := range cfg.Providers {
		d, err := dialect.FromKind(pc.Kind)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		p := &Provider{
			ID:      i,
			Name:    pc.Name,
			Dialect: d,
			BaseURL: pc.BaseURL,
			Weight:  pc.Weight,
			Models:  pc.Models,
		}
		t.providers = append(t.providers, p)
		if !pc.Enabled {
			continue
		}
		if pc.Name == cfg.Routing.DefaultProvider {
			t.fallback = p
		}
		for _, m := range pc.Models {
			t.byModel[m] = append(t.byModel[m], p)
		}
	}

	for model := range t.byModel {
		name := cfg.Routing.DefaultStrategy
		if s, ok := cfg.Routing.ModelStrategies[model]; ok {
			name = s
		}
		strat, err := newStrategy(name)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", model, err)
		}
		t.strategies[model] = strat
	}

	return t, nil
}

// Provider returns the provider with the given id, or nil.
func (t *Table) Provider(id int) *Provider {
	if id < 0 || id >= len(t.providers) {
		return nil
	}
	return t.providers[id]
}

// Providers returns all providers in declaration order, including disabled
// ones (which never appear in routing candidates).
func (t *Table) Providers() []*Provider {
	return t.providers
}

// Arena returns the circuit arena backing this table.
func (t *Table) Arena() *health.Arena {
	return t.arena
}

// Cooldown returns the configured open-circuit cooldown, used for retry
// hints on probe failures.
func (t *Table) Cooldown() time.Duration {
	return t.cooldown
}

// Route chooses a provider for the given model. Candidates are the enabled
// providers listing the model, in declaration order; providers with open
// circuits are excluded. When every candidate is open, the least recently
// opened one is returned as a probe so a recovered upstream is eventually
// rediscovered. Models no provider lists fall back to the configured
// default provider.
func (t *Table) Route(model string) (Decision, error) {
	cands := t.byModel[model]
	strat := t.strategies[model]
	if len(cands) == 0 && t.fallback != nil {
		cands = []*Provider{t.fallback}
	}
	if len(cands) == 0 {
		return Decision{}, &NoProviderError{Model: model}
	}
	if strat == nil {
		// Default-provider fallback has a single candidate, so plain
		// failover order is exact.
		strat = failover{}
	}

	live := make([]Candidate, 0, len(cands))
	for _, p := range cands {
		state := t.arena.Observe(p.ID)
		if state == health.Open {
			continue
		}
		live = append(live, Candidate{Provider: p, State: state})
	}

	if len(live) == 0 {
		return t.probeDecision(cands, strat.Name()), nil
	}

	idx := strat.Pick(live)
	if idx < 0 || idx >= len(live) {
		idx = 0
	}
	chosen := live[idx].Provider

	alternates := make([]*Provider, 0, len(live)-1)
	for _, c := range live {
		if c.Provider.ID != chosen.ID {
			alternates = append(alternates, c.Provider)
		}
	}

	return Decision{
		Provider:   chosen,
		Alternates: alternates,
		Strategy:   strat.Name(),
	}, nil
}

// probeDecision picks the least recently opened candidate, ties broken by
// declaration order.
func (t *Table) probeDecision(cands []*Provider, strategy string) Decision {
	probe := cands[0]
	oldest := t.arena.OpenedAt(probe.ID)
	for _, p := range cands[1:] {
		at := t.arena.OpenedAt(p.ID)
		if at.Before(oldest) {
			probe = p
			oldest = at
		}
	}
	alternates := make([]*Provider, 0, len(cands)-1)
	for _, p := range cands {
		if p.ID != probe.ID {
			alternates = append(alternates, p)
		}
	}
	return Decision{
		Provider:   probe,
		Alternates: alternates,
		Strategy:   strategy,
		Probe:      true,
	}
}

// Ready reports whether at least one enabled provider is usable, meaning
// its circuit is closed or half open.
func (t *Table) Ready() bool {
	seen := make(map[int]bool)
	for _, cands := range t.byModel {
		for _, p := range cands {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			if t.arena.Observe(p.ID) != health.Open {
				return true
			}
		}
	}
	if t.fallback != nil && t.arena.Observe(t.fallback.ID) != health.Open {
		return true
	}
	return false
}

// ModelView describes one routable model for the model listing endpoint.
type ModelView struct {
	ID        string
	Providers []string
}

// ListModels returns every routable model sorted by name, each with the
// providers that serve it in declaration order.
func (t *Table) ListModels() []ModelView {
	names := make([]string, 0, len(t.byModel))
	for m := range t.byModel {
		names = append(names, m)
	}
	sort.Strings(names)

	out := make([]ModelView, 0, len(names))
	for _, m := range names {
		mv := ModelView{ID: m}
		for _, p := range t.byModel[m] {
			mv.Providers = append(mv.Providers, p.Name)
		}
		out = append(out, mv)
	}
	return out
}
