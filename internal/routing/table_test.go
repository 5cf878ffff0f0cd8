package routing

import (
	"errors"
	"testing"
	"time"

	"github.com/gatemandev/gateman/internal/config"
	"github.com/gatemandev/gateman/internal/health"
)

func testProviders() []config.ProviderConfig {
	return []config.ProviderConfig{
		{Name: "alpha", Kind: "anthropic", BaseURL: "https://a.example", Models: []string{"claude-x", "shared"}, Enabled: true, Weight: 1},
		{Name: "beta", Kind: "openai", BaseURL: "https://b.example", Models: []string{"gpt-x", "shared"}, Enabled: true, Weight: 1},
		{Name: "gamma", Kind: "openai", BaseURL: "https://c.example", Models: []string{"shared"}, Enabled: true, Weight: 1},
	}
}

func buildTable(t *testing.T, cfg *config.Config) (*Table, *health.Arena) {
	t.Helper()
	names := make([]string, len(cfg.Providers))
	for i, p := range cfg.Providers {
		names[i] = p.Name
	}
	arena := health.NewArena(names, cfg.Resilience.FailureThreshold, cfg.Resilience.Cooldown())
	tbl, err := Build(cfg, arena)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return tbl, arena
}

func testConfig(strategy string) *config.Config {
	return &config.Config{
		Providers: testProviders(),
		Routing: config.RoutingConfig{
			DefaultStrategy: strategy,
		},
		Resilience: config.ResilienceConfig{
			FailureThreshold: 5,
			CooldownSeconds:  1,
		},
	}
}

func TestRoute_RoundRobinFullRotation(t *testing.T) {
	tbl, _ := buildTable(t, testConfig("round_robin"))

	// Three providers serve "shared"; 2N routes hit each exactly twice, in
	// declaration order.
	want := []string{"alpha", "beta", "gamma", "alpha", "beta", "gamma"}
	for i, w := range want {
		d, err := tbl.Route("shared")
		if err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
		if d.Provider.Name != w {
			t.Errorf("route %d: got %s, want %s", i, d.Provider.Name, w)
		}
		if d.Strategy != "round_robin" {
			t.Errorf("route %d: strategy %q", i, d.Strategy)
		}
	}
}

func TestRoute_PerModelCountersAreIndependent(t *testing.T) {
	tbl, _ := buildTable(t, testConfig("round_robin"))

	d, _ := tbl.Route("shared")
	if d.Provider.Name != "alpha" {
		t.Fatalf("first shared route: got %s", d.Provider.Name)
	}
	// claude-x has a single provider and its own counter.
	d, _ = tbl.Route("claude-x")
	if d.Provider.Name != "alpha" {
		t.Fatalf("claude-x route: got %s", d.Provider.Name)
	}
	// shared resumes from its own position.
	d, _ = tbl.Route("shared")
	if d.Provider.Name != "beta" {
		t.Errorf("second shared route: got %s, want beta", d.Provider.Name)
	}
}

func TestRoute_OpenCircuitExcluded(t *testing.T) {
	tbl, arena := buildTable(t, testConfig("round_robin"))

	// Trip alpha.
	for i := 0; i < 5; i++ {
		arena.ReportFailure(0)
	}

	for i := 0; i < 10; i++ {
		d, err := tbl.Route("shared")
		if err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
		if d.Provider.Name == "alpha" {
			t.Fatalf("route %d picked alpha with an open circuit", i)
		}
		if d.Probe {
			t.Fatalf("route %d flagged as probe with live candidates", i)
		}
	}
}

func TestRoute_WeightedSkipsOpenAndRecovers(t *testing.T) {
	cfg := testConfig("weighted")
	cfg.Resilience.CooldownSeconds = 1
	tbl, arena := buildTable(t, cfg)

	// Five consecutive failures trip alpha.
	for i := 0; i < 5; i++ {
		arena.ReportFailure(0)
	}
	if arena.Observe(0) != health.Open {
		t.Fatalf("alpha should be open, got %v", arena.Observe(0))
	}

	for i := 0; i < 20; i++ {
		d, err := tbl.Route("shared")
		if err != nil {
			t.Fatalf("route %d: %v", i, err)
		}
		if d.Provider.Name == "alpha" {
			t.Fatalf("weighted picked open alpha on route %d", i)
		}
	}
}

func TestRoute_FailoverChain(t *testing.T) {
	tbl, arena := buildTable(t, testConfig("failover"))

	d, err := tbl.Route("shared")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Provider.Name != "alpha" {
		t.Fatalf("failover primary: got %s, want alpha", d.Provider.Name)
	}
	if len(d.Alternates) != 2 || d.Alternates[0].Name != "beta" || d.Alternates[1].Name != "gamma" {
		t.Fatalf("alternates: got %+v", d.Alternates)
	}

	// Alpha down: beta becomes first.
	for i := 0; i < 5; i++ {
		arena.ReportFailure(0)
	}
	d, err = tbl.Route("shared")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Provider.Name != "beta" {
		t.Errorf("failover with alpha open: got %s, want beta", d.Provider.Name)
	}
	if len(d.Alternates) != 1 || d.Alternates[0].Name != "gamma" {
		t.Errorf("alternates: got %+v", d.Alternates)
	}
}

func TestRoute_AllOpenProbesLeastRecentlyOpened(t *testing.T) {
	tbl, arena := buildTable(t, testConfig("failover"))

	// Trip beta first, then alpha, then gamma, with distinct open times.
	for _, id := range []int{1, 0, 2} {
		for i := 0; i < 5; i++ {
			arena.ReportFailure(id)
		}
		time.Sleep(2 * time.Millisecond)
	}

	d, err := tbl.Route("shared")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.Probe {
		t.Fatal("all-open route should be flagged as a probe")
	}
	if d.Provider.Name != "beta" {
		t.Errorf("probe: got %s, want beta (opened first)", d.Provider.Name)
	}
	if len(d.Alternates) != 2 {
		t.Errorf("probe alternates: got %+v", d.Alternates)
	}
}

func TestRoute_NoProvider(t *testing.T) {
	tbl, _ := buildTable(t, testConfig("round_robin"))

	_, err := tbl.Route("unmapped-model")
	if err == nil {
		t.Fatal("want error for unmapped model")
	}
	var npe *NoProviderError
	if !errors.As(err, &npe) {
		t.Fatalf("error type: got %T", err)
	}
	if npe.Model != "unmapped-model" {
		t.Errorf("error model: got %q", npe.Model)
	}
}

func TestRoute_DefaultProviderFallback(t *testing.T) {
	cfg := testConfig("round_robin")
	cfg.Routing.DefaultProvider = "beta"
	tbl, _ := buildTable(t, cfg)

	d, err := tbl.Route("unmapped-model")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Provider.Name != "beta" {
		t.Errorf("default provider: got %s, want beta", d.Provider.Name)
	}
}

func TestRoute_DisabledProviderNeverCandidates(t *testing.T) {
	cfg := testConfig("round_robin")
	cfg.Providers[0].Enabled = false
	tbl, _ := buildTable(t, cfg)

	for i := 0; i < 4; i++ {
		d, err := tbl.Route("shared")
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if d.Provider.Name == "alpha" {
			t.Fatal("disabled provider was routed")
		}
	}
	if _, err := tbl.Route("claude-x"); err == nil {
		t.Error("model served only by a disabled provider should be unroutable")
	}
}

func TestRoute_ModelStrategyOverride(t *testing.T) {
	cfg := testConfig("round_robin")
	cfg.Routing.ModelStrategies = map[string]string{"shared": "failover"}
	tbl, _ := buildTable(t, cfg)

	for i := 0; i < 3; i++ {
		d, err := tbl.Route("shared")
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if d.Provider.Name != "alpha" || d.Strategy != "failover" {
			t.Errorf("route %d: got %s via %s, want alpha via failover", i, d.Provider.Name, d.Strategy)
		}
	}
}

func TestReady(t *testing.T) {
	tbl, arena := buildTable(t, testConfig("round_robin"))

	if !tbl.Ready() {
		t.Fatal("fresh table should be ready")
	}

	for id := 0; id < 3; id++ {
		for i := 0; i < 5; i++ {
			arena.ReportFailure(id)
		}
	}
	if tbl.Ready() {
		t.Error("all circuits open: table should not be ready")
	}
}

func TestListModels(t *testing.T) {
	tbl, _ := buildTable(t, testConfig("round_robin"))

	models := tbl.ListModels()
	if len(models) != 3 {
		t.Fatalf("models: got %d, want 3", len(models))
	}
	// Sorted by name.
	if models[0].ID != "claude-x" || models[1].ID != "gpt-x" || models[2].ID != "shared" {
		t.Errorf("order: got %v", []string{models[0].ID, models[1].ID, models[2].ID})
	}
	if len(models[2].Providers) != 3 || models[2].Providers[0] != "alpha" {
		t.Errorf("shared providers: got %v", models[2].Providers)
	}
}

func TestBuild_UnknownKind(t *testing.T) {
	cfg := testConfig("round_robin")
	cfg.Providers[1].Kind = "yaml"

	names := []string{"alpha", "beta", "gamma"}
	arena := health.NewArena(names, 5, time.Second)
	if _, err := Build(cfg, arena); err == nil {
		t.Error("unknown provider kind should fail the build")
	}
}
