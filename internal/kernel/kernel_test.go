package kernel

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/basket/loom/internal/backend"
	"github.com/basket/loom/internal/config"
	"github.com/basket/loom/internal/memory"
)

type fakeBackend struct {
	name string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Invoke(context.Context, backend.Request) (*backend.Completion, error) {
	return &backend.Completion{Text: "ok", Provider: f.name}, nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Backend.Provider = "google"
	cfg.Backend.Model = "gemini-2.5-flash"
	cfg.Capability = []config.CapabilityConfig{
		{Name: "set_reminder", Description: "schedule a reminder", InputSchema: `{
			"type": "object",
			"properties": {"when": {"type": "string"}, "what": {"type": "string"}},
			"required": ["when", "what"]
		}`},
		{Name: "noop", Description: "takes nothing"},
	}
	return cfg
}

func newTestManager(t *testing.T, cfg config.Config) (*Manager, *atomic.Int32) {
	t.Helper()
	var factoryCalls atomic.Int32
	factory := func(_ context.Context, c config.Config) (backend.Backend, error) {
		factoryCalls.Add(1)
		return &fakeBackend{name: c.Backend.Provider}, nil
	}
	m, err := NewManager(context.Background(), cfg, factory, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, &factoryCalls
}

func TestManager_InitialBinding(t *testing.T) {
	m, calls := newTestManager(t, testConfig())

	b := m.Binding()
	if b == nil {
		t.Fatal("nil binding after init")
	}
	if b.Backend.Name() != "google" {
		t.Fatalf("backend = %s, want google", b.Backend.Name())
	}
	if calls.Load() != 1 {
		t.Fatalf("factory calls = %d, want 1", calls.Load())
	}
	names := b.CapabilityNames()
	if len(names) != 2 || names[0] != "noop" || names[1] != "set_reminder" {
		t.Fatalf("capabilities = %v", names)
	}
	c, ok := b.Capability("set_reminder")
	if !ok || c.InputSchema == nil {
		t.Fatalf("set_reminder capability = %+v, %v", c, ok)
	}
	if _, ok := b.Capability("noop"); !ok {
		t.Fatal("noop capability missing")
	}
}

func TestManager_CapabilitySchemaValidates(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	c, _ := m.Binding().Capability("set_reminder")

	good := map[string]any{"when": "tomorrow 9am", "what": "standup"}
	if err := c.InputSchema.Validate(good); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	bad := map[string]any{"when": "tomorrow 9am"}
	if err := c.InputSchema.Validate(bad); err == nil {
		t.Fatal("missing required field accepted")
	}
}

func TestManager_RefreshNoDriftKeepsBinding(t *testing.T) {
	cfg := testConfig()
	m, calls := newTestManager(t, cfg)
	before := m.Binding()

	changed, err := m.Refresh(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if changed {
		t.Fatal("refresh with identical config reported drift")
	}
	if m.Binding() != before {
		t.Fatal("binding pointer changed without drift")
	}
	if calls.Load() != 1 {
		t.Fatalf("factory calls = %d, want 1", calls.Load())
	}
}

func TestManager_RefreshBackendDrift(t *testing.T) {
	cfg := testConfig()
	m, calls := newTestManager(t, cfg)
	gen := m.Binding().Generation

	cfg.Backend.Model = "gemini-2.5-pro"
	changed, err := m.Refresh(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed {
		t.Fatal("model change not detected as drift")
	}
	b := m.Binding()
	if b.Generation <= gen {
		t.Fatalf("generation = %d, want > %d", b.Generation, gen)
	}
	if calls.Load() != 2 {
		t.Fatalf("factory calls = %d, want 2 after backend drift", calls.Load())
	}
	if b.Identity != "google/gemini-2.5-pro" {
		t.Fatalf("identity = %s", b.Identity)
	}
}

func TestManager_RefreshCapabilityDriftKeepsBackend(t *testing.T) {
	cfg := testConfig()
	m, calls := newTestManager(t, cfg)
	backendBefore := m.Binding().Backend

	cfg.Capability = append(cfg.Capability, config.CapabilityConfig{Name: "send_note"})
	changed, err := m.Refresh(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !changed {
		t.Fatal("capability change not detected as drift")
	}
	if m.Binding().Backend != backendBefore {
		t.Fatal("backend rebuilt for capability-only drift")
	}
	if calls.Load() != 1 {
		t.Fatalf("factory calls = %d, want 1", calls.Load())
	}
	if len(m.Binding().Capabilities) != 3 {
		t.Fatalf("capabilities = %d, want 3", len(m.Binding().Capabilities))
	}
}

func TestManager_TaskKeepsItsSnapshot(t *testing.T) {
	cfg := testConfig()
	m, _ := newTestManager(t, cfg)

	// A task grabs the binding once; a mid-task rebind must not affect it.
	taskBinding := m.Binding()
	cfg.Backend.Model = "other-model"
	if _, err := m.Refresh(context.Background(), cfg); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if taskBinding.Identity != "google/gemini-2.5-flash" {
		t.Fatalf("snapshot mutated: %s", taskBinding.Identity)
	}
	if m.Binding() == taskBinding {
		t.Fatal("new binding not installed")
	}

	out, err := taskBinding.Backend.Invoke(context.Background(), backend.Request{
		Messages: []memory.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil || out.Text != "ok" {
		t.Fatalf("old snapshot backend = %+v, %v", out, err)
	}
}
