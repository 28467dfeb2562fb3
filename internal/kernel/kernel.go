// Package kernel owns the engine's live binding: the bound backend chain,
// the agent identity, and the capability registry with compiled input
// schemas. The binding is an immutable snapshot behind an atomic pointer;
// tasks grab it once at claim time and keep it for their whole run, so a
// hot reload mid-task never mixes old and new components.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/loom/internal/backend"
	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/config"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Capability is one validated tool surface exposed to the model.
type Capability struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema // nil when the capability takes no input
}

// Binding is one immutable snapshot of everything a task needs to run.
type Binding struct {
	Backend               backend.Backend
	Identity              string
	Capabilities          map[string]Capability
	BackendFingerprint    string
	CapabilityFingerprint string
	BoundAt               time.Time
	Generation            uint64
}

// Capability looks up one capability by name.
func (b *Binding) Capability(name string) (Capability, bool) {
	c, ok := b.Capabilities[name]
	return c, ok
}

// CapabilityNames lists capabilities sorted by name.
func (b *Binding) CapabilityNames() []string {
	names := make([]string, 0, len(b.Capabilities))
	for name := range b.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackendFactory builds the backend chain for a config. Split out so tests
// can bind stubs without provider credentials.
type BackendFactory func(ctx context.Context, cfg config.Config) (backend.Backend, error)

// DefaultBackendFactory wires the Genkit adapter with ordered fallbacks,
// circuit breakers, and a per-invocation deadline on each provider. The
// deadline sits inside the failover chain so a hung primary times out and
// the fallbacks still get their turn.
func DefaultBackendFactory(ctx context.Context, cfg config.Config) (backend.Backend, error) {
	invokeTimeout := time.Duration(cfg.Backend.InvokeTimeoutSeconds) * time.Second
	primary := backend.WithTimeout(backend.NewGenkitBackend(ctx, backend.GenkitConfig{
		Provider: cfg.Backend.Provider,
		Model:    cfg.Backend.Model,
		APIKey:   cfg.ProviderAPIKey(cfg.Backend.Provider),
	}, slog.Default()), invokeTimeout)

	var fallbacks []backend.Backend
	for _, name := range cfg.Backend.FallbackProviders {
		fallbacks = append(fallbacks, backend.WithTimeout(backend.NewGenkitBackend(ctx, backend.GenkitConfig{
			Provider: name,
			APIKey:   cfg.ProviderAPIKey(name),
		}, slog.Default()), invokeTimeout))
	}
	if len(fallbacks) == 0 {
		return primary, nil
	}
	return backend.NewFailoverBackend(
		primary,
		fallbacks,
		cfg.Backend.FailoverThreshold,
		time.Duration(cfg.Backend.FailoverCooldownSeconds)*time.Second,
		slog.Default(),
	), nil
}

type Manager struct {
	factory BackendFactory
	bus     *bus.Bus
	log     *slog.Logger

	binding    atomic.Pointer[Binding]
	generation atomic.Uint64

	mu  sync.Mutex // serializes rebinds
	cfg config.Config
}

func NewManager(ctx context.Context, cfg config.Config, factory BackendFactory, eventBus *bus.Bus, log *slog.Logger) (*Manager, error) {
	if factory == nil {
		factory = DefaultBackendFactory
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{factory: factory, bus: eventBus, log: log, cfg: cfg}
	if err := m.rebind(ctx, cfg, true, true); err != nil {
		return nil, err
	}
	return m, nil
}

// Binding returns the current snapshot. Never nil after NewManager.
func (m *Manager) Binding() *Binding {
	return m.binding.Load()
}

// Refresh compares the new config's fingerprints against the live binding
// and rebuilds only the drifted parts. Returns whether anything changed.
func (m *Manager) Refresh(ctx context.Context, cfg config.Config) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.binding.Load()
	backendDrift := cfg.BackendFingerprint() != current.BackendFingerprint
	capabilityDrift := cfg.CapabilityFingerprint() != current.CapabilityFingerprint
	if !backendDrift && !capabilityDrift {
		m.cfg = cfg
		return false, nil
	}
	if err := m.rebindLocked(ctx, cfg, backendDrift, capabilityDrift); err != nil {
		return false, err
	}
	m.log.Info("kernel rebound",
		"backend_drift", backendDrift,
		"capability_drift", capabilityDrift,
		"generation", m.binding.Load().Generation)
	return true, nil
}

func (m *Manager) rebind(ctx context.Context, cfg config.Config, rebindBackend, rebindCapabilities bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebindLocked(ctx, cfg, rebindBackend, rebindCapabilities)
}

func (m *Manager) rebindLocked(ctx context.Context, cfg config.Config, rebindBackend, rebindCapabilities bool) error {
	previous := m.binding.Load()

	next := &Binding{
		Identity:              cfg.Backend.Provider + "/" + cfg.Backend.Model,
		BackendFingerprint:    cfg.BackendFingerprint(),
		CapabilityFingerprint: cfg.CapabilityFingerprint(),
		BoundAt:               time.Now(),
		Generation:            m.generation.Add(1),
	}

	if rebindBackend || previous == nil {
		be, err := m.factory(ctx, cfg)
		if err != nil {
			return fmt.Errorf("bind backend: %w", err)
		}
		next.Backend = be
	} else {
		next.Backend = previous.Backend
	}

	if rebindCapabilities || previous == nil {
		caps, err := compileCapabilities(cfg.Capability)
		if err != nil {
			return fmt.Errorf("bind capabilities: %w", err)
		}
		next.Capabilities = caps
	} else {
		next.Capabilities = previous.Capabilities
	}

	m.binding.Store(next)
	m.cfg = cfg
	if m.bus != nil && previous != nil {
		m.bus.Publish(bus.TopicKernelRebound, map[string]any{
			"generation":       next.Generation,
			"backend_rebound":  rebindBackend,
			"capability_count": len(next.Capabilities),
		})
	}
	return nil
}

func compileCapabilities(capabilities []config.CapabilityConfig) (map[string]Capability, error) {
	out := make(map[string]Capability, len(capabilities))
	for _, cc := range capabilities {
		c := Capability{Name: cc.Name, Description: cc.Description}
		if cc.InputSchema != "" {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(cc.InputSchema))
			if err != nil {
				return nil, fmt.Errorf("capability %s: parse schema: %w", cc.Name, err)
			}
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource("schema.json", doc); err != nil {
				return nil, fmt.Errorf("capability %s: add schema: %w", cc.Name, err)
			}
			schema, err := compiler.Compile("schema.json")
			if err != nil {
				return nil, fmt.Errorf("capability %s: compile schema: %w", cc.Name, err)
			}
			c.InputSchema = schema
		}
		out[cc.Name] = c
	}
	return out, nil
}

// WatchConfig consumes reload events until ctx ends, reloading the config
// from disk and refreshing the binding on each. Errors keep the previous
// binding live.
func (m *Manager) WatchConfig(ctx context.Context, events <-chan config.ReloadEvent, homeDir string) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			cfg, err := config.LoadFrom(homeDir)
			if err != nil {
				m.log.Warn("config reload failed, keeping current binding", "error", err)
				continue
			}
			changed, err := m.Refresh(ctx, cfg)
			if err != nil {
				m.log.Warn("kernel refresh failed, keeping current binding", "error", err)
				continue
			}
			if !changed {
				m.log.Debug("config reload produced no binding drift")
			}
		}
	}
}
