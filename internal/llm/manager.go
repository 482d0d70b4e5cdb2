package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// FallbackMessage is the reply returned when every provider fails.
const FallbackMessage = "I'm having trouble reaching my AI services right now. Please try again in a moment."

// Manager holds the configured providers, tracks which one is active,
// and fails over to the others when a call errors. It implements
// [Provider] so it can stand in for a single backend.
type Manager struct {
	names     []string // registration order
	providers map[string]Provider
	embedder  Provider
	logger    *slog.Logger

	mu          sync.RWMutex
	active      string
	costRouting bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEmbeddingProvider sets the provider used for Embed.
func WithEmbeddingProvider(p Provider) ManagerOption {
	return func(m *Manager) { m.embedder = p }
}

// WithCostRouting enables routing simple queries to the cheapest provider.
func WithCostRouting(enabled bool) ManagerOption {
	return func(m *Manager) { m.costRouting = enabled }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager registers providers in the given order and activates
// defaultName. Names are stored in canonical form, so "OpenAI" and
// "gpt" both register as "openai". Duplicate names keep the later
// provider at the first name's position.
func NewManager(providers []NamedProvider, defaultName string, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		logger:    slog.Default(),
	}
	for _, np := range providers {
		name := ResolveAlias(np.Name)
		if _, dup := m.providers[name]; !dup {
			m.names = append(m.names, name)
		}
		m.providers[name] = np.Provider
	}

	active := ResolveAlias(defaultName)
	if _, ok := m.providers[active]; !ok {
		return nil, fmt.Errorf("%w: default %q (available: %s)", ErrUnknownProvider, defaultName, strings.Join(m.names, ", "))
	}
	m.active = active

	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "llm")

	if m.embedder == nil {
		if p, ok := m.providers[ProviderOpenAI]; ok {
			m.embedder = p
		} else {
			m.embedder = m.providers[m.names[0]]
		}
	}

	m.logger.Info("LLM manager initialized",
		"active", m.active,
		"available", m.names,
		"cost_routing", m.costRouting,
	)
	return m, nil
}

// ActiveName returns the canonical name of the active provider.
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Available returns provider names in registration order.
func (m *Manager) Available() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// CostRoutingEnabled reports whether cost routing is on.
func (m *Manager) CostRoutingEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.costRouting
}

// SetCostRouting turns cost routing on or off.
func (m *Manager) SetCostRouting(enabled bool) {
	m.mu.Lock()
	m.costRouting = enabled
	m.mu.Unlock()
	m.logger.Info("cost routing changed", "enabled", enabled)
}

// Switch makes name (or its alias) the active provider and returns
// the canonical name. An unregistered name leaves the active provider
// unchanged.
func (m *Manager) Switch(name string) (string, error) {
	canonical := ResolveAlias(name)
	if _, ok := m.providers[canonical]; !ok {
		return "", fmt.Errorf("%w: %q not available, choose from: %s", ErrUnknownProvider, name, strings.Join(m.names, ", "))
	}

	m.mu.Lock()
	m.active = canonical
	m.mu.Unlock()

	m.logger.Info("switched LLM provider", "provider", canonical)
	return canonical, nil
}

// selectProvider returns the provider to try first for messages.
func (m *Manager) selectProvider(messages []Message) string {
	m.mu.RLock()
	active, costRouting := m.active, m.costRouting
	m.mu.RUnlock()

	if !costRouting {
		return active
	}
	text := lastUserText(messages)
	if text == "" || !IsSimpleQuery(text) {
		return active
	}

	selected := cheapest(m.names)
	if selected != active {
		m.logger.Debug("cost routing simple query", "selected", selected, "active", active)
	}
	return selected
}

// tryOrder returns first followed by the other providers in
// registration order.
func (m *Manager) tryOrder(first string) []string {
	order := make([]string, 0, len(m.names))
	order = append(order, first)
	for _, n := range m.names {
		if n != first {
			order = append(order, n)
		}
	}
	return order
}

// Chat tries the selected provider, then every other provider in
// registration order. When all fail it returns a synthetic assistant
// reply with finish reason "error". The returned error is always nil.
func (m *Manager) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*ChatResult, error) {
	first := m.selectProvider(messages)

	for i, name := range m.tryOrder(first) {
		if ctx.Err() != nil {
			break
		}
		result, err := safeChat(ctx, m.providers[name], messages, tools, opts)
		if err != nil {
			m.logger.Error("provider failed", "provider", name, "error", err)
			continue
		}
		if i > 0 {
			m.logger.Warn("fell back to provider", "provider", name, "failed", first)
		}
		result.Provider = name
		return result, nil
	}

	m.logger.Error("all LLM providers failed", "tried", len(m.names))
	return &ChatResult{
		Role:         RoleAssistant,
		Content:      strPtr(FallbackMessage),
		ToolCalls:    []ToolCall{},
		FinishReason: FinishError,
	}, nil
}

// Embed returns an embedding from the embedding provider. On failure
// it logs and returns an empty vector with a nil error.
func (m *Manager) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.logger.Warn("embedding failed", "error", err)
		return []float64{}, nil
	}
	return vec, nil
}

// Close closes each distinct provider once, including the embedding
// provider when it is not also registered for chat. Pointer providers
// are deduplicated by address; value providers are closed every time
// they appear.
func (m *Manager) Close() error {
	seen := make(map[uintptr]bool, len(m.providers)+1)
	closeOne := func(name string, p Provider) {
		if p == nil {
			return
		}
		if addr, ok := identity(p); ok {
			if seen[addr] {
				return
			}
			seen[addr] = true
		}
		if err := p.Close(); err != nil {
			m.logger.Warn("provider close failed", "provider", name, "error", err)
		}
	}
	for _, n := range m.names {
		closeOne(n, m.providers[n])
	}
	closeOne("embedding", m.embedder)
	return nil
}

// identity returns the address behind a pointer provider.
func identity(p Provider) (uintptr, bool) {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return 0, false
	}
	return v.Pointer(), true
}

// errNilResult is reported for a provider that returns neither a
// result nor an error.
var errNilResult = errors.New("provider returned no result")

// safeChat calls p.Chat, turning a panic or a nil result into an
// error so the failover loop moves on.
func safeChat(ctx context.Context, p Provider, messages []Message, tools []ToolDefinition, opts ChatOptions) (result *ChatResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("provider panicked: %v", r)
		}
	}()
	result, err = p.Chat(ctx, messages, tools, opts)
	if err == nil && result == nil {
		err = errNilResult
	}
	return result, err
}
