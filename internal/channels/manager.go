package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Manager owns the registered adapters. Registration order is kept and
// drives fallback when the preferred channel cannot deliver.
type Manager struct {
	preferred string
	logger    *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewManager creates a manager whose proactive sends go to preferred
// first.
func NewManager(preferred string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		preferred: preferred,
		logger:    logger.With("component", "channels"),
		adapters:  make(map[string]Adapter),
	}
}

// Preferred returns the preferred channel ID.
func (m *Manager) Preferred() string { return m.preferred }

// Register adds a. A later adapter with the same ID replaces the
// earlier one but keeps its position.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := a.ID()
	if _, exists := m.adapters[id]; !exists {
		m.order = append(m.order, id)
	}
	m.adapters[id] = a
	m.logger.Debug("channel registered", "channel", id, "configured", a.IsConfigured())
}

// Get returns the adapter registered under id.
func (m *Manager) Get(id string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[id]
	return a, ok
}

// snapshot returns the adapters in registration order.
func (m *Manager) snapshot() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Adapter, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.adapters[id])
	}
	return out
}

// AvailableChannels returns the IDs of configured adapters in
// registration order.
func (m *Manager) AvailableChannels() []string {
	var ids []string
	for _, a := range m.snapshot() {
		if a.IsConfigured() {
			ids = append(ids, a.ID())
		}
	}
	return ids
}

// StartAll starts every configured adapter. A failure on one adapter
// is logged and does not stop the others.
func (m *Manager) StartAll(ctx context.Context) {
	for _, a := range m.snapshot() {
		if !a.IsConfigured() {
			m.logger.Debug("channel not configured, skipping", "channel", a.ID())
			continue
		}
		err := a.Start(ctx)
		switch {
		case err == nil:
			m.logger.Info("channel started", "channel", a.ID())
		case errors.Is(err, ErrNotImplemented):
			m.logger.Info("channel not implemented, skipping", "channel", a.ID())
		default:
			m.logger.Error("channel start failed", "channel", a.ID(), "error", err)
		}
	}
}

// StopAll stops every adapter, logging failures.
func (m *Manager) StopAll(ctx context.Context) {
	for _, a := range m.snapshot() {
		if err := a.Stop(ctx); err != nil {
			m.logger.Error("channel stop failed", "channel", a.ID(), "error", err)
		}
	}
}

// SendToPreferred delivers text through the preferred channel, or the
// first other configured proactive channel when that is not possible.
// It never returns an error; an undeliverable message yields
// {"error": "no_channel_available"}.
func (m *Manager) SendToPreferred(ctx context.Context, text string) Result {
	tried := ""
	if a, ok := m.Get(m.preferred); ok && a.IsConfigured() {
		if ps, ok := a.(ProactiveSender); ok {
			tried = a.ID()
			err := ps.SendProactive(ctx, text)
			if err == nil {
				return Result{"channel": a.ID(), "status": "sent"}
			}
			m.logger.Warn("preferred channel failed, trying fallback",
				"channel", a.ID(),
				"error", err,
			)
		}
	}

	for _, a := range m.snapshot() {
		if a.ID() == tried || !a.IsConfigured() {
			continue
		}
		ps, ok := a.(ProactiveSender)
		if !ok {
			continue
		}
		if err := ps.SendProactive(ctx, text); err != nil {
			m.logger.Warn("fallback channel failed", "channel", a.ID(), "error", err)
			continue
		}
		m.logger.Info("delivered via fallback channel", "channel", a.ID(), "preferred", m.preferred)
		return Result{"channel": a.ID(), "status": "sent_fallback"}
	}

	m.logger.Error("no channel available for proactive message", "preferred", m.preferred)
	return Result{"error": "no_channel_available"}
}

// SendToChannel sends directly through one channel without fallback.
func (m *Manager) SendToChannel(ctx context.Context, id, to, text string, opts SendOptions) Result {
	a, ok := m.Get(id)
	if !ok {
		return Result{"error": "Unknown channel: " + id}
	}

	var (
		msgID string
		err   error
	)
	if opts.MediaURL != "" {
		msgID, err = a.SendMedia(ctx, to, text, opts.MediaURL)
	} else {
		msgID, err = a.SendText(ctx, to, text)
	}
	if err != nil {
		m.logger.Error("channel send failed", "channel", id, "error", err)
		return Result{"channel": id, "error": err.Error()}
	}
	return Result{"channel": id, "status": "sent", "message_id": msgID}
}
