package trace

import (
	"log/slog"
	"sync"

	"github.com/marmos91/evtrace/internal/logger"
)

// Configuration is the registry of providers. It computes per-event,
// per-session enablement whenever sessions are enabled or disabled; a
// provider registered after a session was enabled is not enabled in that
// session. It owns the arena providers and events live in: sessions only
// ever hold non-owning references.
type Configuration struct {
	mu        sync.Mutex
	providers map[string]*Provider
	logger    *slog.Logger
}

// NewConfiguration constructs an empty provider registry.
func NewConfiguration(log *slog.Logger) *Configuration {
	if log == nil {
		log = logger.With("component", "trace.Configuration")
	}
	return &Configuration{
		providers: make(map[string]*Provider),
		logger:    log,
	}
}

// RegisterProvider registers a new provider by name. Fails with
// ErrAlreadyRegistered if the name is taken.
func (c *Configuration) RegisterProvider(name string, callback ProviderCallback) (*Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.providers[name]; exists {
		return nil, ErrAlreadyRegistered
	}
	p := newProvider(name, callback)
	c.providers[name] = p
	c.logger.Debug("provider registered", "provider", name, "guid", p.guid.String())
	return p, nil
}

// UnregisterProvider removes p, unless activeSessions > 0 in which case
// deletion is deferred until DeleteDeferredProviders is called with zero
// active sessions.
func (c *Configuration) UnregisterProvider(p *Provider, activeSessions int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if activeSessions > 0 {
		p.deleteDeferred = true
		return
	}
	delete(c.providers, p.name)
}

// Provider looks up a registered provider by name.
func (c *Configuration) Provider(name string) (*Provider, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[name]
	return p, ok
}

// Enable negotiates per-session keywords/level for every provider named in
// configs, sets the provider's session-enabled bit, and returns queued
// callback data to be dispatched after the caller releases its own lock.
func (c *Configuration) Enable(idx SessionIndex, configs []ProviderConfig) []ProviderCallbackData {
	c.mu.Lock()
	defer c.mu.Unlock()

	var queued []ProviderCallbackData
	for _, cfg := range configs {
		p, ok := c.providers[cfg.Name]
		if !ok {
			continue
		}
		p.setSessionConfig(idx, cfg.Keywords, cfg.Level)
		queued = append(queued, ProviderCallbackData{
			Provider:   p,
			Session:    idx,
			Keywords:   cfg.Keywords,
			Level:      cfg.Level,
			Enabled:    true,
			FilterData: cfg.FilterData,
		})
	}
	return queued
}

// Disable clears session idx's enablement from every provider named in
// configs, returning queued callback data.
func (c *Configuration) Disable(idx SessionIndex, configs []ProviderConfig) []ProviderCallbackData {
	c.mu.Lock()
	defer c.mu.Unlock()

	var queued []ProviderCallbackData
	for _, cfg := range configs {
		p, ok := c.providers[cfg.Name]
		if !ok {
			continue
		}
		p.clearSessionConfig(idx)
		queued = append(queued, ProviderCallbackData{
			Provider: p,
			Session:  idx,
			Enabled:  false,
		})
	}
	return queued
}

// DeleteDeferredProviders reaps providers marked delete-deferred. Callers
// are expected to invoke this after a disable has driven the active session
// count to zero.
func (c *Configuration) DeleteDeferredProviders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, p := range c.providers {
		if p.deleteDeferred {
			delete(c.providers, name)
		}
	}
}

// dispatchCallbacks runs queued callback data outside any lock, per the
// postponed-callback rule. Panics and errors from the callback are
// swallowed: provider-callback errors never propagate (§7).
func dispatchCallbacks(queued []ProviderCallbackData) {
	for _, data := range queued {
		if data.Provider == nil || data.Provider.callback == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			data.Provider.callback(data)
		}()
	}
}
