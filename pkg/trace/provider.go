package trace

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// providerGUIDNamespace is an arbitrary fixed namespace UUID used to derive a
// stable, deterministic provider GUID from a provider's name, the same way
// well-known tracing ecosystems hash a provider name into a GUID so readers
// built against a name never need the process that emitted it.
var providerGUIDNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ProviderCallback is invoked, outside any lock, when a provider's
// per-session enablement changes. Its errors are swallowed (§7).
type ProviderCallback func(ProviderCallbackData)

// ProviderCallbackData is queued under the config lock and dispatched after
// it is released, per Pipeline.Enable's postponed-callback rule.
type ProviderCallbackData struct {
	Provider  *Provider
	Session   SessionIndex
	Keywords  uint64
	Level     Level
	Enabled   bool
	FilterData string
}

// Event is owned by its Provider. Its id/version/level/keywords/need-stack
// attributes are immutable; only the cached is-enabled-in-any-session bit is
// volatile, recomputed whenever session enablement changes.
type Event struct {
	ID        uint32
	Version   uint32
	Level     Level
	Keywords  uint64
	NeedStack bool
	Metadata  []byte

	provider *Provider
	enabled  atomic.Bool
}

// Provider returns the owning provider.
func (e *Event) Provider() *Provider { return e.provider }

// IsEnabled is the hot-path guard: true iff at least one session's filter
// admits this event. It is a plain atomic read, safe without the config
// lock.
func (e *Event) IsEnabled() bool {
	return e.enabled.Load()
}

// IsEnabledInSession reports enablement against one specific session's
// negotiated keywords/level.
func (e *Event) IsEnabledInSession(idx SessionIndex) bool {
	return e.provider.isEventEnabled(idx, e.Keywords, e.Level)
}

func (e *Event) refresh() {
	any := false
	for i := SessionIndex(0); i < MaxSessions; i++ {
		if e.provider.isEventEnabled(i, e.Keywords, e.Level) {
			any = true
			break
		}
	}
	e.enabled.Store(any)
}

type providerSessionFilter struct {
	keywords atomic.Uint64
	level    atomic.Int32
}

// Provider is a named namespace of events; enablement is a bitmask across
// sessions plus a per-session negotiated keywords/level pair.
type Provider struct {
	name   string
	guid   uuid.UUID
	events []*Event

	sessionEnabledMask atomic.Uint64
	perSession         [MaxSessions]providerSessionFilter

	deleteDeferred bool
	callback       ProviderCallback
}

func newProvider(name string, callback ProviderCallback) *Provider {
	p := &Provider{
		name:     name,
		guid:     uuid.NewSHA1(providerGUIDNamespace, []byte(name)),
		callback: callback,
	}
	for i := range p.perSession {
		p.perSession[i].level.Store(-1)
	}
	return p
}

// Name returns the provider's registered name.
func (p *Provider) Name() string { return p.name }

// GUID returns the provider's deterministically-derived GUID.
func (p *Provider) GUID() uuid.UUID { return p.guid }

// Events returns the provider's registered events. Callers must not mutate
// the returned slice.
func (p *Provider) Events() []*Event { return p.events }

// AddEvent registers an event under this provider, computing its initial
// enabled state. Must be called under the configuration's lock.
func (p *Provider) AddEvent(e *Event) {
	e.provider = p
	p.events = append(p.events, e)
	e.refresh()
}

func (p *Provider) isEventEnabled(idx SessionIndex, eventKeywords uint64, eventLevel Level) bool {
	if p.sessionEnabledMask.Load()&(uint64(1)<<uint(idx)) == 0 {
		return false
	}
	f := &p.perSession[idx]
	if lvl := Level(f.level.Load()); eventLevel != LogAlways && lvl < eventLevel {
		return false
	}
	if kw := f.keywords.Load(); eventKeywords != 0 && kw&eventKeywords == 0 {
		return false
	}
	return true
}

// setSessionConfig negotiates this provider's keywords/level for session
// idx, sets its enabled bit, and refreshes every event's cached state. Must
// be called under the configuration's lock.
func (p *Provider) setSessionConfig(idx SessionIndex, keywords uint64, level Level) {
	f := &p.perSession[idx]
	f.keywords.Store(keywords)
	f.level.Store(int32(level))
	for {
		old := p.sessionEnabledMask.Load()
		next := old | (uint64(1) << uint(idx))
		if p.sessionEnabledMask.CompareAndSwap(old, next) {
			break
		}
	}
	p.refreshAllEvents()
}

// clearSessionConfig clears this provider's enablement for session idx.
// Must be called under the configuration's lock.
func (p *Provider) clearSessionConfig(idx SessionIndex) {
	f := &p.perSession[idx]
	f.keywords.Store(0)
	f.level.Store(-1)
	for {
		old := p.sessionEnabledMask.Load()
		next := old &^ (uint64(1) << uint(idx))
		if p.sessionEnabledMask.CompareAndSwap(old, next) {
			break
		}
	}
	p.refreshAllEvents()
}

func (p *Provider) refreshAllEvents() {
	for _, e := range p.events {
		e.refresh()
	}
}

// SessionKeywordsAndLevel returns the negotiated filter for idx, for
// diagnostics and rundown configuration.
func (p *Provider) SessionKeywordsAndLevel(idx SessionIndex) (uint64, Level, bool) {
	if p.sessionEnabledMask.Load()&(uint64(1)<<uint(idx)) == 0 {
		return 0, 0, false
	}
	f := &p.perSession[idx]
	return f.keywords.Load(), Level(f.level.Load()), true
}
