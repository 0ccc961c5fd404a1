// Package surface abstracts the UI surfaces that embed the client core.
// Every surface resolves identity and session state through the same
// path; the adapter only contributes what is genuinely surface-specific,
// such as a session handoff token carried in a URL.
package surface

import (
	"fmt"
	"net/url"
	"sort"
	"sync"

	"advisorlink/internal/identity"
)

// Adapter is one UI surface embedding the client core.
type Adapter interface {
	// Name identifies the surface, e.g. "web" or "extension".
	Name() string

	// SessionOverride reports a cross-surface session handoff token.
	// ok is false when the surface carries none.
	SessionOverride() (token string, ok bool)
}

// Registry holds the adapters for the surfaces active in this process.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering the same surface name twice is
// a wiring bug and returns an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("surface %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter for a surface name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered surface names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionResolver resolves the session id, honoring an override.
type SessionResolver interface {
	GetOrCreateSessionID(override string) (identity.SessionIdentity, error)
}

// ResolveSession resolves the shared session id for this process. The
// first registered adapter that carries a handoff token wins; with no
// token the resolver falls back to its persisted-then-generated chain.
func (r *Registry) ResolveSession(ids SessionResolver) (identity.SessionIdentity, error) {
	r.mu.RLock()
	var override string
	for _, name := range r.order {
		if token, ok := r.adapters[name].SessionOverride(); ok && token != "" {
			override = token
			break
		}
	}
	r.mu.RUnlock()

	return ids.GetOrCreateSessionID(override)
}

// sessionParam is the query parameter a handoff link carries.
const sessionParam = "advisor_session"

// WebAdapter extracts the session handoff token from the page URL the
// web surface was opened with.
type WebAdapter struct {
	pageURL *url.URL
}

// NewWebAdapter parses the page URL. An unparseable URL yields an
// adapter with no override rather than an error; handoff is best effort.
func NewWebAdapter(rawURL string) *WebAdapter {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = nil
	}
	return &WebAdapter{pageURL: u}
}

func (a *WebAdapter) Name() string { return "web" }

func (a *WebAdapter) SessionOverride() (string, bool) {
	if a.pageURL == nil {
		return "", false
	}
	token := a.pageURL.Query().Get(sessionParam)
	return token, token != ""
}

// StaticAdapter carries a fixed override, for surfaces whose host hands
// the token over directly (deep links, extension messages).
type StaticAdapter struct {
	SurfaceName string
	Token       string
}

func (a *StaticAdapter) Name() string { return a.SurfaceName }

func (a *StaticAdapter) SessionOverride() (string, bool) {
	return a.Token, a.Token != ""
}
