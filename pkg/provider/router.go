package provider

import (
	"errors"
)

// ErrNoProvider is returned when every configured provider is disabled or
// ineligible for an agent.
var ErrNoProvider = errors.New("no-provider")

// reservedAgentIDs historically route directly to the primary external
// provider regardless of the agent's own provider mapping.
var reservedAgentIDs = map[string]bool{
	"24":   true,
	"VAPI": true,
}

// Router selects a Provider for an agent, applying the reserved-id rule
// and falling back across a priority list when a provider is disabled.
type Router struct {
	registry         *Registry
	primaryID        string
	fallbackPriority []string
}

// NewRouter creates a Router. primaryID is the provider reserved agent ids
// route to; fallbackPriority is the ordered list tried when an agent's
// mapped provider (or the primary) is disabled.
func NewRouter(registry *Registry, primaryID string, fallbackPriority []string) *Router {
	return &Router{registry: registry, primaryID: primaryID, fallbackPriority: fallbackPriority}
}

// RouteResult carries the selected provider plus whether the router had to
// fall back from the agent's natural mapping.
type RouteResult struct {
	Provider     Provider
	UsedFallback bool
}

// Route selects a provider for an agent. agentProviderID is the id the
// agent's own configuration maps to; agentRef is the agent's own id,
// checked against the reserved-literal list.
func (r *Router) Route(agentRef, agentProviderID string) (RouteResult, error) {
	wantID := agentProviderID
	if reservedAgentIDs[agentRef] {
		wantID = r.primaryID
	}

	if p, disabled, err := r.registry.Get(wantID); err == nil && !disabled {
		return RouteResult{Provider: p}, nil
	}

	for _, id := range r.fallbackPriority {
		if id == wantID {
			continue
		}
		if p, disabled, err := r.registry.Get(id); err == nil && !disabled {
			return RouteResult{Provider: p, UsedFallback: true}, nil
		}
	}

	return RouteResult{}, ErrNoProvider
}
