// Package registry keeps the set of live agents and routes ad-hoc requests
// to the agent that claims them.
package registry

import (
	"context"
	"log"
	"sync"

	"github.com/aixgo-dev/aide/agent"
)

// DefaultFallback is the conventional name of the general conversational agent.
const DefaultFallback = "chat"

// Info describes a registered agent.
type Info struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Scheduled   bool             `json:"scheduled"`
	LastRun     *agent.RunRecord `json:"last_run,omitempty"`
}

// Registry holds agents by name. Routing candidates keep the order in which
// names were first registered.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]agent.Agent
	order     []string
	fallback  string
	scheduled []string
	runs      agent.RunHistory
}

// New creates a registry. fallback names the agent that absorbs requests no
// specialised agent claims; scheduled is the static list of agents that run
// on a schedule. runs may be nil.
func New(fallback string, scheduled []string, runs agent.RunHistory) *Registry {
	return &Registry{
		agents:    make(map[string]agent.Agent),
		fallback:  fallback,
		scheduled: append([]string(nil), scheduled...),
		runs:      runs,
	}
}

// Register stores a under its name. An existing registration is replaced and
// keeps its routing position.
func (r *Registry) Register(a agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.agents[name]; exists {
		log.Printf("[Registry] WARNING: agent %q already registered, replacing", name)
	} else {
		r.order = append(r.order, name)
	}
	r.agents[name] = a
	log.Printf("[Registry] Registered agent: %s - %s", name, a.Description())
}

// Unregister removes an agent. It reports whether the agent was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return false
	}
	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Printf("[Registry] Unregistered agent: %s", name)
	return true
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// All returns the agents in registration order.
func (r *Registry) All() []agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agent.Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// List describes every agent with its last run. A failed run lookup is
// logged and leaves LastRun empty.
func (r *Registry) List(ctx context.Context) []Info {
	agents := r.All()
	scheduled := make(map[string]struct{}, len(r.scheduled))
	for _, name := range r.scheduled {
		scheduled[name] = struct{}{}
	}

	out := make([]Info, 0, len(agents))
	for _, a := range agents {
		info := Info{Name: a.Name(), Description: a.Description()}
		_, info.Scheduled = scheduled[info.Name]
		if r.runs != nil {
			last, err := r.runs.LastRun(ctx, info.Name)
			if err != nil {
				log.Printf("[Registry] Failed to load last run for %s: %v", info.Name, err)
			}
			info.LastRun = last
		}
		out = append(out, info)
	}
	return out
}

// FindHandler returns the first agent, in registration order and skipping the
// fallback, whose CanHandle accepts input. Without a match it returns the
// fallback agent, or nil when no fallback is registered.
func (r *Registry) FindHandler(input string) agent.Agent {
	r.mu.RLock()
	candidates := make([]agent.Agent, 0, len(r.order))
	for _, name := range r.order {
		if name == r.fallback {
			continue
		}
		candidates = append(candidates, r.agents[name])
	}
	fallback := r.agents[r.fallback]
	r.mu.RUnlock()

	for _, a := range candidates {
		if a.CanHandle(input) {
			log.Printf("[Registry] Message routed to specialized agent: %s", a.Name())
			return a
		}
	}
	return fallback
}

// Fallback returns the fallback agent name.
func (r *Registry) Fallback() string {
	return r.fallback
}

// ScheduledAgents returns the scheduled agents that are actually registered.
func (r *Registry) ScheduledAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scheduled))
	for _, name := range r.scheduled {
		if _, ok := r.agents[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
