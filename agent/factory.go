package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/aide/pkg/memory"
	"github.com/aixgo-dev/aide/pkg/toolloop"
)

// Def is the YAML definition of an agent instance.
type Def struct {
	Name        string   `yaml:"name"`
	Role        string   `yaml:"role"`
	Description string   `yaml:"description,omitempty"`
	Prompt      string   `yaml:"prompt,omitempty"`
	Schedule    string   `yaml:"schedule,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty"`
	Tools       []string `yaml:"tools,omitempty"`
	Priority    Priority `yaml:"priority,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// Duration is a time.Duration that unmarshals from strings such as "90s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// GetString returns an extra string setting.
func (d *Def) GetString(key, def string) string {
	if v, ok := d.Extra[key].(string); ok {
		return v
	}
	return def
}

// UnmarshalKey decodes an extra setting into v. Missing keys leave v untouched.
func (d *Def) UnmarshalKey(key string, v any) error {
	raw, exists := d.Extra[key]
	if !exists {
		return nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal key %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal key %q: %w", key, err)
	}
	return nil
}

// Validate checks the fields every role needs.
func (d *Def) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if d.Role == "" {
		return fmt.Errorf("agent %s: role is required", d.Name)
	}
	if d.Priority != "" {
		if _, err := ParsePriority(string(d.Priority)); err != nil {
			return fmt.Errorf("agent %s: %w", d.Name, err)
		}
	}
	return nil
}

// Reasoner runs one tool-calling conversation turn.
type Reasoner interface {
	Run(ctx context.Context, caller string, turns []toolloop.Turn, tools []toolloop.ToolSpec) (*toolloop.Result, error)
}

// Deps are the shared services handed to agent factories.
type Deps struct {
	Bus             Bus
	Reasoner        Reasoner
	Tools           []toolloop.ToolSpec
	Memories        MemorySearcher
	Knowledge       KnowledgeSearcher
	History         memory.History
	Recommendations Recommender
	Runs            RunHistory
}

// Collaborators returns the subset of Deps that Base uses.
func (d Deps) Collaborators() Collaborators {
	return Collaborators{
		Bus:             d.Bus,
		Runs:            d.Runs,
		Recommendations: d.Recommendations,
		Memories:        d.Memories,
		Knowledge:       d.Knowledge,
	}
}

// ToolsFor returns the specs of the named tools. An empty list selects all
// tools; unknown names are ignored.
func (d Deps) ToolsFor(names []string) []toolloop.ToolSpec {
	if len(names) == 0 {
		return d.Tools
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	out := make([]toolloop.ToolSpec, 0, len(names))
	for _, spec := range d.Tools {
		if _, ok := want[spec.Name]; ok {
			out = append(out, spec)
		}
	}
	return out
}

// FactoryFunc builds an agent from its definition.
type FactoryFunc func(Def, Deps) (Agent, error)

// Registry maps roles to factories.
type Registry interface {
	Register(role string, factory FactoryFunc)
	GetFactory(role string) (FactoryFunc, bool)
}

// DefaultRegistry is the global registry implementation
type DefaultRegistry struct {
	factories map[string]FactoryFunc
	mu        sync.RWMutex
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a new registry instance (useful for testing)
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		factories: make(map[string]FactoryFunc),
	}
}

func (r *DefaultRegistry) Register(role string, factory FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[role] = factory
}

func (r *DefaultRegistry) GetFactory(role string) (FactoryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[role]
	return f, ok
}

// Roles returns the registered roles, sorted.
func (r *DefaultRegistry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.factories))
	for role := range r.factories {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Register registers a factory with the default registry
func Register(role string, factory FactoryFunc) {
	defaultRegistry.Register(role, factory)
}

// GetFactory retrieves a factory from the default registry
func GetFactory(role string) (FactoryFunc, bool) {
	return defaultRegistry.GetFactory(role)
}

// Roles lists the roles known to the default registry.
func Roles() []string {
	return defaultRegistry.Roles()
}

// CreateAgent creates an agent using the default registry
func CreateAgent(def Def, deps Deps) (Agent, error) {
	return CreateAgentWithRegistry(def, deps, defaultRegistry)
}

// CreateAgentWithRegistry creates an agent using a custom registry (useful for testing)
func CreateAgentWithRegistry(def Def, deps Deps, registry Registry) (Agent, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	factory, ok := registry.GetFactory(def.Role)
	if !ok {
		return nil, fmt.Errorf("unknown role: %s", def.Role)
	}
	a, err := factory(def, deps)
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", def.Name, err)
	}
	return a, nil
}
