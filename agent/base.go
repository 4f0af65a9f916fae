package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/aide/pkg/memory"
)

// MemorySearcher gives read access to long-term user memories.
type MemorySearcher interface {
	Search(ctx context.Context, userID, query string, limit int) ([]memory.Memory, error)
	All(ctx context.Context, userID string) ([]memory.Memory, error)
}

// KnowledgeSearcher gives read access to the knowledge base.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]memory.Knowledge, error)
	ByCategory(ctx context.Context, category string) ([]memory.Knowledge, error)
}

// Collaborators are the services an agent may use. Any of them may be nil;
// helpers that need a missing collaborator fail with ErrNoCollaborator.
type Collaborators struct {
	Bus             Bus
	Runs            RunHistory
	Recommendations Recommender
	Memories        MemorySearcher
	Knowledge       KnowledgeSearcher
}

// MethodFunc implements a named capability invoked through an "agent:method"
// routing target.
type MethodFunc func(ctx context.Context, msg *Message) (any, error)

// Method adapts a typed function into a MethodFunc. The message payload is
// decoded into T before fn is called.
func Method[T any](fn func(ctx context.Context, req T) (any, error)) MethodFunc {
	return func(ctx context.Context, msg *Message) (any, error) {
		var req T
		if msg.Payload != nil {
			if err := msg.DecodePayload(&req); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", msg.Method(), err)
			}
		}
		return fn(ctx, req)
	}
}

// MethodTable is implemented by agents that expose named methods.
type MethodTable interface {
	LookupMethod(name string) (MethodFunc, bool)
}

// Base provides the default Agent behavior and convenience helpers. Concrete
// agents embed *Base and implement Execute.
type Base struct {
	name        string
	description string
	collab      Collaborators
	methods     map[string]MethodFunc
}

// NewBase creates a Base for an agent.
func NewBase(name, description string, collab Collaborators) *Base {
	return &Base{
		name:        name,
		description: description,
		collab:      collab,
		methods:     make(map[string]MethodFunc),
	}
}

// Name returns the agent's name.
func (b *Base) Name() string { return b.name }

// Description returns the agent's description.
func (b *Base) Description() string { return b.description }

// Collaborators returns the services the agent was built with.
func (b *Base) Collaborators() Collaborators { return b.collab }

// CanHandle returns false; agents opt in to request routing by overriding it.
func (b *Base) CanHandle(input string) bool { return false }

// Handle reports that ad-hoc requests are not supported.
func (b *Base) Handle(ctx context.Context, input string, cc *ChatContext) (string, error) {
	return "", &NotImplementedError{AgentName: b.name, Method: "Handle"}
}

// OnMessage acknowledges the message.
func (b *Base) OnMessage(ctx context.Context, msg *Message) (any, error) {
	return map[string]any{"received": true}, nil
}

// HandleMethod adds a named method to the agent's method table. It is meant
// to be called while constructing the agent.
func (b *Base) HandleMethod(name string, fn MethodFunc) error {
	if name == "" {
		return fmt.Errorf("agent %s: method name is empty", b.name)
	}
	if fn == nil {
		return fmt.Errorf("agent %s: method %q has no implementation", b.name, name)
	}
	if _, exists := b.methods[name]; exists {
		return fmt.Errorf("agent %s: method %q already registered", b.name, name)
	}
	b.methods[name] = fn
	return nil
}

// LookupMethod implements MethodTable.
func (b *Base) LookupMethod(name string) (MethodFunc, bool) {
	fn, ok := b.methods[name]
	return fn, ok
}

// Methods returns the names in the method table.
func (b *Base) Methods() []string {
	names := make([]string, 0, len(b.methods))
	for name := range b.methods {
		names = append(names, name)
	}
	return names
}

// Send sends a message from this agent. method may be empty.
func (b *Base) Send(to, method string, payload any, kind Kind, opts ...SendOption) (string, error) {
	if b.collab.Bus == nil {
		return "", fmt.Errorf("send: bus: %w", ErrNoCollaborator)
	}
	return b.collab.Bus.Send(b.name, Target(to, method), payload, kind, opts...)
}

// Query asks another agent and waits for its answer.
func (b *Base) Query(ctx context.Context, to, method string, payload any, timeout time.Duration) (any, error) {
	if b.collab.Bus == nil {
		return nil, fmt.Errorf("query: bus: %w", ErrNoCollaborator)
	}
	return b.collab.Bus.Query(ctx, b.name, Target(to, method), payload, timeout)
}

// Broadcast publishes an event to all other agents.
func (b *Base) Broadcast(event string, payload any, exclude ...string) []string {
	if b.collab.Bus == nil {
		return nil
	}
	return b.collab.Bus.Broadcast(b.name, event, payload, exclude...)
}

// Recommend records a recommendation attributed to this agent.
// An empty priority means normal.
func (b *Base) Recommend(ctx context.Context, title, content, priority string, metadata map[string]any) (string, error) {
	if priority == "" {
		priority = string(PriorityNormal)
	}
	p, err := ParsePriority(priority)
	if err != nil {
		return "", err
	}
	if b.collab.Recommendations == nil {
		return "", fmt.Errorf("recommend: store: %w", ErrNoCollaborator)
	}
	return b.collab.Recommendations.Create(ctx, Recommendation{
		AgentName: b.name,
		Title:     title,
		Content:   content,
		Priority:  p,
		Metadata:  metadata,
	})
}

// SearchKnowledge searches the knowledge base.
func (b *Base) SearchKnowledge(ctx context.Context, query string, limit int) ([]memory.Knowledge, error) {
	if b.collab.Knowledge == nil {
		return nil, fmt.Errorf("search knowledge: %w", ErrNoCollaborator)
	}
	return b.collab.Knowledge.Search(ctx, query, limit)
}

// KnowledgeByCategory lists knowledge items of a category.
func (b *Base) KnowledgeByCategory(ctx context.Context, category string) ([]memory.Knowledge, error) {
	if b.collab.Knowledge == nil {
		return nil, fmt.Errorf("knowledge by category: %w", ErrNoCollaborator)
	}
	return b.collab.Knowledge.ByCategory(ctx, category)
}

// SearchMemories searches a user's memories.
func (b *Base) SearchMemories(ctx context.Context, userID, query string, limit int) ([]memory.Memory, error) {
	if b.collab.Memories == nil {
		return nil, fmt.Errorf("search memories: %w", ErrNoCollaborator)
	}
	return b.collab.Memories.Search(ctx, userID, query, limit)
}

// AllMemories lists a user's memories.
func (b *Base) AllMemories(ctx context.Context, userID string) ([]memory.Memory, error) {
	if b.collab.Memories == nil {
		return nil, fmt.Errorf("all memories: %w", ErrNoCollaborator)
	}
	return b.collab.Memories.All(ctx, userID)
}

// LastRun returns this agent's most recent run, or nil if it never ran.
func (b *Base) LastRun(ctx context.Context) (*RunRecord, error) {
	if b.collab.Runs == nil {
		return nil, fmt.Errorf("last run: %w", ErrNoCollaborator)
	}
	return b.collab.Runs.LastRun(ctx, b.name)
}

// RecentRuns returns this agent's runs within the since window, newest first.
func (b *Base) RecentRuns(ctx context.Context, limit int, since time.Duration) ([]RunRecord, error) {
	if b.collab.Runs == nil {
		return nil, fmt.Errorf("recent runs: %w", ErrNoCollaborator)
	}
	return b.collab.Runs.ListRecent(ctx, RunFilter{AgentName: b.name, Limit: limit, Since: since})
}

// Dispatcher returns the bus Handler for an agent. Messages selecting a
// method are routed through the agent's method table; all others go to
// OnMessage.
func Dispatcher(a Agent) Handler {
	return func(ctx context.Context, msg *Message) (any, error) {
		method := msg.Method()
		if method == "" {
			return a.OnMessage(ctx, msg)
		}
		if mt, ok := a.(MethodTable); ok {
			if fn, ok := mt.LookupMethod(method); ok {
				return fn(ctx, msg)
			}
		}
		return nil, &UnknownMethodError{AgentName: a.Name(), Method: method}
	}
}

// Attach registers the agent's dispatcher on the bus.
func Attach(bus Bus, a Agent) {
	bus.Register(a.Name(), Dispatcher(a))
}
