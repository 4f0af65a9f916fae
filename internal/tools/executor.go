// Package tools executes the tools agents expose to the reasoning engine.
//
// The Executor never returns Go errors to the tool loop: unknown tools,
// rejected arguments, rate limiting and handler failures all come back as
// {"error": "..."} values so the engine can read them and recover.
package tools

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aixgo-dev/aide/internal/llm"
	"github.com/aixgo-dev/aide/pkg/observability"
	"github.com/aixgo-dev/aide/pkg/toolloop"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 20
)

// Handler implements a tool. caller is the name of the agent whose turn
// requested the call.
type Handler func(ctx context.Context, caller string, args map[string]any) (any, error)

// Tool is a named, declared tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Timeout     time.Duration
	Handler     Handler
}

// Spec returns the declaration sent to the reasoning engine.
func (t Tool) Spec() toolloop.ToolSpec {
	return toolloop.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Config configures an Executor.
type Config struct {
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	Burst             int           `yaml:"burst,omitempty"`
	DefaultTimeout    time.Duration `yaml:"-"`
}

type registered struct {
	tool      Tool
	validator *llm.Validator
}

// Executor runs registered tools. It implements toolloop.Executor.
type Executor struct {
	mu      sync.RWMutex
	tools   map[string]registered
	order   []string
	limiter *RateLimiter
	timeout time.Duration
}

// NewExecutor creates an Executor. Zero config values take defaults.
func NewExecutor(cfg Config) *Executor {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Executor{
		tools:   make(map[string]registered),
		limiter: NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		timeout: cfg.DefaultTimeout,
	}
}

// Register adds a tool.
func (e *Executor) Register(tool Tool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if _, exists := e.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}

	e.tools[tool.Name] = registered{tool: tool, validator: llm.NewValidator(tool.Parameters)}
	e.order = append(e.order, tool.Name)
	return nil
}

// Specs returns the declarations of all tools in registration order.
func (e *Executor) Specs() []toolloop.ToolSpec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	specs := make([]toolloop.ToolSpec, 0, len(e.order))
	for _, name := range e.order {
		specs = append(specs, e.tools[name].tool.Spec())
	}
	return specs
}

// Execute implements toolloop.Executor.
func (e *Executor) Execute(ctx context.Context, caller, name string, args map[string]any) any {
	start := time.Now()

	e.mu.RLock()
	reg, exists := e.tools[name]
	e.mu.RUnlock()
	if !exists {
		observability.RecordToolCall(name, "not_found", time.Since(start))
		return errorResult("tool not found: %s", name)
	}

	if !e.limiter.Allow(caller) {
		log.Printf("[Tools] Rate limit exceeded for %s calling %s", caller, name)
		observability.RecordToolCall(name, "rate_limited", time.Since(start))
		return errorResult("rate limit exceeded for tool: %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := reg.validator.Validate(args); err != nil {
		observability.RecordToolCall(name, "invalid", time.Since(start))
		return errorResult("argument validation failed: %v", err)
	}

	timeout := reg.tool.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := reg.tool.Handler(toolCtx, caller, args)
	if err != nil {
		log.Printf("[Tools] %s failed for %s: %v", name, caller, err)
		observability.RecordToolCall(name, "error", time.Since(start))
		return errorResult("%v", err)
	}
	observability.RecordToolCall(name, "success", time.Since(start))
	return result
}

func errorResult(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}
