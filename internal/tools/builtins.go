package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/memory"
	"github.com/aixgo-dev/aide/pkg/recommend"
)

// Builtin tool names.
const (
	ToolCurrentTime         = "current_time"
	ToolRecentAgentRuns     = "recent_agent_runs"
	ToolListRecommendations = "list_recommendations"
	ToolSearchMemories      = "search_memories"
	ToolSearchKnowledge     = "search_knowledge"
	ToolRemember            = "remember"
	ToolAddKnowledge        = "add_knowledge"
	ToolAskAgent            = "ask_agent"
)

// MemoryWriter stores facts about a user.
type MemoryWriter interface {
	Add(ctx context.Context, userID, content string, metadata map[string]any) (memory.Memory, error)
}

// KnowledgeWriter adds items to the knowledge base.
type KnowledgeWriter interface {
	Add(ctx context.Context, item memory.Knowledge) (memory.Knowledge, error)
}

const defaultToolLimit = 10

// BuiltinDeps are the services the builtin tools read from. Tools whose
// dependency is nil are not registered.
type BuiltinDeps struct {
	Runs            agent.RunHistory
	Recommendations recommend.Store
	Memories        agent.MemorySearcher
	Knowledge       agent.KnowledgeSearcher
	MemoryWriter    MemoryWriter
	KnowledgeWriter KnowledgeWriter
	Bus             agent.Bus
	QueryTimeout    time.Duration
	Now             func() time.Time
}

// RegisterBuiltins registers the substrate tools backed by deps.
func RegisterBuiltins(e *Executor, deps BuiltinDeps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.QueryTimeout <= 0 {
		deps.QueryTimeout = agent.DefaultQueryTimeout
	}

	tools := []Tool{currentTimeTool(deps.Now)}
	if deps.Runs != nil {
		tools = append(tools, recentRunsTool(deps.Runs))
	}
	if deps.Recommendations != nil {
		tools = append(tools, listRecommendationsTool(deps.Recommendations))
	}
	if deps.Memories != nil {
		tools = append(tools, searchMemoriesTool(deps.Memories))
	}
	if deps.Knowledge != nil {
		tools = append(tools, searchKnowledgeTool(deps.Knowledge))
	}
	if deps.MemoryWriter != nil {
		tools = append(tools, rememberTool(deps.MemoryWriter))
	}
	if deps.KnowledgeWriter != nil {
		tools = append(tools, addKnowledgeTool(deps.KnowledgeWriter))
	}
	if deps.Bus != nil {
		tools = append(tools, askAgentTool(deps.Bus, deps.QueryTimeout))
	}

	for _, t := range tools {
		if err := e.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}

func currentTimeTool(now func() time.Time) Tool {
	return Tool{
		Name:        ToolCurrentTime,
		Description: "Get the current date and time, optionally in an IANA timezone",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{"type": "string", "description": "IANA timezone, e.g. Europe/Berlin"},
			},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			t := now()
			if tz := stringArg(args, "timezone"); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone: %s", tz)
				}
				t = t.In(loc)
			}
			return map[string]any{
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
				"timezone": t.Location().String(),
			}, nil
		},
	}
}

func recentRunsTool(runs agent.RunHistory) Tool {
	return Tool{
		Name:        ToolRecentAgentRuns,
		Description: "List recent agent runs, newest first",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{"type": "string", "description": "Only runs of this agent"},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
				"hours": map[string]any{"type": "number", "minimum": 0, "description": "Only runs started in the last N hours"},
			},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			filter := agent.RunFilter{
				AgentName: stringArg(args, "agent"),
				Limit:     intArg(args, "limit", defaultToolLimit),
			}
			if h, ok := args["hours"]; ok {
				if hours, ok := toFloat(h); ok {
					filter.Since = time.Duration(hours * float64(time.Hour))
				}
			}
			records, err := runs.ListRecent(ctx, filter)
			if err != nil {
				return nil, err
			}
			return map[string]any{"runs": records, "count": len(records)}, nil
		},
	}
}

func listRecommendationsTool(store recommend.Store) Tool {
	return Tool{
		Name:        ToolListRecommendations,
		Description: "List recommendations agents have made, most urgent first",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent": map[string]any{"type": "string"},
				"status": map[string]any{
					"type": "string",
					"enum": []string{"pending", "viewed", "actioned", "dismissed"},
				},
				"priority": map[string]any{
					"type": "string",
					"enum": []string{"low", "normal", "high", "urgent"},
				},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
			},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			records, err := store.List(ctx, recommend.Filter{
				AgentName: stringArg(args, "agent"),
				Status:    recommend.Status(stringArg(args, "status")),
				Priority:  agent.Priority(stringArg(args, "priority")),
				Limit:     intArg(args, "limit", defaultToolLimit),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"recommendations": records, "count": len(records)}, nil
		},
	}
}

func searchMemoriesTool(memories agent.MemorySearcher) Tool {
	return Tool{
		Name:        ToolSearchMemories,
		Description: "Search what is remembered about the user",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":   map[string]any{"type": "string"},
				"user_id": map[string]any{"type": "string"},
				"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			userID := stringArg(args, "user_id")
			if userID == "" {
				userID = memory.DefaultUser
			}
			found, err := memories.Search(ctx, userID, stringArg(args, "query"), intArg(args, "limit", 5))
			if err != nil {
				return nil, err
			}
			return map[string]any{"memories": found, "count": len(found)}, nil
		},
	}
}

func searchKnowledgeTool(kb agent.KnowledgeSearcher) Tool {
	return Tool{
		Name:        ToolSearchKnowledge,
		Description: "Search the knowledge base, or list one category",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":    map[string]any{"type": "string"},
				"category": map[string]any{"type": "string"},
				"limit":    map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			var (
				items []memory.Knowledge
				err   error
			)
			if category := stringArg(args, "category"); category != "" {
				items, err = kb.ByCategory(ctx, category)
			} else {
				query := stringArg(args, "query")
				if query == "" {
					return nil, fmt.Errorf("query or category is required")
				}
				items, err = kb.Search(ctx, query, intArg(args, "limit", 5))
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"items": items, "count": len(items)}, nil
		},
	}
}

// rememberTool records the calling agent as the memory's source.
func rememberTool(w MemoryWriter) Tool {
	return Tool{
		Name:        ToolRemember,
		Description: "Remember a lasting fact or preference about the user",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{"type": "string", "description": "The fact, as one sentence"},
				"user_id": map[string]any{"type": "string"},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			m, err := w.Add(ctx, stringArg(args, "user_id"), stringArg(args, "content"), map[string]any{"source": caller})
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": m.ID, "remembered": m.Content}, nil
		},
	}
}

func addKnowledgeTool(w KnowledgeWriter) Tool {
	return Tool{
		Name:        ToolAddKnowledge,
		Description: "Add an item to the shared knowledge base",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"category": map[string]any{"type": "string"},
				"title":    map[string]any{"type": "string"},
				"content":  map[string]any{"type": "string"},
				"tags":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"title", "content"},
		},
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			item := memory.Knowledge{
				Category: stringArg(args, "category"),
				Title:    stringArg(args, "title"),
				Content:  stringArg(args, "content"),
			}
			if tags, ok := args["tags"].([]any); ok {
				for _, tag := range tags {
					if s, ok := tag.(string); ok {
						item.Tags = append(item.Tags, s)
					}
				}
			}
			added, err := w.Add(ctx, item)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": added.ID, "category": added.Category}, nil
		},
	}
}

func askAgentTool(bus agent.Bus, timeout time.Duration) Tool {
	return Tool{
		Name:        ToolAskAgent,
		Description: "Ask another agent a question, optionally calling one of its methods",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent":   map[string]any{"type": "string"},
				"method":  map[string]any{"type": "string"},
				"payload": map[string]any{"type": "object"},
			},
			"required": []string{"agent"},
		},
		Timeout: timeout + time.Second,
		Handler: func(ctx context.Context, caller string, args map[string]any) (any, error) {
			name := stringArg(args, "agent")
			if name == caller {
				return nil, fmt.Errorf("agent cannot ask itself")
			}
			target := agent.Target(name, stringArg(args, "method"))
			answer, err := bus.Query(ctx, caller, target, args["payload"], timeout)
			if err != nil {
				return nil, err
			}
			return map[string]any{"agent": name, "answer": answer}, nil
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			return int(f)
		}
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
