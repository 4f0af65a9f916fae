package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/memory"
	"github.com/aixgo-dev/aide/pkg/toolloop"
)

const defaultChatPrompt = "You are aide, a personal assistant. Answer concisely and use the available tools " +
	"when they help. Other agents can be reached with the ask_agent tool."

// ChatConfig holds the chat agent's retrieval settings.
type ChatConfig struct {
	HistoryLimit   int `json:"history_limit"`
	MemoryLimit    int `json:"memory_limit"`
	KnowledgeLimit int `json:"knowledge_limit"`
}

// ChatAgent answers free-form requests. It is the registry's fallback: it
// combines what is remembered about the user, matching knowledge items and
// the conversation thread with the tool-calling loop.
type ChatAgent struct {
	*agent.Base
	prompt   string
	reasoner agent.Reasoner
	tools    []toolloop.ToolSpec
	history  memory.History
	config   ChatConfig
}

type askRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func init() {
	agent.Register("chat", NewChatAgent)
}

// NewChatAgent creates the chat agent.
func NewChatAgent(def agent.Def, deps agent.Deps) (agent.Agent, error) {
	if deps.Reasoner == nil {
		return nil, fmt.Errorf("chat agent %s requires a reasoner", def.Name)
	}

	var config ChatConfig
	if err := def.UnmarshalKey("chat_config", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat config: %w", err)
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = memory.MaxHistoryMessages
	}
	if config.MemoryLimit <= 0 {
		config.MemoryLimit = 5
	}
	if config.KnowledgeLimit <= 0 {
		config.KnowledgeLimit = 3
	}

	prompt := def.Prompt
	if prompt == "" {
		prompt = defaultChatPrompt
	}
	description := def.Description
	if description == "" {
		description = "General conversation and questions"
	}

	a := &ChatAgent{
		Base:     agent.NewBase(def.Name, description, deps.Collaborators()),
		prompt:   prompt,
		reasoner: deps.Reasoner,
		tools:    deps.ToolsFor(def.Tools),
		history:  deps.History,
		config:   config,
	}
	if err := a.HandleMethod("ask", agent.Method(a.ask)); err != nil {
		return nil, err
	}
	return a, nil
}

// Execute has nothing to do; the chat agent only reacts to requests.
func (a *ChatAgent) Execute(ctx context.Context) (agent.Outcome, error) {
	return agent.Outcome{Summary: "No scheduled work"}, nil
}

// CanHandle accepts any input.
func (a *ChatAgent) CanHandle(input string) bool { return true }

// Handle answers one user message and records it in the conversation thread.
func (a *ChatAgent) Handle(ctx context.Context, input string, cc *agent.ChatContext) (string, error) {
	userID, threadID := memory.DefaultUser, memory.DefaultUser
	if cc != nil {
		if cc.UserID != "" {
			userID, threadID = cc.UserID, cc.UserID
		}
		if cc.SessionID != "" {
			threadID = cc.SessionID
		}
	}

	turns := []toolloop.Turn{{Role: toolloop.RoleSystem, Content: a.systemPrompt(ctx, userID, input)}}
	past := a.recentTurns(ctx, threadID)
	turns = append(turns, past...)
	turns = append(turns, toolloop.Turn{Role: toolloop.RoleUser, Content: input})

	result, err := a.reasoner.Run(ctx, a.Name(), turns, a.tools)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}

	if a.history != nil {
		now := time.Now().UTC()
		if err := a.history.Append(ctx, threadID,
			memory.Turn{Role: toolloop.RoleUser, Content: input, CreatedAt: now},
			memory.Turn{Role: toolloop.RoleAssistant, Content: result.Text, CreatedAt: now},
		); err != nil {
			log.Printf("[Chat] Warning: failed to save history for %s: %v", threadID, err)
		}
	}
	return result.Text, nil
}

func (a *ChatAgent) ask(ctx context.Context, req askRequest) (any, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	text, err := a.Handle(ctx, req.Message, &agent.ChatContext{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Source:    "bus",
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": text}, nil
}

func (a *ChatAgent) systemPrompt(ctx context.Context, userID, input string) string {
	var sb strings.Builder
	sb.WriteString(a.prompt)

	memories, err := a.SearchMemories(ctx, userID, input, a.config.MemoryLimit)
	if err != nil && !errors.Is(err, agent.ErrNoCollaborator) {
		log.Printf("[Chat] Warning: memory search failed: %v", err)
	}
	if len(memories) > 0 {
		sb.WriteString("\n\nWhat you remember about the user:")
		for _, m := range memories {
			sb.WriteString("\n- " + m.Content)
		}
	}

	items, err := a.SearchKnowledge(ctx, input, a.config.KnowledgeLimit)
	if err != nil && !errors.Is(err, agent.ErrNoCollaborator) {
		log.Printf("[Chat] Warning: knowledge search failed: %v", err)
	}
	if len(items) > 0 {
		sb.WriteString("\n\nRelevant knowledge:")
		for _, k := range items {
			fmt.Fprintf(&sb, "\n- [%s] %s: %s", k.Category, k.Title, k.Content)
		}
	}
	return sb.String()
}

func (a *ChatAgent) recentTurns(ctx context.Context, threadID string) []toolloop.Turn {
	if a.history == nil {
		return nil
	}
	past, err := a.history.Recent(ctx, threadID, a.config.HistoryLimit)
	if err != nil {
		log.Printf("[Chat] Warning: failed to load history for %s: %v", threadID, err)
		return nil
	}
	turns := make([]toolloop.Turn, 0, len(past))
	for _, t := range past {
		turns = append(turns, toolloop.Turn{Role: t.Role, Content: t.Content})
	}
	return turns
}
