package agents

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/pkg/toolloop"
)

const summaryLength = 200

// PromptConfig controls what a prompt agent does with its output.
type PromptConfig struct {
	// Title of created recommendations. Defaults to the agent description.
	RecommendationTitle string `json:"recommendation_title"`
	// SkipRecommendation keeps the output local to the agent.
	SkipRecommendation bool `json:"skip_recommendation"`
}

// Briefing is the latest output of a prompt agent.
type Briefing struct {
	Text             string    `json:"text"`
	GeneratedAt      time.Time `json:"generated_at"`
	ToolCalls        int       `json:"tool_calls"`
	Truncated        bool      `json:"truncated"`
	RecommendationID string    `json:"recommendation_id,omitempty"`
}

// PromptAgent is a configuration-defined agent. Each Execute runs its prompt
// through the tool-calling loop and surfaces the answer as a recommendation.
// It also answers requests matching its keywords.
type PromptAgent struct {
	*agent.Base
	prompt   string
	keywords []string
	priority agent.Priority
	reasoner agent.Reasoner
	tools    []toolloop.ToolSpec
	config   PromptConfig

	mu     sync.RWMutex
	latest *Briefing
}

func init() {
	agent.Register("prompt", NewPromptAgent)
}

// NewPromptAgent creates a prompt agent from its definition.
func NewPromptAgent(def agent.Def, deps agent.Deps) (agent.Agent, error) {
	if strings.TrimSpace(def.Prompt) == "" {
		return nil, fmt.Errorf("prompt agent %s requires a prompt", def.Name)
	}
	if deps.Reasoner == nil {
		return nil, fmt.Errorf("prompt agent %s requires a reasoner", def.Name)
	}

	var config PromptConfig
	if err := def.UnmarshalKey("prompt_config", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt config: %w", err)
	}
	if config.RecommendationTitle == "" {
		config.RecommendationTitle = def.Description
	}
	if config.RecommendationTitle == "" {
		config.RecommendationTitle = def.Name
	}

	keywords := make([]string, 0, len(def.Keywords))
	for _, k := range def.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	a := &PromptAgent{
		Base:     agent.NewBase(def.Name, def.Description, deps.Collaborators()),
		prompt:   def.Prompt,
		keywords: keywords,
		priority: def.Priority,
		reasoner: deps.Reasoner,
		tools:    deps.ToolsFor(def.Tools),
		config:   config,
	}
	if err := a.HandleMethod("latest", a.latestMethod); err != nil {
		return nil, err
	}
	return a, nil
}

// Execute runs the prompt and records the result.
func (a *PromptAgent) Execute(ctx context.Context) (agent.Outcome, error) {
	now := time.Now().UTC()
	turns := []toolloop.Turn{
		{Role: toolloop.RoleSystem, Content: a.systemPrompt(now)},
		{Role: toolloop.RoleUser, Content: a.prompt},
	}

	result, err := a.reasoner.Run(ctx, a.Name(), turns, a.tools)
	if err != nil {
		return agent.Outcome{}, fmt.Errorf("run prompt: %w", err)
	}

	briefing := &Briefing{
		Text:        result.Text,
		GeneratedAt: now,
		ToolCalls:   countCalls(result),
		Truncated:   result.Truncated,
	}

	if !a.config.SkipRecommendation {
		id, err := a.Recommend(ctx, a.config.RecommendationTitle, result.Text, string(a.priority), map[string]any{
			"tool_calls": briefing.ToolCalls,
			"truncated":  result.Truncated,
		})
		switch {
		case errors.Is(err, agent.ErrNoCollaborator):
			log.Printf("[Prompt] %s: no recommendation store configured", a.Name())
		case err != nil:
			return agent.Outcome{}, fmt.Errorf("save recommendation: %w", err)
		default:
			briefing.RecommendationID = id
		}
	}

	a.mu.Lock()
	a.latest = briefing
	a.mu.Unlock()

	return agent.Outcome{
		Summary:        summarize(result.Text),
		ItemsProcessed: briefing.ToolCalls,
	}, nil
}

// CanHandle matches any configured keyword, case-insensitively.
func (a *PromptAgent) CanHandle(input string) bool {
	lower := strings.ToLower(input)
	for _, k := range a.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Handle answers a request in the context of the agent's prompt and its
// latest output.
func (a *PromptAgent) Handle(ctx context.Context, input string, cc *agent.ChatContext) (string, error) {
	system := a.systemPrompt(time.Now().UTC()) + "\n\nYour standing task:\n" + a.prompt
	if b := a.Latest(); b != nil {
		system += fmt.Sprintf("\n\nYour latest output (%s):\n%s", b.GeneratedAt.Format(time.RFC3339), b.Text)
	}

	result, err := a.reasoner.Run(ctx, a.Name(), []toolloop.Turn{
		{Role: toolloop.RoleSystem, Content: system},
		{Role: toolloop.RoleUser, Content: input},
	}, a.tools)
	if err != nil {
		return "", fmt.Errorf("%s: %w", a.Name(), err)
	}
	return result.Text, nil
}

// Latest returns the most recent output, or nil before the first run.
func (a *PromptAgent) Latest() *Briefing {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.latest == nil {
		return nil
	}
	b := *a.latest
	return &b
}

func (a *PromptAgent) latestMethod(ctx context.Context, msg *agent.Message) (any, error) {
	if b := a.Latest(); b != nil {
		return b, nil
	}
	return map[string]any{"text": "", "message": "no output yet"}, nil
}

func (a *PromptAgent) systemPrompt(now time.Time) string {
	s := fmt.Sprintf("You are %s, an aide agent.", a.Name())
	if d := a.Description(); d != "" {
		s += " " + d + "."
	}
	return s + " The current time is " + now.Format(time.RFC1123) + "."
}

func countCalls(r *toolloop.Result) int {
	n := 0
	for _, round := range r.Rounds {
		n += len(round.Calls)
	}
	return n
}

func summarize(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= summaryLength {
		return string(runes)
	}
	return string(runes[:summaryLength]) + "..."
}
