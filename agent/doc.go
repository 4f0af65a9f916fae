// Package agent provides the public contract for aide agents and the message
// bus they use to talk to each other.
//
// # Agents
//
// An agent embeds *Base and implements Execute:
//
//	type Briefing struct {
//	    *agent.Base
//	}
//
//	func (b *Briefing) Execute(ctx context.Context) (agent.Outcome, error) {
//	    // gather, summarize, recommend
//	    return agent.Outcome{Summary: "Briefing ready", ItemsProcessed: 4}, nil
//	}
//
// Execute is never called directly by the framework; runs go through a run
// ledger (see pkg/ledger) so that every invocation is recorded.
//
// # Bus
//
// LocalBus gives each registered agent an unbounded FIFO inbox. Messages are
// addressed to "agent" or "agent:method":
//
//	bus := agent.NewLocalBus()
//	agent.Attach(bus, briefing)
//	bus.StartProcessors(ctx)
//
//	// Fire and forget
//	bus.Send("scheduler", "briefing", nil, agent.KindTask)
//
//	// Request / response
//	answer, err := bus.Query(ctx, "chat", "briefing:latest", nil, 5*time.Second)
//
// Methods are registered on the agent's method table with HandleMethod and
// dispatched by Dispatcher. A handler error on a query is returned to the
// caller as a *RemoteError.
package agent
