package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/aide/pkg/observability"
)

// ErrNoMessage is returned by Receive when no message arrived in time.
var ErrNoMessage = errors.New("no message available")

const (
	defaultPollInterval = time.Second
	settledHistory      = 1024
)

// waiter is a pending Query keyed by correlation id.
type waiter struct {
	ch       chan any
	resolved bool
}

// LocalBus is a single-process Bus. Every agent gets an unbounded FIFO
// inbox and, once processors are started, one goroutine that drains it.
//
// LocalBus is safe for concurrent use.
type LocalBus struct {
	mu       sync.RWMutex
	queues   map[string]*queue
	handlers map[string]Handler
	order    []string // Registration order for deterministic broadcast and startup
	pending  map[string]*waiter

	// Correlation ids whose query already returned. Late responses for these
	// are dropped instead of being delivered as messages.
	settled      map[string]struct{}
	settledOrder []string

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	loops   map[string]*queue

	pollInterval time.Duration
}

// BusOption configures a LocalBus.
type BusOption func(*LocalBus)

// WithPollInterval sets how long a processing loop waits for a message
// before re-checking for shutdown.
func WithPollInterval(d time.Duration) BusOption {
	return func(b *LocalBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewLocalBus creates an empty bus.
func NewLocalBus(opts ...BusOption) *LocalBus {
	b := &LocalBus{
		queues:       make(map[string]*queue),
		handlers:     make(map[string]Handler),
		order:        make([]string, 0),
		pending:      make(map[string]*waiter),
		settled:      make(map[string]struct{}),
		loops:        make(map[string]*queue),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register implements Bus.
func (b *LocalBus) Register(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.queues[name]; !exists {
		b.queues[name] = newQueue()
		b.order = append(b.order, name)
	}
	if h == nil {
		return
	}
	if _, replaced := b.handlers[name]; replaced {
		log.Printf("[Bus] Replacing handler for agent %s", name)
	}
	b.handlers[name] = h
	if b.running {
		b.startLoopLocked(name)
	}
}

// Unregister implements Bus.
func (b *LocalBus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, exists := b.queues[name]
	if !exists {
		return
	}
	if dropped := q.len(); dropped > 0 {
		log.Printf("[Bus] Discarding %d queued message(s) for unregistered agent %s", dropped, name)
	}
	q.close()
	delete(b.queues, name)
	delete(b.handlers, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Send implements Bus.
func (b *LocalBus) Send(from, to string, payload any, kind Kind, opts ...SendOption) (string, error) {
	agentName, method := ParseTarget(to)
	o := buildSendOptions(opts)
	if method != "" {
		o.metadata[MetaMethod] = method
	}

	b.mu.RLock()
	q, ok := b.queues[agentName]
	b.mu.RUnlock()
	if !ok {
		return "", &UnknownAgentError{Agent: agentName}
	}

	msg := &Message{
		ID:            uuid.NewString(),
		Kind:          kind,
		From:          from,
		To:            agentName,
		Payload:       payload,
		CorrelationID: o.correlationID,
		CreatedAt:     time.Now().UTC(),
		Metadata:      o.metadata,
	}
	if !q.push(msg) {
		// Unregistered between lookup and push.
		return "", &UnknownAgentError{Agent: agentName}
	}
	observability.RecordBusMessage(agentName, string(kind))
	return msg.ID, nil
}

// Query implements Bus.
func (b *LocalBus) Query(ctx context.Context, from, to string, payload any, timeout time.Duration, opts ...SendOption) (any, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	agentName, _ := ParseTarget(to)
	start := time.Now()

	correlationID := uuid.NewString()
	w := &waiter{ch: make(chan any, 1)}

	b.mu.Lock()
	b.pending[correlationID] = w
	b.mu.Unlock()
	defer b.settle(correlationID)

	opts = append(opts, WithCorrelation(correlationID))
	if _, err := b.Send(from, to, payload, KindQuery, opts...); err != nil {
		observability.RecordBusQuery(agentName, "error", time.Since(start))
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-w.ch:
		switch p := result.(type) {
		case ErrorPayload:
			observability.RecordBusQuery(agentName, "error", time.Since(start))
			return nil, &RemoteError{Agent: agentName, Message: p.Error}
		case *ErrorPayload:
			observability.RecordBusQuery(agentName, "error", time.Since(start))
			return nil, &RemoteError{Agent: agentName, Message: p.Error}
		}
		observability.RecordBusQuery(agentName, "success", time.Since(start))
		return result, nil
	case <-timer.C:
		observability.RecordBusQuery(agentName, "timeout", time.Since(start))
		return nil, fmt.Errorf("%w: %s did not respond within %s", ErrQueryTimeout, to, timeout)
	case <-ctx.Done():
		observability.RecordBusQuery(agentName, "cancelled", time.Since(start))
		return nil, ctx.Err()
	}
}

// settle removes the waiter for a finished query and remembers its id so
// that late responses are dropped.
func (b *LocalBus) settle(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, correlationID)
	b.settled[correlationID] = struct{}{}
	b.settledOrder = append(b.settledOrder, correlationID)
	if len(b.settledOrder) > settledHistory {
		oldest := b.settledOrder[0]
		b.settledOrder = b.settledOrder[1:]
		delete(b.settled, oldest)
	}
}

// Respond implements Bus. When a Query is waiting for the correlation id the
// returned id is the correlation id itself; no message is enqueued.
func (b *LocalBus) Respond(original *Message, payload any, opts ...SendOption) (string, error) {
	if original == nil || original.CorrelationID == "" {
		return "", ErrMissingCorrelation
	}
	correlationID := original.CorrelationID

	b.mu.Lock()
	if w, ok := b.pending[correlationID]; ok {
		if !w.resolved {
			w.resolved = true
			w.ch <- payload
		}
		b.mu.Unlock()
		return correlationID, nil
	}
	if _, late := b.settled[correlationID]; late {
		b.mu.Unlock()
		return correlationID, nil
	}
	b.mu.Unlock()

	opts = append(opts, WithCorrelation(correlationID))
	return b.Send(original.To, original.From, payload, KindResponse, opts...)
}

// Broadcast implements Bus.
func (b *LocalBus) Broadcast(from, event string, payload any, exclude ...string) []string {
	skip := make(map[string]struct{}, len(exclude)+1)
	skip[from] = struct{}{}
	for _, name := range exclude {
		skip[name] = struct{}{}
	}

	ids := make([]string, 0)
	for _, name := range b.Agents() {
		if _, ok := skip[name]; ok {
			continue
		}
		id, err := b.Send(from, name, payload, KindEvent, WithMetadata(map[string]any{MetaEvent: event}))
		if err != nil {
			log.Printf("[Bus] Failed to deliver event %s to %s: %v", event, name, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Receive pops the next message from an agent's inbox, waiting up to
// timeout. It is meant for agents that poll instead of registering a handler.
func (b *LocalBus) Receive(ctx context.Context, name string, timeout time.Duration) (*Message, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return nil, &UnknownAgentError{Agent: name}
	}
	msg, ok := q.pop(ctx, timeout)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoMessage
	}
	return msg, nil
}

// Pending returns the number of queued messages for an agent.
func (b *LocalBus) Pending(name string) int {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return q.len()
}

// HasMessages reports whether an agent has queued messages.
func (b *LocalBus) HasMessages(name string) bool {
	return b.Pending(name) > 0
}

// PendingQueries returns the number of queries still waiting for a response.
func (b *LocalBus) PendingQueries() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// IsRegistered reports whether name has an inbox on the bus.
func (b *LocalBus) IsRegistered(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[name]
	return ok
}

// Agents returns registered agent names in registration order.
func (b *LocalBus) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.order))
	copy(names, b.order)
	return names
}

// Running reports whether processing loops are active.
func (b *LocalBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// StartProcessors starts one processing loop per agent with a handler.
// Agents registered afterwards get their loop on registration.
func (b *LocalBus) StartProcessors(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.group = &errgroup.Group{}
	b.running = true

	for _, name := range b.order {
		if _, ok := b.handlers[name]; ok {
			b.startLoopLocked(name)
		}
	}
	log.Printf("[Bus] Started %d processing loop(s)", len(b.loops))
}

// StopProcessors cancels every processing loop and waits for in-flight
// handlers to return, or for ctx to expire.
func (b *LocalBus) StopProcessors(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.cancel()
	g := b.group
	b.running = false
	b.loops = make(map[string]*queue)
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		log.Printf("[Bus] Processing loops stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("stop processors: %w", ctx.Err())
	}
}

func (b *LocalBus) startLoopLocked(name string) {
	q := b.queues[name]
	if q == nil || b.loops[name] == q {
		return
	}
	b.loops[name] = q
	ctx := b.ctx
	b.group.Go(func() error {
		b.process(ctx, name, q)
		return nil
	})
}

func (b *LocalBus) process(ctx context.Context, name string, q *queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := q.pop(ctx, b.pollInterval)
		if !ok {
			if q.isClosed() {
				b.mu.Lock()
				if b.loops[name] == q {
					delete(b.loops, name)
				}
				b.mu.Unlock()
				return
			}
			continue
		}

		b.mu.RLock()
		h := b.handlers[name]
		b.mu.RUnlock()
		if h == nil {
			log.Printf("[Bus] No handler for %s, dropping message %s", name, msg.ID)
			continue
		}
		b.dispatch(ctx, name, h, msg)
	}
}

func (b *LocalBus) dispatch(ctx context.Context, name string, h Handler, msg *Message) {
	result, err := invokeHandler(ctx, h, msg)
	if err != nil {
		log.Printf("[Bus] Handler for %s failed on %s message %s: %v", name, msg.Kind, msg.ID, err)
		observability.RecordHandlerError(name)
	}

	if msg.CorrelationID == "" || (msg.Kind != KindQuery && msg.Kind != KindTask) {
		return
	}
	reply := result
	if err != nil {
		reply = ErrorPayload{Error: err.Error()}
	}
	if _, rerr := b.Respond(msg, reply); rerr != nil {
		log.Printf("[Bus] Failed to respond to %s from %s: %v", msg.ID, name, rerr)
	}
}

func invokeHandler(ctx context.Context, h Handler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
