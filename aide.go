// Package aide wires the agent substrate into a running assistant: the
// message bus, run ledger, agent registry, scheduler, tool executor and the
// HTTP control surface.
package aide

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aixgo-dev/aide/agent"
	_ "github.com/aixgo-dev/aide/agents" // registers the chat and prompt roles
	"github.com/aixgo-dev/aide/internal/control"
	"github.com/aixgo-dev/aide/internal/llm"
	tracing "github.com/aixgo-dev/aide/internal/observability"
	"github.com/aixgo-dev/aide/internal/registry"
	"github.com/aixgo-dev/aide/internal/scheduler"
	"github.com/aixgo-dev/aide/internal/tools"
	"github.com/aixgo-dev/aide/pkg/ledger"
	"github.com/aixgo-dev/aide/pkg/memory"
	"github.com/aixgo-dev/aide/pkg/observability"
	"github.com/aixgo-dev/aide/pkg/recommend"
	"github.com/aixgo-dev/aide/pkg/toolloop"
)

const shutdownTimeout = 30 * time.Second

// ErrNoHandler is returned by Chat when no agent accepts the input and no
// fallback agent is registered.
var ErrNoHandler = errors.New("no agent can handle the request")

// App is a wired aide instance.
type App struct {
	cfg *Config

	Bus             *agent.LocalBus
	Ledger          *ledger.Ledger
	Recommendations recommend.Store
	Memories        *memory.Store
	Knowledge       *memory.KnowledgeBase
	History         memory.History
	Tools           *tools.Executor
	Loop            *toolloop.Loop
	Registry        *registry.Registry
	Scheduler       *scheduler.Scheduler
	Health          *observability.HealthChecker
	Server          *observability.Server

	tracer  *tracing.Provider
	closers []func() error
}

type options struct {
	engine toolloop.Engine
}

// Option customizes New.
type Option func(*options)

// WithEngine replaces the OpenAI engine (useful for testing).
func WithEngine(e toolloop.Engine) Option {
	return func(o *options) { o.engine = e }
}

// New builds an App from cfg. Nothing is started.
func New(cfg *Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		cfg:       cfg,
		Bus:       agent.NewLocalBus(),
		Memories:  memory.NewStore(memory.Config{}),
		Knowledge: memory.NewKnowledgeBase(),
		Health:    observability.NewHealthChecker(),
	}
	observability.InitMetrics()
	observability.SetVersion(cfg.Server.Version)

	if err := app.openStores(); err != nil {
		app.close()
		return nil, err
	}

	engine := o.engine
	if engine == nil {
		e, err := llm.NewOpenAIEngine(cfg.LLM)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("reasoning engine: %w", err)
		}
		engine = e
	}

	if err := app.seedKnowledge(); err != nil {
		app.close()
		return nil, err
	}

	app.Tools = tools.NewExecutor(cfg.Tools)
	if err := tools.RegisterBuiltins(app.Tools, tools.BuiltinDeps{
		Runs:            app.Ledger,
		Recommendations: app.Recommendations,
		Memories:        app.Memories,
		Knowledge:       app.Knowledge,
		MemoryWriter:    app.Memories,
		KnowledgeWriter: app.Knowledge,
		Bus:             app.Bus,
	}); err != nil {
		app.close()
		return nil, err
	}
	app.Loop = toolloop.New(engine, app.Tools)

	if err := app.createAgents(); err != nil {
		app.close()
		return nil, err
	}

	app.Health.AddComponent("scheduler", func(ctx context.Context) error {
		if cfg.Scheduler.Enabled && !app.Scheduler.Running() {
			return errors.New("scheduler not running")
		}
		return nil
	})
	app.Health.AddComponent("bus", func(ctx context.Context) error {
		if !app.Bus.Running() {
			return errors.New("message processors not running")
		}
		return nil
	})
	app.Health.AddDetail("jobs", func() any { return app.Scheduler.Jobs() })
	app.Health.AddDetail("pending_queries", func() any { return app.Bus.PendingQueries() })

	app.Server = observability.NewServer(cfg.Server.Addr, app.Health)
	control.NewHandler(app.Registry, app.Scheduler, control.Stores{
		Runs:            app.Ledger,
		Recommendations: app.Recommendations,
		Memories:        app.Memories,
		Knowledge:       app.Knowledge,
	}).Mount(app.Server)
	return app, nil
}

func (a *App) seedKnowledge() error {
	for _, item := range a.cfg.Knowledge {
		_, err := a.Knowledge.Add(context.Background(), memory.Knowledge{
			Category: item.Category,
			Title:    item.Title,
			Content:  item.Content,
			Tags:     item.Tags,
		})
		if err != nil {
			return fmt.Errorf("seed knowledge %q: %w", item.Title, err)
		}
	}
	if n := len(a.cfg.Knowledge); n > 0 {
		log.Printf("[App] Seeded %d knowledge item(s)", n)
	}
	return nil
}

func (a *App) openStores() error {
	store := a.cfg.Store
	var runs ledger.Store

	switch store.Backend {
	case StoreRedis:
		rs, err := ledger.NewRedisStore(ledger.RedisConfig{
			Addr:     store.Redis.Addr,
			Password: store.Redis.Password,
			DB:       store.Redis.DB,
			Prefix:   prefixed(store.Redis.Prefix, "ledger:"),
			TTL:      store.Redis.TTL.Duration,
		})
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		a.Health.AddStore("redis", rs.Ping)
		runs = rs
		a.History = memory.NewRedisHistoryFromClient(rs.Client(), prefixed(store.Redis.Prefix, "history:"),
			store.HistoryTurns, store.Redis.TTL.Duration)
		// Recommendations have no redis backend.
		a.Recommendations = recommend.NewMemoryStore()

	case StoreSQLite:
		db, err := sql.Open("sqlite", store.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", store.SQLitePath, err)
		}
		db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
		a.closers = append(a.closers, db.Close)
		a.Health.AddStore("sqlite", db.PingContext)

		ss, err := ledger.NewSQLiteStoreFromDB(db)
		if err != nil {
			return fmt.Errorf("sqlite ledger: %w", err)
		}
		rs, err := recommend.NewSQLiteStoreFromDB(db)
		if err != nil {
			return fmt.Errorf("sqlite recommendations: %w", err)
		}
		runs, a.Recommendations = ss, rs
		a.History = memory.NewMemoryHistory(store.HistoryTurns)

	default:
		runs = ledger.NewMemoryStore()
		a.Recommendations = recommend.NewMemoryStore()
		a.History = memory.NewMemoryHistory(store.HistoryTurns)
	}

	a.Ledger = ledger.New(runs)
	log.Printf("[App] Using %s store", store.Backend)
	return nil
}

func (a *App) createAgents() error {
	var (
		scheduled []string
		jobs      []scheduler.JobSpec
	)
	for _, def := range a.cfg.Agents {
		if def.Schedule == "" {
			continue
		}
		scheduled = append(scheduled, def.Name)
		jobs = append(jobs, scheduler.JobSpec{Agent: def.Name, Cron: def.Schedule, Timeout: def.Timeout.Duration})
	}

	a.Registry = registry.New(a.cfg.Fallback, scheduled, a.Ledger)
	deps := agent.Deps{
		Bus:             a.Bus,
		Reasoner:        a.Loop,
		Tools:           a.Tools.Specs(),
		Memories:        a.Memories,
		Knowledge:       a.Knowledge,
		History:         a.History,
		Recommendations: a.Recommendations,
		Runs:            a.Ledger,
	}
	for _, def := range a.cfg.Agents {
		ag, err := agent.CreateAgent(def, deps)
		if err != nil {
			return err
		}
		a.Registry.Register(ag)
		agent.Attach(a.Bus, ag)
		log.Printf("[App] Created agent: %s (role: %s)", def.Name, def.Role)
	}
	if _, ok := a.Registry.Get(a.cfg.Fallback); !ok {
		log.Printf("[App] WARNING: fallback agent %q is not configured", a.cfg.Fallback)
	}

	a.Scheduler = scheduler.New(scheduler.Config{
		Enabled:     a.cfg.Scheduler.Enabled,
		Location:    a.cfg.location(),
		GraceWindow: a.cfg.Scheduler.GraceWindow.Duration,
		Jobs:        jobs,
	}, a.Registry, a.Ledger)
	return nil
}

// Start initializes tracing and starts the message processors and the
// scheduler. It does not start the HTTP server.
func (a *App) Start(ctx context.Context) error {
	tp, err := tracing.Init(a.cfg.Tracing)
	if err != nil {
		log.Printf("[App] Warning: Failed to initialize tracing: %v", err)
	} else {
		a.tracer = tp
	}

	a.Bus.StartProcessors(ctx)
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	log.Printf("[App] Started with %d agents", len(a.Registry.All()))
	return nil
}

// Stop stops the scheduler, the message processors and the HTTP server,
// then releases the stores. It returns the joined errors.
func (a *App) Stop(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return a.Scheduler.Stop(ctx) })
	g.Go(func() error { return a.Bus.StopProcessors(ctx) })
	g.Go(func() error { return a.Server.Shutdown(ctx) })
	err := g.Wait()

	if a.tracer != nil {
		err = errors.Join(err, a.tracer.Shutdown(ctx))
		a.tracer = nil
	}
	return errors.Join(err, a.close())
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Serve starts the app and the HTTP server and blocks until ctx is done or
// the server fails, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[App] Listening on %s", a.cfg.Server.Addr)
		return a.Server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[App] Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Chat routes input to the first agent that claims it, or the fallback, and
// returns the agent's name with its answer.
func (a *App) Chat(ctx context.Context, input string, cc *agent.ChatContext) (string, string, error) {
	handler := a.Registry.FindHandler(input)
	if handler == nil {
		return "", "", ErrNoHandler
	}
	reply, err := handler.Handle(ctx, input, cc)
	if err != nil {
		return handler.Name(), "", err
	}
	return handler.Name(), reply, nil
}

// Trigger runs an agent now through the scheduler.
func (a *App) Trigger(ctx context.Context, name string) scheduler.TriggerResult {
	return a.Scheduler.Trigger(ctx, name)
}

// Config returns the configuration the app was built with.
func (a *App) Config() *Config { return a.cfg }

// Run starts aide from a config file and serves until SIGINT or SIGTERM.
func Run(configPath string) error {
	cfg, err := NewConfigLoader(&OSFileReader{}).LoadConfig(configPath)
	if err != nil {
		return err
	}
	app, err := New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Serve(ctx)
}

func prefixed(base, suffix string) string {
	if base == "" {
		base = "aide:"
	}
	return base + suffix
}
