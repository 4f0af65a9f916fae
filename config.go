package aide

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/aide/agent"
	"github.com/aixgo-dev/aide/internal/llm"
	tracing "github.com/aixgo-dev/aide/internal/observability"
	"github.com/aixgo-dev/aide/internal/registry"
	"github.com/aixgo-dev/aide/internal/tools"
	"github.com/aixgo-dev/aide/pkg/config"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

const (
	DefaultAddr       = ":8080"
	DefaultSQLitePath = "aide.db"
)

// Config represents the top-level configuration
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	LLM       llm.Config      `yaml:"llm,omitempty"`
	Store     StoreConfig     `yaml:"store,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Tools     tools.Config    `yaml:"tools,omitempty"`
	Tracing   tracing.Config  `yaml:"tracing,omitempty"`

	// Fallback names the agent that answers requests no other agent claims.
	Fallback string      `yaml:"fallback,omitempty"`
	Agents   []agent.Def `yaml:"agents"`

	// Knowledge seeds the knowledge base at startup.
	Knowledge []KnowledgeItem `yaml:"knowledge,omitempty"`
}

// KnowledgeItem is one seeded knowledge base entry.
type KnowledgeItem struct {
	Category string   `yaml:"category,omitempty"`
	Title    string   `yaml:"title"`
	Content  string   `yaml:"content"`
	Tags     []string `yaml:"tags,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr    string `yaml:"addr,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// StoreConfig selects where runs, recommendations and conversation history live.
type StoreConfig struct {
	// Backend is one of memory, redis or sqlite.
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	Redis RedisConfig `yaml:"redis,omitempty"`

	// SQLitePath is the database file of the sqlite backend.
	// Default: aide.db
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// HistoryTurns bounds the turns kept per conversation thread.
	HistoryTurns int `yaml:"history_turns,omitempty"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string         `yaml:"addr,omitempty"`
	Password string         `yaml:"password,omitempty"`
	DB       int            `yaml:"db,omitempty"`
	Prefix   string         `yaml:"prefix,omitempty"`
	TTL      agent.Duration `yaml:"ttl,omitempty"`
}

// SchedulerConfig configures the scheduler. Jobs come from the agents'
// schedule fields.
type SchedulerConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Timezone    string         `yaml:"timezone,omitempty"`
	GraceWindow agent.Duration `yaml:"grace_window,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{Enabled: true},
		Agents: []agent.Def{
			{Name: registry.DefaultFallback, Role: "chat", Description: "General conversation and questions"},
		},
	}
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
	parser     *config.Parser
	getenv     func(string) string
}

// NewConfigLoader creates a new config loader with default YAML limits
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return NewConfigLoaderWithLimits(fr, config.DefaultLimits())
}

// NewConfigLoaderWithLimits creates a new config loader with custom YAML limits
func NewConfigLoaderWithLimits(fr FileReader, limits config.Limits) *ConfigLoader {
	return &ConfigLoader{
		fileReader: fr,
		parser:     config.NewParser(limits),
		getenv:     os.Getenv,
	}
}

// LoadConfig reads the file, applies environment overrides and defaults,
// and validates the result. An empty path loads DefaultConfig.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		data, err := cl.fileReader.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		cfg = &Config{Scheduler: SchedulerConfig{Enabled: true}}
		if err := cl.parser.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cl.applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (cl *ConfigLoader) applyEnv(cfg *Config) error {
	if v := cl.getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := cl.getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := cl.getenv("OPENAI_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := cl.getenv("AIDE_STORE"); v != "" {
		cfg.Store.Backend = v
	}
	if v := cl.getenv("AIDE_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := cl.getenv("AIDE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := cl.getenv("AIDE_SCHEDULER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AIDE_SCHEDULER_ENABLED: %w", err)
		}
		cfg.Scheduler.Enabled = enabled
	}
	if v := cl.getenv("AIDE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing = tracing.ConfigFromEnv()
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Store.Backend == StoreSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = DefaultSQLitePath
	}
	if c.Fallback == "" {
		c.Fallback = registry.DefaultFallback
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracing.DefaultServiceName
	}
}

// Validate checks the configuration for errors that would prevent startup.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store: redis backend requires an address")
		}
	default:
		return fmt.Errorf("store: unknown backend %q (must be memory, redis or sqlite)", c.Store.Backend)
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		def := &c.Agents[i]
		if err := def.Validate(); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("agent %s: duplicate name", def.Name)
		}
		seen[def.Name] = true
	}

	for i, item := range c.Knowledge {
		if strings.TrimSpace(item.Title) == "" && strings.TrimSpace(item.Content) == "" {
			return fmt.Errorf("knowledge[%d]: needs a title or content", i)
		}
	}
	return nil
}

// location returns the scheduler time zone, UTC by default.
func (c *Config) location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
