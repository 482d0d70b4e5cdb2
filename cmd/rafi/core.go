package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/rafi-assistant/internal/channels"
	"github.com/nugget/rafi-assistant/internal/config"
	"github.com/nugget/rafi-assistant/internal/email"
	"github.com/nugget/rafi-assistant/internal/llm"
	"github.com/nugget/rafi-assistant/internal/memory"
	"github.com/nugget/rafi-assistant/internal/planner"
	"github.com/nugget/rafi-assistant/internal/registry"
	"github.com/nugget/rafi-assistant/internal/scheduler"
	"github.com/nugget/rafi-assistant/internal/tools"
	"github.com/nugget/rafi-assistant/internal/weather"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// Database file names under data_dir.
const (
	memoryDBFile    = "memory.db"
	schedulerDBFile = "scheduler.db"
	plannerDBFile   = "planner.db"
)

// providerOrder is the registration order, which is also the failover
// order after the active provider.
var providerOrder = []string{llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGroq, llm.ProviderGemini}

// buildProviders creates a client for every provider with an API key.
// OpenAI, when configured, also serves embeddings for the others.
func buildProviders(cfg *config.Config, logger *slog.Logger) []llm.NamedProvider {
	var embedder llm.Embedder
	var out []llm.NamedProvider

	if pc, ok := cfg.LLM.Providers[llm.ProviderOpenAI]; ok && pc.Configured() {
		c := llm.NewOpenAIClient(llm.OpenAIConfig{
			Name:           llm.ProviderOpenAI,
			APIKey:         pc.APIKey,
			BaseURL:        pc.BaseURL,
			Model:          pc.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Temperature:    cfg.LLM.Temperature,
			MaxTokens:      cfg.LLM.MaxTokens,
		}, logger)
		embedder = c
		out = append(out, llm.NamedProvider{Name: llm.ProviderOpenAI, Provider: c})
	}

	for _, name := range providerOrder[1:] {
		pc, ok := cfg.LLM.Providers[name]
		if !ok || !pc.Configured() {
			continue
		}
		var p llm.Provider
		switch name {
		case llm.ProviderAnthropic:
			p = llm.NewAnthropicClient(llm.AnthropicConfig{
				APIKey:      pc.APIKey,
				Model:       pc.Model,
				Temperature: cfg.LLM.Temperature,
				MaxTokens:   cfg.LLM.MaxTokens,
				URL:         pc.BaseURL,
				Embedder:    embedder,
			}, logger)
		case llm.ProviderGroq, llm.ProviderGemini:
			base, model := llm.GroqBaseURL, llm.DefaultGroqModel
			if name == llm.ProviderGemini {
				base, model = llm.GeminiBaseURL, llm.DefaultGeminiModel
			}
			if pc.BaseURL != "" {
				base = pc.BaseURL
			}
			if pc.Model != "" {
				model = pc.Model
			}
			p = llm.NewOpenAIClient(llm.OpenAIConfig{
				Name:               name,
				APIKey:             pc.APIKey,
				BaseURL:            base,
				Model:              model,
				Temperature:        cfg.LLM.Temperature,
				MaxTokens:          cfg.LLM.MaxTokens,
				Embedder:           embedder,
				NoNativeEmbeddings: true,
			}, logger)
		}
		out = append(out, llm.NamedProvider{Name: name, Provider: p})
	}
	return out
}

// coreOptions selects which persistent services newCore opens.
type coreOptions struct {
	memory    bool
	scheduler bool
	notifier  bool
	planner   bool
}

// core holds the services shared by serve, ask and mcp.
type core struct {
	cfg       *config.Config
	reg       *registry.Registry
	llm       *llm.Manager
	memory    *memory.Store
	planner   *planner.Store
	settings  *planner.Settings
	weather   *weather.Client
	mail      *email.Client
	scheduler *scheduler.Scheduler
	schedDB   *scheduler.Store
	channels  *channels.Manager
	tools     *tools.Registry
}

// newCore builds the LLM manager, stores, mail client, channel manager
// and tool registry, and records them on reg.
func newCore(cfg *config.Config, reg *registry.Registry, logger *slog.Logger, opts coreOptions) (*core, error) {
	c := &core{cfg: cfg, reg: reg}

	providers := buildProviders(cfg, logger)
	m, err := llm.NewManager(providers, cfg.LLM.Provider,
		llm.WithCostRouting(cfg.LLM.CostRouting),
		llm.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	c.llm = m

	if opts.memory || opts.scheduler || opts.planner {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			c.Close()
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	if opts.memory {
		store, err := memory.Open(filepath.Join(cfg.DataDir, memoryDBFile), m, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		c.memory = store
	}

	if opts.planner {
		store, err := planner.Open(filepath.Join(cfg.DataDir, plannerDBFile), logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open planner store: %w", err)
		}
		c.planner = store
		c.settings = planner.NewSettings(store, cfg.Settings)
		// Stored overrides win over the file for everything built below.
		if err := store.ApplySettings(context.Background(), &cfg.Settings); err != nil {
			c.Close()
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}

	if cfg.Weather.Configured() {
		c.weather = weather.NewClient(cfg.Weather.APIKey, cfg.Weather.BaseURL, logger)
	}

	if cfg.Email.Configured() {
		c.mail = email.NewClient(cfg.Email, logger)
	}

	if opts.notifier {
		c.channels = channels.NewManager(cfg.Channels.Preferred, logger)
	}

	if opts.scheduler {
		store, err := scheduler.Open(filepath.Join(cfg.DataDir, schedulerDBFile))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open scheduler store: %w", err)
		}
		c.schedDB = store
		c.scheduler = scheduler.New(logger, store, cfg.Settings.Location(), nil)
	}

	c.tools = tools.NewRegistry(reg, logger)
	c.tools.RegisterBuiltins(c.toolServices())

	reg.Config = cfg
	reg.LLM = c.llm
	reg.Tools = c.tools
	reg.Channels = c.channels
	reg.Memory = c.memory
	reg.Email = c.mail
	reg.Scheduler = c.scheduler
	return c, nil
}

// toolServices fills only the services that exist; a typed nil in an
// interface field would register tools that then panic.
func (c *core) toolServices() tools.Services {
	s := tools.Services{
		Location:  c.cfg.Settings.Location(),
		Providers: c.llm,
	}
	if c.memory != nil {
		s.Memory = c.memory
	}
	if c.channels != nil {
		s.Notifier = c.channels
	}
	if c.scheduler != nil {
		s.Reminders = c.scheduler
	}
	if c.mail != nil {
		s.Mail = c.mail
	}
	if c.planner != nil {
		s.Tasks = c.planner
		s.Notes = c.planner
		s.Settings = c.settings
	}
	if c.weather != nil {
		s.Weather = c.weather
		s.HomeLocation = c.cfg.Weather.HomeLocation
	}
	return s
}

// processor builds the message pipeline over the core services.
func (c *core) processor(logger *slog.Logger) *channels.Processor {
	pc := channels.ProcessorConfig{
		AssistantName: c.cfg.Assistant.Name,
		ClientName:    c.cfg.Client.Name,
		Personality:   c.cfg.Assistant.Personality,
		LLM:           c.llm,
		Tools:         c.tools,
		Transcripts:   c.reg,
		Logger:        logger,
	}
	if c.memory != nil {
		pc.Memory = c.memory
	}
	return channels.NewProcessor(pc)
}

// jobs builds the heartbeat, briefing and reminder runner and wires it
// into the scheduler.
func (c *core) jobs(logger *slog.Logger) (*scheduler.Jobs, error) {
	if c.scheduler == nil || c.channels == nil {
		return nil, errors.New("jobs need the scheduler and channel manager")
	}
	jc := scheduler.JobConfig{
		LLM:              c.llm,
		Notifier:         c.channels,
		Location:         c.cfg.Settings.Location(),
		QuietHoursStart:  c.cfg.Settings.QuietHoursStart,
		QuietHoursEnd:    c.cfg.Settings.QuietHoursEnd,
		HeartbeatMinutes: c.cfg.Settings.HeartbeatMinutes,
		BriefingTime:     c.cfg.Settings.MorningBriefingTime,
		ReminderLead:     time.Duration(c.cfg.Settings.ReminderLeadMinutes) * time.Minute,
		ClientName:       c.cfg.Client.Name,
	}
	if c.mail != nil {
		jc.Mail = c.mail
	}
	if c.planner != nil {
		jc.Tasks = c.planner
	}
	j := scheduler.NewJobs(jc, c.scheduler, logger)
	c.scheduler.SetExecutor(j.Execute)
	if err := j.Register(c.scheduler); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return j, nil
}

// Close releases everything newCore opened.
func (c *core) Close() error {
	var errs []error
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.schedDB != nil {
		errs = append(errs, c.schedDB.Close())
	}
	if c.memory != nil {
		errs = append(errs, c.memory.Close())
	}
	if c.planner != nil {
		errs = append(errs, c.planner.Close())
	}
	if c.weather != nil {
		errs = append(errs, c.weather.Close())
	}
	if c.mail != nil {
		errs = append(errs, c.mail.Close())
	}
	if c.llm != nil {
		errs = append(errs, c.llm.Close())
	}
	return errors.Join(errs...)
}
