package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/rafi-assistant/internal/api"
	"github.com/nugget/rafi-assistant/internal/auth"
	"github.com/nugget/rafi-assistant/internal/buildinfo"
	"github.com/nugget/rafi-assistant/internal/channels"
	"github.com/nugget/rafi-assistant/internal/config"
	"github.com/nugget/rafi-assistant/internal/mqtt"
	"github.com/nugget/rafi-assistant/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start channels, scheduler, HTTP API and MQTT mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), stdout, opts.configPath)
		},
	}
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then stops in reverse order:
//  1. the HTTP server drains in-flight requests
//  2. channel adapters stop polling
//  3. the MQTT mirror publishes "offline" and disconnects
//  4. the scheduler and stores close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Rafi", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// From here on Info and above is also mirrored onto the registry's
	// logs category.
	base := configuredLogger(stdout, cfg)
	reg := registry.New(base)
	logger = slog.New(registry.NewSlogHandler(base.Handler(), reg, slog.LevelInfo))

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.LLM.Provider,
		"preferred_channel", cfg.Channels.Preferred,
		"data_dir", cfg.DataDir,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := newCore(cfg, reg, logger, coreOptions{memory: true, scheduler: true, notifier: true, planner: true})
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.jobs(logger); err != nil {
		return err
	}

	proc := c.processor(logger)
	whatsapp := registerChannels(cfg, c, proc, logger)

	var tokens *auth.Issuer
	if cfg.Mobile.Secret != "" {
		if tokens, err = auth.NewIssuer(cfg.Mobile.Secret, 0); err != nil {
			return err
		}
	} else {
		logger.Warn("mobile.secret not set, mobile websocket accepts unauthenticated clients")
	}

	server := api.NewServer(api.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		Registry:  reg,
		Processor: proc,
		WhatsApp:  whatsapp,
		Tokens:    tokens,
		AdminKey:  cfg.Mobile.AdminKey,
		PublicURL: cfg.Mobile.PublicURL,
		Logger:    logger,
	})

	c.channels.StartAll(ctx)
	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	mirror, err := startMirror(ctx, cfg, c, logger)
	if err != nil {
		return err
	}

	serveErr := server.Start(ctx)

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()

	c.channels.StopAll(shutdownCtx)
	if mirror != nil {
		if err := mirror.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("Rafi stopped")
	return nil
}

// registerChannels adds every channel adapter to the manager. The
// WhatsApp adapter is returned for the webhook route, or nil when
// Twilio is not configured.
func registerChannels(cfg *config.Config, c *core, proc channels.Handler, logger *slog.Logger) *channels.WhatsApp {
	c.channels.Register(channels.NewTelegram(channels.TelegramConfig{
		Token:         cfg.Telegram.BotToken,
		UserID:        cfg.Telegram.UserID,
		AssistantName: cfg.Assistant.Name,
		ClientName:    cfg.Client.Name,
		Handler:       proc,
		Providers:     c.llm,
		Logger:        logger,
	}))

	wa := channels.NewWhatsApp(channels.WhatsAppConfig{
		AccountSID:        cfg.Twilio.AccountSID,
		AuthToken:         cfg.Twilio.AuthToken,
		PhoneNumber:       cfg.Twilio.PhoneNumber,
		ClientPhone:       cfg.Twilio.ClientPhone,
		WebhookURL:        cfg.Twilio.WebhookURL,
		ValidateSignature: cfg.Twilio.ValidateSignature,
		Handler:           proc,
		Logger:            logger,
	})
	c.channels.Register(wa)
	c.channels.Register(channels.NewDiscord())
	c.channels.Register(channels.NewSlack())

	logger.Info("channels registered", "available", c.channels.AvailableChannels())
	if !wa.IsConfigured() {
		return nil
	}
	return wa
}

// startMirror connects the MQTT mirror in the background when a broker
// is configured.
func startMirror(ctx context.Context, cfg *config.Config, c *core, logger *slog.Logger) (*mqtt.Mirror, error) {
	if !cfg.MQTT.Configured() {
		logger.Info("mqtt mirror disabled (not configured)")
		return nil, nil
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("mqtt instance ID: %w", err)
	}

	mirror := mqtt.New(cfg.MQTT, instanceID, c.channels, func() map[string]any {
		return map[string]any{
			"version":            buildinfo.Version,
			"uptime":             buildinfo.Uptime().String(),
			"active_provider":    c.llm.ActiveName(),
			"cost_routing":       c.llm.CostRoutingEnabled(),
			"available_channels": c.channels.AvailableChannels(),
		}
	}, logger)
	mirror.Attach(c.reg)

	go func() {
		if err := mirror.Start(ctx); err != nil {
			logger.Error("mqtt mirror failed", "error", err)
		}
	}()
	logger.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix, "instance_id", instanceID)
	return mirror, nil
}
