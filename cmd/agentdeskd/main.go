package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/agentdesk/internal/api"
	"github.com/h1v3-io/agentdesk/internal/config"
	"github.com/h1v3-io/agentdesk/internal/connector"
	slackconn "github.com/h1v3-io/agentdesk/internal/connector/slack"
	"github.com/h1v3-io/agentdesk/internal/connector/telegram"
	"github.com/h1v3-io/agentdesk/internal/connector/webhook"
	"github.com/h1v3-io/agentdesk/internal/dispatcher"
	"github.com/h1v3-io/agentdesk/internal/events"
	"github.com/h1v3-io/agentdesk/internal/executor"
	"github.com/h1v3-io/agentdesk/internal/logbuf"
	"github.com/h1v3-io/agentdesk/internal/prompt"
	"github.com/h1v3-io/agentdesk/internal/provider"
	"github.com/h1v3-io/agentdesk/internal/scheduler"
	"github.com/h1v3-io/agentdesk/internal/service"
	"github.com/h1v3-io/agentdesk/internal/skill"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/internal/tool"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const (
	shutdownTimeout = 30 * time.Second
	routerBuffer    = 256
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("AGENTDESK_CONFIG"), "Path to config file (JSON, comments allowed)")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose logging")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Set up logging
	logLevel := logbuf.ParseLevel(cfg.Log.Level)
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(cfg.Log.BufferSize)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, logBuf); err != nil {
		logger.Error("agentdeskd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agentdeskd stopped")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// installToolPolicy gates reg with the rego module at path, or with the
// built-in rules when no path is configured.
func installToolPolicy(ctx context.Context, reg *tool.Registry, path string, logger *slog.Logger) error {
	policy, err := tool.LoadRegoPolicy(ctx, path)
	if err != nil {
		return fmt.Errorf("tool policy: %w", err)
	}
	reg.SetPolicy(policy)
	if path == "" {
		logger.Info("default tool policy installed")
	} else {
		logger.Info("tool policy loaded", "path", path)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	kind, err := executor.ParseKind(cfg.Executor.Type)
	if err != nil {
		return err
	}
	logger.Info("agentdeskd starting", "executor", kind, "database", cfg.Database.Path)

	// 1. Ticket store
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := ticket.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open ticket store: %w", err)
	}
	defer store.Close()

	// 2. Skills and tools
	skills := skill.Load(cfg.Prompts.SkillsDir, logger.With("component", "skills"))
	reg := tool.NewRegistry()
	reg.SetLogger(logger.With("component", "tools"))
	tool.RegisterBuiltins(reg, tool.BuiltinOptions{
		Workspace: tool.Workspace{
			Root:      cfg.Tools.WorkspaceDir,
			PerTicket: cfg.Tools.PerTicketWorkspace,
		},
		BraveAPIKey:         cfg.Tools.BraveAPIKey,
		AllowPrivateNetwork: cfg.Tools.AllowPrivateNetwork,
	})
	if len(skills.List()) > 0 {
		reg.Register(&tool.LoadSkillTool{Catalog: skills, Registry: reg})
	}
	mcpClients, err := tool.RegisterMCPTools(ctx, reg, cfg.Tools.MCPServers)
	if err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	defer func() {
		for _, c := range mcpClients {
			c.Close()
		}
	}()
	if err := installToolPolicy(ctx, reg, cfg.Tools.PolicyFile, logger); err != nil {
		return err
	}

	// 3. Executors and dispatcher
	broker := events.NewBroker(logger.With("component", "events"))
	factory := &executor.Factory{
		Deps: executor.Deps{
			Store: store,
			Tools: reg,
			Compiler: &prompt.Compiler{
				SystemPromptFile: cfg.Prompts.SystemPromptFile,
				Skills:           skills,
				Logger:           logger,
			},
			Events: broker,
			Logger: logger,
		},
		Backends: backends(cfg, logger),
	}
	disp := dispatcher.New(store, factory, kind, broker, logger)

	// 4. Lifecycle service, catalog, seeded agents
	svc := service.New(store, reg, service.Options{
		Skills: skills,
		Leases: disp,
		Events: broker,
		Logger: logger,
	})
	tool.RegisterDeskTools(reg, svc.Desk())
	if _, err := svc.SyncTools(ctx); err != nil {
		return fmt.Errorf("sync tool catalog: %w", err)
	}
	for i := range cfg.Agents {
		a := cfg.Agents[i]
		if _, err := svc.UpsertAgent(ctx, &a); err != nil {
			return fmt.Errorf("seed agent %q: %w", a.Name, err)
		}
	}

	// 5. Schedules and the reconcile sweep
	sched := scheduler.New(svc, logger)
	svc.SetSchedules(sched)
	agents, err := svc.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, a := range agents {
		if err := sched.SyncAgent(a); err != nil {
			logger.Warn("agent schedule not applied", "agent", a.Name, "error", err)
		}
	}
	grace := cfg.Executor.ReconcileGrace.Duration()
	if every := cfg.Executor.ReconcileEvery.Duration(); every > 0 {
		err := sched.AddSweep("reconcile", every, func(ctx context.Context) error {
			_, err := disp.Reconcile(ctx, grace)
			return err
		})
		if err != nil {
			return err
		}
	}
	// Nothing is leased yet, so every running ticket is left over from a
	// previous process.
	if n, err := disp.Reconcile(ctx, 0); err != nil {
		logger.Warn("startup reconcile failed", "error", err)
	} else if n > 0 {
		logger.Info("startup reconcile requeued tickets", "count", n)
	}

	// 6. Connectors
	router := connector.NewRouter(svc, cfg.Connectors.DefaultAgent, logger)
	for _, n := range cfg.Connectors.Notify {
		router.Notify(n.Agent, connector.ChatRef{Channel: n.Channel, ChatID: n.ChatID})
	}
	var conns []connector.Connector
	if tc := cfg.Connectors.Telegram; tc != nil {
		tg, err := telegram.New(telegram.Config{Token: tc.Token, AllowFrom: tc.AllowFrom}, router, logger.With("connector", "telegram"))
		if err != nil {
			return err
		}
		conns = append(conns, tg)
	}
	if sc := cfg.Connectors.Slack; sc != nil {
		sl, err := slackconn.New(slackconn.Config{
			BotToken:         sc.BotToken,
			AppToken:         sc.AppToken,
			Channels:         sc.Channels,
			ThreadPerMessage: sc.ThreadPerMessage,
		}, router, logger.With("connector", "slack"))
		if err != nil {
			return err
		}
		conns = append(conns, sl)
	}
	for _, c := range conns {
		router.Register(c)
	}
	apiOpts := api.Options{Logs: logBuf, Events: broker, Logger: logger}
	if len(cfg.Connectors.Webhooks) > 0 {
		endpoints := make(map[string]webhook.EndpointConfig, len(cfg.Connectors.Webhooks))
		for name, wh := range cfg.Connectors.Webhooks {
			endpoints[name] = webhook.EndpointConfig{
				Secret:      wh.Secret,
				BearerToken: wh.BearerToken,
				Agent:       wh.Agent,
				Raw:         wh.Raw,
				Schema:      wh.Schema,
			}
		}
		wh, err := webhook.New(webhook.Config{Endpoints: endpoints}, router.HandleInbound, logger.With("connector", "webhook"))
		if err != nil {
			return err
		}
		apiOpts.Webhook = wh.Handle
	}

	// 7. API server
	srv := api.NewServer(svc, api.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Prefix:      cfg.API.Prefix,
		Key:         cfg.API.Key,
		CORSOrigins: cfg.API.CORSOrigins,
	}, apiOpts)

	// 8. Run until a signal or a component fails
	g, gctx := errgroup.WithContext(ctx)
	disp.Start(gctx, cfg.Executor.PollInterval.Duration())
	g.Go(func() error { return ignoreCanceled(sched.Start(gctx)) })
	g.Go(func() error { return srv.Start(gctx) })

	subID, ch := broker.Subscribe(events.OfType(protocol.EventHumanRequested, protocol.EventTicketStatus), routerBuffer)
	g.Go(func() error { return router.Run(gctx, ch) })
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Start(gctx); err != nil {
				return fmt.Errorf("%s connector: %w", c.Name(), err)
			}
			return nil
		})
	}
	logger.Info("agentdeskd ready", "agents", len(agents), "tools", reg.Len(), "connectors", len(conns))

	err = g.Wait()

	// 9. Graceful shutdown
	logger.Info("shutting down")
	for _, c := range conns {
		c.Stop()
	}
	disp.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := disp.Wait(waitCtx); werr != nil {
		logger.Warn("executors still running at shutdown", "error", werr)
	}
	broker.Unsubscribe(subID)
	broker.Close()
	return err
}

// backends builds a provider for every configured executor kind.
func backends(cfg *config.Config, logger *slog.Logger) map[executor.Kind]executor.Backend {
	out := make(map[executor.Kind]executor.Backend)
	if p := cfg.Providers.Anthropic; p.Configured() {
		opts := []provider.AnthropicOption{provider.WithAnthropicModel(p.Model)}
		if p.BaseURL != "" {
			opts = append(opts, provider.WithAnthropicBaseURL(p.BaseURL))
		}
		out[executor.KindAnthropic] = executor.Backend{
			Provider:  provider.NewAnthropic(p.APIKey, opts...),
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
		}
		logger.Info("provider initialized", "kind", executor.KindAnthropic, "model", p.Model)
	}
	if p := cfg.Providers.OpenAI; p.Configured() {
		opts := []provider.OpenAIOption{provider.WithModel(p.Model)}
		if p.BaseURL != "" {
			opts = append(opts, provider.WithBaseURL(p.BaseURL))
		}
		out[executor.KindOpenAIStream] = executor.Backend{
			Provider:  provider.NewOpenAI(p.APIKey, opts...),
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
		}
		logger.Info("provider initialized", "kind", executor.KindOpenAIStream, "model", p.Model)
	}
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
