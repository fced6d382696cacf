package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/tavern-irc/internal/config"
	"github.com/zhouzirui/tavern-irc/internal/handler"
	"github.com/zhouzirui/tavern-irc/internal/handler/irc"
	"github.com/zhouzirui/tavern-irc/internal/model/persona"
	"github.com/zhouzirui/tavern-irc/internal/service/ai"
	"github.com/zhouzirui/tavern-irc/internal/service/chat"
	"github.com/zhouzirui/tavern-irc/internal/service/dispatch"
	"github.com/zhouzirui/tavern-irc/internal/service/moderation"
	"github.com/zhouzirui/tavern-irc/internal/service/relay"
	"github.com/zhouzirui/tavern-irc/internal/telemetry"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tavernbot:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tavernbot",
		Short: "IRC chat bot with per-user personas backed by LLM completions",
		Long: `tavernbot joins IRC channels and answers .ai requests through an
OpenAI-compatible or Ark completion API. Every participant keeps an in-memory
history per channel, with a persona chosen through .persona or .custom.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := ai.NewRegistry(cfg.LLM); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d providers, default model %s)\n",
				configPath, len(cfg.LLM.Providers), cfg.LLM.DefaultModel)
			return nil
		},
	})
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics := telemetry.New()

	registry, err := ai.NewRegistry(cfg.LLM)
	if err != nil {
		return fmt.Errorf("model registry: %w", err)
	}

	// Initialize persona store and chat service
	personaStore := persona.NewMemoryStore(cfg.LLM.DefaultPersona)
	var prompts *ai.PersonaPromptManager
	chatService := chat.NewService(cfg.LLM.HistorySize, func() string { return prompts.DefaultPrompt() })
	prompts = ai.NewPersonaPromptManager(chatService, personaStore, cfg.LLM.Prompt)

	client := irc.New(cfg.IRC, logger.Named("irc"))
	out := relay.New(client, cfg.Delivery.LineInterval, logger.Named("relay"), metrics)

	aiService := ai.NewService(chatService, prompts, registry, out,
		ai.WithTimeout(cfg.LLM.Timeout),
		ai.WithLogger(logger.Named("ai")),
		ai.WithMetrics(metrics),
	)

	help := dispatch.NewHelp(cfg.HelpFile, logger.Named("help"))
	queue := dispatch.NewQueue(cfg.Dispatch.QueueDepth, cfg.Dispatch.TaskTimeout, logger.Named("queue"), metrics)

	engine := dispatch.NewEngine(dispatch.Deps{
		Shell:     client,
		Responder: aiService,
		Moderator: moderation.NewService(cfg.Moderation, logger.Named("moderation"), metrics),
		Relay:     out,
		History:   chatService,
		Roster:    chat.NewRoster(),
		Prompts:   prompts,
		Registry:  registry,
		Help:      help,
		Queue:     queue,
		Logger:    logger.Named("dispatch"),
		Metrics:   metrics,
	}, dispatch.Options{
		Admins:           cfg.IRC.Admins,
		Channels:         cfg.IRC.Channels,
		Password:         cfg.IRC.Password,
		IdentifyDelay:    cfg.IRC.IdentifyDelay,
		RespondOnPersona: cfg.LLM.Respond(),
	})

	logger.Info("tavernbot starting",
		zap.String("nick", cfg.IRC.Nickname),
		zap.Strings("channels", cfg.IRC.Channels),
		zap.String("model", cfg.LLM.DefaultModel),
		zap.Bool("moderation", cfg.Moderation.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx, engine)
	})
	g.Go(func() error {
		return help.Watch(gctx)
	})
	if cfg.Ops.Addr != "" {
		router := handler.NewRouter(engine, metrics, logger.Named("ops"))
		g.Go(func() error {
			return runServer(gctx, cfg.Ops.Addr, router, logger.Named("ops"))
		})
	}

	err = g.Wait()
	if cerr := queue.Close(cfg.Dispatch.CloseTimeout); cerr != nil {
		logger.Warn("queue did not drain", zap.Error(cerr))
	}
	if err != nil {
		logger.Error("tavernbot stopped", zap.Error(err))
		return err
	}
	logger.Info("tavernbot stopped")
	return nil
}

func runServer(ctx context.Context, addr string, router http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	}
}
