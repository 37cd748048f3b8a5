// Command assistantproxy runs the voice assistant proxy: the HTTP/WebSocket
// surface, the command pipeline, the streaming session orchestrator, and
// the two-tier memory underneath them.
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

	"github.com/neosignal/assistantproxy/internal/adapters/habr"
	"github.com/neosignal/assistantproxy/internal/adapters/homeautomation"
	"github.com/neosignal/assistantproxy/internal/adapters/search"
	"github.com/neosignal/assistantproxy/internal/adapters/telegram"
	ttsadapter "github.com/neosignal/assistantproxy/internal/adapters/tts"
	"github.com/neosignal/assistantproxy/internal/audit"
	"github.com/neosignal/assistantproxy/internal/config"
	"github.com/neosignal/assistantproxy/internal/errs"
	"github.com/neosignal/assistantproxy/internal/httpapi"
	"github.com/neosignal/assistantproxy/internal/llm"
	applog "github.com/neosignal/assistantproxy/internal/log"
	"github.com/neosignal/assistantproxy/internal/memory"
	"github.com/neosignal/assistantproxy/internal/memory/embeddings"
	"github.com/neosignal/assistantproxy/internal/observability"
	"github.com/neosignal/assistantproxy/internal/pipeline"
	"github.com/neosignal/assistantproxy/internal/policy"
	"github.com/neosignal/assistantproxy/internal/ratelimit"
	"github.com/neosignal/assistantproxy/internal/session"
	"github.com/neosignal/assistantproxy/internal/store"
	ttscore "github.com/neosignal/assistantproxy/internal/tts"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "assistantproxy",
		Short:         "Voice-first assistant proxy for home automation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml or json5)")

	root.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		healthcheckCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	// Local development keeps secrets in .env; structured config loads on
	// top of the populated environment.
	_ = godotenv.Load()

	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant proxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func healthcheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running server's /healthz endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://%s:%d/healthz", cfg.Server.Host, cfg.Server.Port)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Printf("healthz: %s\n", resp.Status)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: %s", resp.Status)
			}
			return nil
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := applog.New(applog.Config{Format: cfg.Server.LogFormat, Level: cfg.Server.LogLevel})
	applog.SetDefault(logger)

	if cfg.Model.APIKey == "" {
		return &errs.ConfigError{Option: "model.api_key", Detail: "required to reach the planning and realtime models"}
	}

	shutdownTracing := observability.Setup()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return err
	}

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		Output:     cfg.Audit.Output,
		Format:     audit.OutputFormat(cfg.Audit.Format),
		Level:      audit.Level(cfg.Audit.Level),
		SampleRate: cfg.Audit.SampleRate,
	})
	if err != nil {
		return err
	}
	defer auditLogger.Close()
	auditLogger.SetSink(store.NewActionLogStore(db))
	audit.SetGlobalLogger(auditLogger)

	// Memory: recent tier in SQL, semantic tier over per-kind vector
	// tables with a cached embedding provider in front.
	var embedder embeddings.Provider
	if cfg.Model.APIKey != "" {
		embedder = embeddings.NewOpenAIProvider(cfg.Model.APIKey, cfg.Model.BaseURL, "text-embedding-3-small", cfg.Memory.EmbeddingDimension)
	} else {
		embedder = embeddings.NewHashProvider(cfg.Memory.EmbeddingDimension)
	}
	embedder = memory.NewCachedEmbedder(embedder, cfg.Memory.QueryEmbeddingCacheSize)

	recentStore := memory.NewRecentStore(db, cfg.Memory.ShortTermSize)
	semanticStore := memory.NewSemanticStore(db, embedder)
	ruleStore := store.NewRuleStore(db)
	memPolicy := policy.NewMemoryPolicy()
	memManager := memory.NewManager(recentStore, semanticStore, memPolicy)
	memManager.SetLongTermEnabled(cfg.Memory.LongTermEnabled)
	memManager.SetRuleLister(ruleStore)

	// Policies and limiters.
	recencyPolicy := policy.NewRecencyPolicy()
	allowList := policy.NewServiceAllowList(cfg.Executor.AllowedServices, cfg.Executor.RequireConfirmationServices)
	modelLimiter := ratelimit.NewLimiter(ratelimit.Config{Rate: cfg.RateLimit.ModelPerMinute, Enabled: true})
	habrLimiter := ratelimit.NewLimiter(ratelimit.Config{Rate: cfg.RateLimit.MessagingSearchPerMinute, Enabled: true})
	userLimiter := ratelimit.NewLimiter(ratelimit.Config{Rate: cfg.RateLimit.UserPerMinute, Enabled: true})

	// Adapters.
	haClient := homeautomation.NewClient(cfg.HomeAutomation.URL, cfg.HomeAutomation.Token, allowList)
	searchClient := search.NewClient(cfg.Search.APIKey, cfg.Search.Model, recencyPolicy, cfg.Cache.SearchTTL.Std())
	habrClient := habr.NewClient(cfg.Cache.MessagingSiteTTL.Std())

	ttsConfig := ttscore.DefaultConfig()
	ttsConfig.Provider = ttscore.ProviderOpenAI
	ttsConfig.FallbackChain = []ttscore.Provider{ttscore.ProviderEdge}
	ttsConfig.OpenAI.APIKey = cfg.Model.APIKey
	ttsConfig.OpenAI.Model = cfg.Model.TTSModel
	ttsConfig.OpenAI.Voice = cfg.Model.TTSVoice
	synthesizer := ttsadapter.NewChainSynthesizer(ttsadapter.NewCoreSynthesizer(ttsConfig))

	planningClient, err := llm.NewAnthropicClient(cfg.Model.APIKey, cfg.Model.PlanningModel)
	if err != nil {
		return err
	}

	// Pipeline.
	analyzer := pipeline.NewAnalyzer(planningClient, logger)
	resolver := pipeline.NewResolver(haClient, memManager, cfg.Cache.ContextTTL.Std(), logger)
	planner := pipeline.NewPlanner(planningClient, searchClient, habrClient, cfg.Assistant, logger)
	executor := pipeline.NewExecutor(haClient, memManager, allowList, auditLogger, logger)
	executor.SetRuleSink(ruleStore)
	composer := pipeline.NewComposer(synthesizer, logger)
	orchestrator := pipeline.NewOrchestrator(analyzer, resolver, planner, executor, composer, memManager, memPolicy, logger)

	// Streaming sessions.
	dialer := session.NewRealtimeDialer("", cfg.Model.APIKey, cfg.Model.RealtimeModel)
	tools := httpapi.NewPipelineToolExecutor(orchestrator)
	sessionManager := session.NewManager(dialer, tools, cfg.Model, auditLogger, logger)
	sessionHandler := session.NewHandler(sessionManager, userLimiter, logger)

	var telegramSender httpapi.TelegramSender
	if cfg.Messaging.BotToken != "" {
		telegramSender, err = telegram.NewBotSender(cfg.Messaging.BotToken, cfg.Messaging.ChatID)
		if err != nil {
			return err
		}
	} else {
		telegramSender = unconfiguredTelegram{}
	}

	server := httpapi.NewServer(httpapi.Options{
		Orchestrator: orchestrator,
		Composer:     composer,
		Home:         haClient,
		Searcher:     searchClient,
		Habr:         habrClient,
		Telegram:     telegramSender,
		Sessions:     sessionHandler,
		SessionCount: sessionManager.Count,
		DB:           db,
		ModelLimiter: modelLimiter,
		HabrLimiter:  habrLimiter,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Background memory cleanup: expired entries leave both tiers hourly;
	// critical entries carry no expiry and are never touched.
	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				if n, err := memManager.CleanupExpired(cleanupCtx, ""); err != nil {
					logger.Error("memory cleanup failed", "error", err)
				} else if n > 0 {
					logger.Info("memory cleanup", "removed", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	sessionManager.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// unconfiguredTelegram keeps /v1/telegram/send wired when no bot token is
// configured, failing the call instead of the startup.
type unconfiguredTelegram struct{}

func (unconfiguredTelegram) SendMessage(context.Context, string, string, bool) (bool, error) {
	return false, &errs.ConfigError{Option: "messaging.bot_token", Detail: "telegram sending is not configured"}
}
