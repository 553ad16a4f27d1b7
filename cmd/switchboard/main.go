// Switchboard is a multi-specialist conversation orchestrator.
//
// It routes each user message to one of several database-configured
// specialist handlers, lets specialists hand a turn off to each other
// behind the scenes, and relays a single response back to the caller
// in one voice. Conversation state is checkpointed per thread so any
// turn can resume after a restart. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	switchboard serve              Start the API server
//	switchboard init [dir]         Initialize a working directory with defaults
//	switchboard ask <message>      Process a single turn (for testing)
//	switchboard version            Print version and build information
//	switchboard -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tkwest/switchboard/internal/api"
	"github.com/tkwest/switchboard/internal/buildinfo"
	"github.com/tkwest/switchboard/internal/checkpoint"
	"github.com/tkwest/switchboard/internal/classifier"
	"github.com/tkwest/switchboard/internal/config"
	"github.com/tkwest/switchboard/internal/engine"
	"github.com/tkwest/switchboard/internal/llm"
	"github.com/tkwest/switchboard/internal/mqtt"
	"github.com/tkwest/switchboard/internal/specialist"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the switchboard command. All
// OS-level dependencies are injected as parameters; run returns nil on
// clean shutdown and a non-nil error for any failure.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests, and the argument surface here
// is small enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	// API keys may live in a local .env during development.
	_ = godotenv.Load()

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: switchboard ask <message>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Switchboard - Multi-Specialist Conversation Orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: switchboard [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Process a single turn (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider chat client from the
// configuration. Unknown models fall back to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		for _, m := range cfg.Models.AnthropicModels {
			multi.AddModel(m, "anthropic")
		}
		logger.Info("Anthropic provider configured", "models", len(cfg.Models.AnthropicModels))
	}

	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
		for _, m := range cfg.Models.OpenAIModels {
			multi.AddModel(m, "openai")
		}
		logger.Info("OpenAI provider configured", "models", len(cfg.Models.OpenAIModels))
	}

	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"classifier_model", cfg.Models.Classifier,
		"ollama_url", cfg.Models.OllamaURL,
	)
	return multi
}

// stack holds everything a running instance needs; built once for
// serve and once per ask invocation.
type stack struct {
	cfg         *config.Config
	logger      *slog.Logger
	checkpoints *checkpoint.Store
	specialists *specialist.Store
	llmClient   llm.Client
	eng         *engine.Engine
	reload      api.ReloadFunc
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DatabasePath("switchboard.db")
	checkpoints, err := checkpoint.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database %s: %w", dbPath, err)
	}
	logger.Info("checkpoint database opened", "path", dbPath)

	// Specialist profiles share the checkpoint database file.
	specialists, err := specialist.NewStore(checkpoints.DB())
	if err != nil {
		checkpoints.Close()
		return nil, err
	}
	if added, err := specialists.Seed(ctx); err != nil {
		checkpoints.Close()
		return nil, fmt.Errorf("seed specialist profiles: %w", err)
	} else if added > 0 {
		logger.Info("seeded builtin specialist profiles", "added", added)
	}

	llmClient := createLLMClient(cfg, logger)

	registry, err := specialist.LoadRegistry(ctx, specialists, llmClient,
		cfg.Models.Default, cfg.Engine.DefaultHandler, logger)
	if err != nil {
		checkpoints.Close()
		return nil, fmt.Errorf("load specialist registry: %w", err)
	}

	classifierModel := cfg.Models.Classifier
	if classifierModel == "" {
		classifierModel = cfg.Models.Default
	}
	cls := classifier.New(llmClient, classifierModel, cfg.Engine.DecideTimeout(), logger)

	eng := engine.New(logger, registry, cls, checkpoints, engine.Config{
		MaxHops:        cfg.Engine.MaxHops,
		MaxMessages:    cfg.Engine.MaxMessages,
		TrimTarget:     cfg.Engine.TrimTarget,
		HandlerTimeout: cfg.Engine.HandlerTimeout(),
		DecideTimeout:  cfg.Engine.DecideTimeout(),
	})

	reload := func(ctx context.Context) error {
		return specialist.Reload(ctx, registry, specialists, llmClient, cfg.Models.Default, logger)
	}

	return &stack{
		cfg:         cfg,
		logger:      logger,
		checkpoints: checkpoints,
		specialists: specialists,
		llmClient:   llmClient,
		eng:         eng,
		reload:      reload,
	}, nil
}

// runAsk processes a single turn against the real data directory and
// prints the relayed response. Useful for smoke tests without the
// server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	message := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.checkpoints.Close()

	res, err := st.eng.ProcessTurn(ctx, "", "cli", message, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Relay.Content)
	return nil
}

// runServe is the primary operating mode: load config, open the
// database, build the engine, start the API server and the optional
// MQTT publisher, and block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting switchboard",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.checkpoints.Close()

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, st.eng, st.checkpoints, st.reload, logger)

	// Optional MQTT telemetry.
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, &engineStats{st: st}, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// engineStats adapts the running stack to the MQTT publisher's
// StatsSource.
type engineStats struct {
	st *stack
}

func (s *engineStats) DefaultModel() string { return s.st.cfg.Models.Default }

func (s *engineStats) TotalTurns() int64 {
	return s.st.eng.GetStats().TotalTurns
}

func (s *engineStats) TotalDecisions() int64 {
	return s.st.eng.GetStats().TotalDecisions
}

func (s *engineStats) ActiveHandlers() int {
	profiles, err := s.st.specialists.List(context.Background())
	if err != nil {
		return 0
	}
	n := 0
	for _, p := range profiles {
		if !p.Disabled {
			n++
		}
	}
	return n
}
