// Counselor is a conversational career-counseling service.
//
// It accepts prompts on per-user conversation threads, runs them
// against a hosted assistant (OpenAI Assistants API), answers the
// assistant's job-search tool calls from LinkedIn, and persists every
// completed exchange. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	counselor serve              Start the API server
//	counselor init [dir]         Write an example config.yaml and .env
//	counselor version            Print version and build information
//	counselor -o json version    Output version information as JSON
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
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/careerdesk/counselor/internal/api"
	"github.com/careerdesk/counselor/internal/buildinfo"
	"github.com/careerdesk/counselor/internal/config"
	"github.com/careerdesk/counselor/internal/connwatch"
	"github.com/careerdesk/counselor/internal/defaults"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/events"
	"github.com/careerdesk/counselor/internal/jobs"
	"github.com/careerdesk/counselor/internal/metrics"
	"github.com/careerdesk/counselor/internal/mqtt"
	"github.com/careerdesk/counselor/internal/opstate"
	"github.com/careerdesk/counselor/internal/orchestrator"
	"github.com/careerdesk/counselor/internal/poller"
	"github.com/careerdesk/counselor/internal/scheduler"
	"github.com/careerdesk/counselor/internal/store"
	"github.com/careerdesk/counselor/internal/tools"
	"github.com/careerdesk/counselor/internal/usage"
)

// main only builds the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// invocation is a parsed command line.
type invocation struct {
	configPath string
	output     string
	command    string
	args       []string
	help       bool
}

// parseArgs reads global flags up to the command name. Everything after
// the command belongs to it.
func parseArgs(args []string) (invocation, error) {
	inv := invocation{output: "text"}
	for len(args) > 0 {
		arg := args[0]
		args = args[1:]
		if inv.command != "" {
			inv.args = append(inv.args, arg)
			continue
		}
		if !strings.HasPrefix(arg, "-") {
			inv.command = arg
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch name {
		case "h", "help":
			inv.help = true
			return inv, nil
		case "config", "o", "output":
		default:
			return inv, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if len(args) == 0 {
				return inv, fmt.Errorf("flag %s needs a value", arg)
			}
			value, args = args[0], args[1:]
		}
		if name == "config" {
			inv.configPath = value
		} else {
			inv.output = value
		}
	}
	if inv.output != "text" && inv.output != "json" {
		return inv, fmt.Errorf("unknown output format: %q (expected text or json)", inv.output)
	}
	return inv, nil
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout, and args is os.Args[1:].
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	inv, err := parseArgs(args)
	if err != nil {
		return err
	}
	if inv.help {
		return printUsage(stdout)
	}

	switch inv.command {
	case "serve":
		return runServe(ctx, stdout, stderr, inv.configPath)
	case "init":
		dir := "."
		if len(inv.args) > 0 {
			dir = inv.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, inv.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", inv.command)
	}
}

// runVersion prints build metadata as aligned text or indented JSON.
func runVersion(w io.Writer, output string) error {
	info := buildinfo.Info()
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

const usageText = `Counselor - conversational career counseling service

Usage: counselor [flags] <command> [args]

Commands:
  serve        Start the API server
  init [dir]   Write example config.yaml and .env (default: .)
  version      Show version information

Flags:
  -config <path>    Path to config file (default: auto-discover)
  -o, --output fmt  Output format: text (default) or json

Config search order:
  %s
`

func printUsage(w io.Writer) error {
	_, err := fmt.Fprintf(w, usageText, strings.Join(config.DefaultSearchPaths(), ", "))
	return err
}

// runInit writes the example configuration into dir. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	files := []struct {
		name    string
		content []byte
	}{
		{"config.yaml", defaults.ConfigYAML},
		{".env", defaults.EnvExample},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		if written {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Set OPENAI_API_KEY in .env, then run: counselor serve")
	return nil
}

func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// loadConfig locates, parses and validates the configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func jobsProfile(c config.JobsConfig) jobs.Profile {
	return jobs.Profile{
		Keyword:         c.Keyword,
		Location:        c.Location,
		PostedWithin:    c.PostedWithin,
		JobType:         c.JobType,
		Remote:          c.Remote,
		MinSalary:       c.MinSalary,
		ExperienceLevel: c.ExperienceLevel,
		Limit:           c.Limit,
	}
}

// runServe is the primary operating mode. It blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives, then stops accepting requests,
// cancels scheduled polls and closes the database.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Counselor", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Assistant.Model,
		"poll_delay", cfg.Poller.Delay,
		"max_attempts", cfg.Poller.MaxAttempts,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Persistence ---
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "data_dir", cfg.DataDir)

	state, err := opstate.NewStore(st.DB())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	usageStore, err := usage.NewStore(st.DB())
	if err != nil {
		return fmt.Errorf("open usage: %w", err)
	}

	// --- Engine, tools and assistant ---
	eng := engine.NewOpenAIClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, logger)

	source := jobs.NewLinkedIn(jobsProfile(cfg.Jobs), logger,
		jobs.WithBaseURL(cfg.Jobs.BaseURL),
		jobs.WithRequestsPerMinute(cfg.Jobs.RequestsPerMinute),
	)
	registry := tools.NewRegistry(source, logger)

	assistant, err := orchestrator.EnsureAssistant(ctx, eng, cfg.OpenAI.AssistantID, engine.Assistant{
		Name:            cfg.Assistant.Name,
		Instructions:    cfg.Assistant.Instructions,
		RunInstructions: cfg.Assistant.RunInstructions,
		Model:           cfg.Assistant.Model,
		Tools:           registry.Declarations(),
	}, state, logger)
	if err != nil {
		return err
	}

	// --- Upstream health ---
	watch := connwatch.NewManager(logger)
	watch.Watch(ctx, "openai", func(ctx context.Context) error {
		_, err := eng.RetrieveAssistant(ctx, assistant.ID)
		return err
	}, connwatch.Schedule{})
	watch.Watch(ctx, "linkedin", source.Ping, connwatch.Schedule{})

	// --- Orchestration ---
	bus := events.New()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	sched := scheduler.New(logger, cfg.Poller.StepTimeout)
	defer sched.Stop()

	orch := orchestrator.New(orchestrator.Deps{
		Assistant: assistant,
		Engine:    eng,
		Store:     st,
		Tools:     registry,
		Scheduler: sched,
		Poll: poller.Config{
			Delay:       cfg.Poller.Delay,
			MaxAttempts: cfg.Poller.MaxAttempts,
		},
		Events:  bus,
		Metrics: m,
		Usage:   usageStore,
		Pricing: cfg.Pricing,
		Logger:  logger,
	})

	if _, err := orch.Resume(ctx); err != nil {
		logger.Error("resume pending runs failed", "error", err)
	}

	// --- MQTT ---
	var wg sync.WaitGroup
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		clientID, err := mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir)
		if err != nil {
			return err
		}
		mqttPub = mqtt.New(cfg.MQTT, clientID, bus, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, logger)
	server.SetStarters(cfg.Assistant.StarterQuestions)
	server.SetEvents(bus)
	server.SetMetrics(m)
	server.SetWatch(watch)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	serveErr := server.Start(ctx)
	cancel()
	wg.Wait()
	watch.Wait()
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", serveErr)
	}
	logger.Info("Counselor stopped")
	return nil
}
