package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/ollama"
)

var (
	modelPath    = flag.String("model", "", "Path to GGUF model file or Ollama model name")
	settingsPath = flag.String("settings", "", "Optional YAML settings file")
	prompt       = flag.String("prompt", "Hello world", "Prompt to generate from")
	numTokens    = flag.Int("n", 256, "Maximum number of tokens to generate")
	temperature  = flag.Float64("temp", 0.7, "Sampling temperature (0 = greedy)")
	topK         = flag.Int("top-k", 40, "Top-k cutoff (0 disables)")
	topP         = flag.Float64("top-p", 0.9, "Top-p nucleus cutoff")
	repPenalty   = flag.Float64("rep-penalty", 1.1, "Repetition penalty over the last 64 tokens")
	seed         = flag.Int64("seed", 0, "Sampler seed (0 = from clock)")
	threads      = flag.Int("threads", 0, "Worker threads (0 = all CPUs)")
	contextLen   = flag.Int("context", 0, "Context window override (0 = model maximum)")
	metricsAddr  = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat    = flag.String("log-format", "console", "Log format (console or json)")
)

func main() {
	flag.Parse()

	settings := config.DefaultSettings()
	if *settingsPath != "" {
		var err error
		if settings, err = config.LoadSettings(*settingsPath); err != nil {
			fmt.Fprintf(os.Stderr, "settings: %v\n", err)
			os.Exit(1)
		}
	}
	applyFlags(&settings)

	logger.Setup(settings.LogLevel, settings.LogFormat)

	if settings.ModelPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	// A model name Ollama knows wins over a direct path.
	if resolved, err := ollama.ResolvePath(settings.ModelPath); err == nil {
		logger.Log.Info("resolved ollama model", "name", settings.ModelPath, "path", resolved)
		settings.ModelPath = resolved
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("metrics serving", "addr", settings.MetricsAddr)
		if err := http.ListenAndServe(settings.MetricsAddr, nil); err != nil {
			logger.Log.Err(err, "metrics server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model, err := engine.LoadModel(settings.ModelPath, settings)
	if err != nil {
		logger.Log.Err(err, "model load failed")
		os.Exit(1)
	}
	defer model.Close()

	session, err := engine.NewSession(model, settings.ContextLength)
	if err != nil {
		logger.Log.Err(err, "session open failed")
		os.Exit(1)
	}
	defer session.Close()

	opts := engine.GenerateOptions{
		MaxTokens: *numTokens,
		Sampler: engine.SamplerConfig{
			Temperature: *temperature,
			TopK:        *topK,
			TopP:        *topP,
			RepPenalty:  *repPenalty,
			Seed:        *seed,
		},
	}

	start := time.Now()
	generated, err := session.Generate(ctx, *prompt, opts, func(id int, piece string) error {
		fmt.Print(piece)
		return nil
	})
	fmt.Println()
	if err != nil {
		logger.Log.Err(err, "generation failed", "generated", generated)
		os.Exit(1)
	}

	dur := time.Since(start)
	logger.Log.Info("generation complete",
		"generated", generated,
		"duration", dur.String(),
		"tokens_per_sec", fmt.Sprintf("%.2f", float64(generated)/dur.Seconds()))
}

// applyFlags lets explicitly set flags override file settings.
func applyFlags(s *config.Settings) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["model"] || s.ModelPath == "" {
		s.ModelPath = *modelPath
	}
	if set["threads"] {
		s.Threads = *threads
	}
	if set["context"] {
		s.ContextLength = *contextLen
	}
	if set["metrics"] {
		s.MetricsAddr = *metricsAddr
	}
	if set["log-level"] {
		s.LogLevel = *logLevel
	}
	if set["log-format"] {
		s.LogFormat = *logFormat
	}
}
