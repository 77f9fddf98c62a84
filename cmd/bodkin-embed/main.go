// bodkin-embed runs a prompt through the model and ships the final hidden
// state to a Longbow store over Arrow Flight.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/flight"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/ollama"
)

var (
	modelPath = flag.String("model", "", "Path to GGUF model file or Ollama model name")
	prompt    = flag.String("prompt", "", "Text to embed")
	addr      = flag.String("addr", fmt.Sprintf("localhost:%d", flight.DefaultPort), "Flight endpoint")
	id        = flag.String("id", "", "Vector id (defaults to the session id)")
	threads   = flag.Int("threads", 0, "Worker threads (0 = all CPUs)")
	logLevel  = flag.String("log-level", "info", "Log level")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	if *modelPath == "" || *prompt == "" {
		fmt.Fprintln(os.Stderr, "Error: --model and --prompt flags are required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Log.Err(err, "embed failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := *modelPath
	if resolved, err := ollama.ResolvePath(path); err == nil {
		path = resolved
	}

	settings := config.DefaultSettings()
	settings.ModelPath = path
	settings.Threads = *threads

	model, err := engine.LoadModel(path, settings)
	if err != nil {
		return err
	}
	defer model.Close()

	session, err := engine.NewSession(model, 0)
	if err != nil {
		return err
	}
	defer session.Close()

	ids := model.Tokenizer.Encode(*prompt)
	if model.Tokenizer.BOS >= 0 {
		ids = append([]int{model.Tokenizer.BOS}, ids...)
	}
	for _, tok := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := session.Forward(tok); err != nil {
			return err
		}
	}

	vecID := *id
	if vecID == "" {
		vecID = session.ID.String()
	}

	client := flight.NewClient(*addr)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	embedding := session.HiddenState()
	if err := client.Export(ctx, []string{vecID}, [][]float32{embedding}); err != nil {
		return err
	}

	logger.Log.Info("embedding exported", "id", vecID, "dim", len(embedding), "addr", *addr)
	return nil
}
