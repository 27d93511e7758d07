package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/koder/backend/internal/config"
	"github.com/zhouzirui/koder/backend/internal/logging"
	"github.com/zhouzirui/koder/backend/internal/model/provider"
	"github.com/zhouzirui/koder/backend/internal/service/runner"
)

// runprobe runs a single assistant turn outside the HTTP server, to check
// that a provider binary is installed and answers in a given directory.
func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] .env not loaded, using process environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	providerID := flag.String("provider", cfg.Provider.Default, "provider id (claude or opencode)")
	path := flag.String("path", ".", "working directory for the assistant")
	message := flag.String("message", "", "instruction to send")
	session := flag.String("session", "", "session id to continue, empty for none")
	timeout := flag.Duration("timeout", cfg.Runner.Timeout, "execution timeout")
	stream := flag.Bool("stream", true, "print output as it arrives")

	flag.Parse()

	if *message == "" {
		flag.Usage()
		log.Fatal("-message is required")
	}

	store := provider.NewMemoryStore(provider.Seed(cfg.Provider))
	p, ok := store.FindByID(*providerID)
	if !ok {
		log.Fatalf("unsupported provider: %s", *providerID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	exec := runner.New(runner.Options{
		Timeout:        *timeout,
		MaxOutputBytes: cfg.Runner.MaxOutputBytes,
		KillGrace:      cfg.Runner.KillGrace,
		Logger:         logging.Must(config.LogConfig{Level: "debug", Development: true}),
	})

	name, args := p.Invocation(*message, *session)
	log.Printf("running %s %q in %s", name, args, *path)

	start := time.Now()
	var onChunk func(string)
	if *stream {
		onChunk = func(chunk string) { fmt.Print(chunk) }
	}
	out, err := exec.Stream(ctx, name, args, *path, onChunk)
	elapsed := time.Since(start)

	if err != nil {
		var execErr *runner.ExecutionError
		if errors.As(err, &execErr) {
			log.Fatalf("exit status %d after %s: %s", execErr.ExitCode, elapsed, execErr.Error())
		}
		log.Fatalf("%s after %s: %v", runner.Classify(err), elapsed, err)
	}

	if !*stream {
		fmt.Print(out)
	}
	fmt.Println()
	log.Printf("done in %s, %d bytes", elapsed, len(out))
}
