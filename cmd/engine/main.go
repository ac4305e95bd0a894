package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"spread-engine/internal/app"
	"spread-engine/internal/config"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Println("Initializing spread engine...")
	log.Printf("Build: %s", BuildCommit)
	log.Printf("HTTP Addr: %s", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("construct app: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-sigChan:
		log.Println("Shutting down...")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Printf("app exited with error: %v", err)
		}
	}
}
