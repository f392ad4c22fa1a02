package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/camstage/camstage/engine/internal/infrastructure/config"
	"github.com/camstage/camstage/engine/internal/infrastructure/server"
	"github.com/camstage/camstage/engine/internal/logging"
)

func main() {
	port := flag.String("port", "", "API port (overrides PORT)")
	host := flag.String("host", "", "API bind address (overrides HOST)")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutting down")
		if err := srv.Close(); err != nil {
			logger.Warn("Error during shutdown: " + err.Error())
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}
