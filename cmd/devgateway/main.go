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

	"github.com/yegors/webchat/internal/devgateway"
	"github.com/yegors/webchat/pkg/logger"
)

func main() {
	// Parse command line flags
	addr := flag.String("addr", "127.0.0.1:8095", "Listen address")
	tenantID := flag.String("tenant", "dev-tenant", "Tenant id embedded in issued tokens")
	tokenLifetime := flag.Duration("token-lifetime", 2*time.Minute, "Lifetime of issued tokens")
	botReply := flag.String("bot-reply", "Thanks for your message!", "Canned bot reply; empty disables the bot")
	logLevel := flag.String("log-level", "debug", "Log level")
	flag.Parse()

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  *logLevel,
		Format: "console",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	hub := devgateway.NewHub(log)
	go hub.Run()

	server := devgateway.NewServer(devgateway.Options{
		TenantID:      *tenantID,
		WSBaseURL:     fmt.Sprintf("ws://%s/ws", *addr),
		TokenLifetime: *tokenLifetime,
		BotReply:      *botReply,
	}, hub, log)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting development gateway", logger.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down development gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}
	log.Info("Development gateway stopped")
}
