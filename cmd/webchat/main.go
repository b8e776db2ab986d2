package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/yegors/webchat/internal/client"
	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/internal/timeline"
	"github.com/yegors/webchat/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

// consoleEvents renders client events to the terminal
type consoleEvents struct{}

func (consoleEvents) OnTimeline(messages []timeline.Message) {
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	status := ""
	if last.DeliveryStatus != "" && last.DeliveryStatus != timeline.StatusDelivered {
		status = fmt.Sprintf(" [%s]", last.DeliveryStatus)
	}
	fmt.Printf("%s: %s%s\n", last.Sender, last.Text, status)
}

func (consoleEvents) OnConnectionState(connected bool) {
	if connected {
		fmt.Println("-- realtime connected")
	} else {
		fmt.Println("-- realtime disconnected")
	}
}

func (consoleEvents) OnError(err error) {
	fmt.Printf("-- error: %v\n", err)
}

func (consoleEvents) OnPresence(roster []string) {}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting webchat client",
		logger.String("version", Version),
		logger.String("gateway", cfg.Gateway.BaseURL),
	)

	chat, err := client.New(cfg, consoleEvents{}, log)
	if err != nil {
		log.Error("Failed to create client", logger.Error(err))
		os.Exit(1)
	}
	defer chat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chat.Start(ctx); err != nil {
		log.Error("Failed to start client", logger.Error(err))
		os.Exit(1)
	}

	for _, m := range chat.Messages() {
		fmt.Printf("%s: %s\n", m.Sender, m.Text)
	}
	fmt.Println("Type a message and press enter. Commands: /reset, /quit")

	// Read user input until EOF or interrupt
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Info("Shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
			case text == "/quit":
				return
			case text == "/reset":
				chat.Reset()
				fmt.Println("-- session reset")
			default:
				if err := chat.Send(ctx, text); err != nil {
					fmt.Printf("-- send failed: %v\n", err)
				}
			}
		}
	}
}
