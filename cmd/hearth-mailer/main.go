// ABOUTME: Entry point for hearth-mailer, the worker that delivers queued mail
// ABOUTME: Consumes mail requests from RabbitMQ, renders them and sends them over SMTP

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/mail"
)

var version = "dev"

// getConfigPath mirrors hearth-gateway: both processes read the same file.
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "hearth", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Mail.AMQPURL == "" {
		return errors.New("mail.amqp_url is required")
	}
	if cfg.Mail.SMTPAddr == "" || cfg.Mail.From == "" {
		return errors.New("mail.smtp_addr and mail.from are required")
	}

	logger := newLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("hearth-mailer %s  queue=%s  smtp=%s\n", version, cfg.Mail.Queue, cfg.Mail.SMTPAddr)

	renderer, err := mail.NewRenderer()
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}
	sender := mail.NewSMTPSender(cfg.Mail.SMTPAddr, cfg.Mail.From, cfg.Mail.SMTPUsername, cfg.Mail.SMTPPassword)

	consumer := mail.NewConsumer(cfg.Mail.AMQPURL, cfg.Mail.Queue, renderer, sender, logger)
	logger.Info("starting hearth-mailer", "config", configPath, "queue", cfg.Mail.Queue)
	return consumer.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
