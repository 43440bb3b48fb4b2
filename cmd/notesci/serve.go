package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/history"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/metrics"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/pipeline"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/server"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/vault"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server to receive GitHub push webhooks.

Pushes to the configured branch trigger full pipeline runs; run history,
liveness and Prometheus metrics are exposed on the same port.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("NOTESCI_CONFIG_FILE", "pipeline.yaml"), "Path to pipeline.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("NOTESCI_LOG_FILE", "./notesci.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("NOTESCI_DB_PATH", "./runs.db"), "Path to SQLite database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("NOTESCI_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("NOTESCI_PORT", 5000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", false, "Enable test mode (no rate limits)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting notesci", "config", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Webhook.Secret == "" {
		return fmt.Errorf("server mode requires 'webhook.secret' in the configuration")
	}

	provider, err := credentialProvider(cfg)
	if err != nil {
		return err
	}

	logger.Info("Initializing history database", "db", dbPath)
	hist, err := history.NewHistory(dbPath)
	if err != nil {
		logger.Error("Failed to initialize history database", "error", err)
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	defer hist.Close()

	m := metrics.New()
	orchestrator := pipeline.NewOrchestrator(cfg, provider, m, logger)
	srv := server.NewServer(cfg, orchestrator, hist, m, logger, testMode)

	logger.Info("Starting HTTP server", "host", host, "port", port, "target", cfg.Target())
	if err := srv.Start(host, port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// credentialProvider opens the vault backing file named in the config.
func credentialProvider(cfg *config.PipelineConfig) (vault.Provider, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("missing 'credentials_file' in the configuration")
	}

	provider, err := vault.NewFileProvider(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	return provider, nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)

	return logger, file, nil
}
