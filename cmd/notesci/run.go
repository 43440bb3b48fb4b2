package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/history"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/pipeline"
)

var (
	runCommit      string
	runBuildNumber int64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline run",
	Long: `Execute one full pipeline run: test, build, publish, apply, rollout,
verify. The build number is allocated from the run history and the outcome
is recorded there. A non-zero exit code means the run failed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("NOTESCI_CONFIG_FILE", "pipeline.yaml"), "Path to pipeline.yaml configuration file")
	runCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("NOTESCI_LOG_FILE", "./notesci.log"), "Path to log file")
	runCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("NOTESCI_DB_PATH", "./runs.db"), "Path to SQLite database")
	runCmd.Flags().StringVar(&runCommit, "commit", "", "Commit hash to report status for (optional)")
	runCmd.Flags().Int64Var(&runBuildNumber, "build-number", 0, "Build number to use instead of the next allocated one (must be higher than any recorded run)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	provider, err := credentialProvider(cfg)
	if err != nil {
		return err
	}

	hist, err := history.NewHistory(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize history database: %w", err)
	}
	defer hist.Close()

	// SIGINT/SIGTERM abort the run; the stages observe the cancellation
	// and post-run hooks still execute.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildNumber, err := hist.NextBuildNumber(ctx, cfg.AppName)
	if err != nil {
		return fmt.Errorf("failed to allocate build number: %w", err)
	}
	if runBuildNumber > 0 {
		if runBuildNumber < buildNumber {
			return fmt.Errorf("build number %d already used; next available is %d", runBuildNumber, buildNumber)
		}
		buildNumber = runBuildNumber
	}

	orchestrator := pipeline.NewOrchestrator(cfg, provider, nil, logger)
	run := orchestrator.Run(ctx, buildNumber, runCommit)

	if _, err := hist.RecordRun(ctx, run.Record()); err != nil {
		logger.Error("Failed to record run history", "error", err, "build", buildNumber)
	}

	fmt.Printf("build %d: %s (%s)\n", run.BuildNumber, run.Status, run.Elapsed.Round(time.Second))
	for _, stage := range run.Stages {
		line := fmt.Sprintf("  %-20s %s", stage.Name, stage.Status)
		if stage.Detail != "" {
			line += "  " + stage.Detail
		}
		fmt.Println(line)
	}
	for _, w := range run.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}

	if run.Err != nil {
		return fmt.Errorf("run failed (%s): %w", run.ErrorKind, run.Err)
	}
	return nil
}
