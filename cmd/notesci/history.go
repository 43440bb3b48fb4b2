package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iamdk-16/springboot-notes-app-ci/internal/config"
	"github.com/iamdk-16/springboot-notes-app-ci/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent pipeline runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("NOTESCI_CONFIG_FILE", "pipeline.yaml"), "Path to pipeline.yaml configuration file")
	historyCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("NOTESCI_DB_PATH", "./runs.db"), "Path to SQLite database")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	hist, err := history.NewHistory(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer hist.Close()

	runs, err := hist.RecentRuns(cmd.Context(), cfg.AppName, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to query runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Printf("no runs recorded for %s\n", cfg.AppName)
		return nil
	}

	fmt.Printf("%-7s %-9s %-20s %-10s %s\n", "BUILD", "STATUS", "STARTED", "DURATION", "ERROR")
	for _, run := range runs {
		duration := "-"
		if run.DurationSeconds != nil {
			duration = (time.Duration(*run.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}
		errKind := ""
		if run.ErrorKind != nil {
			errKind = *run.ErrorKind
		}
		fmt.Printf("%-7d %-9s %-20s %-10s %s\n",
			run.BuildNumber,
			run.Status,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
			errKind)
	}

	return nil
}
