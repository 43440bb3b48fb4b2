package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "notesci",
	Short: "Deployment pipeline for the notes application",
	Long: `Notesci builds, publishes and deploys the Spring Boot notes application.

A run tests the source, packages the container image, pushes it under an
immutable build-number tag, applies the Kubernetes manifests, waits for the
rollout to converge and verifies the application's health endpoint. Runs can
be triggered one-shot from the command line or by GitHub push webhooks in
server mode.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
