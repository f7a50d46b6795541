package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "fcs",
	Short: "fcsandbox CLI - manage Firecracker sandboxes from the command line",
	Long: `fcs is a command-line tool for the fcsandbox service.

It provides commands to create and destroy microVM sandboxes, execute
commands inside them, transfer files, and pause/resume them to snapshots.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url",
		getEnvOrDefault("FCSANDBOX_API_URL", "http://localhost:8080"), "fcsandbox API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key",
		os.Getenv("FCSANDBOX_API_KEY"), "fcsandbox API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// resolveAPIKey returns the key from the flag/env, falling back to the
// credentials file written by `fcs login`.
func resolveAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	path, err := credentialsPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "fcsandbox", "credentials"), nil
}
