// Package main provides the CLI entry point for the Maestro multi-agent
// orchestration runtime.
//
// # Basic Usage
//
// Run an agent against a session:
//
//	maestro run --agent coder --session <id> "refactor the parser"
//
// Manage sessions:
//
//	maestro sessions list
//	maestro sessions create --project demo --dir . --title "parser work"
//
// # Environment Variables
//
//   - MAESTRO_CONFIG: Path to configuration file (default: maestro.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - MAESTRO_STORAGE_PATH: Override the storage root
//   - MAESTRO_DEFAULT_PROVIDER / MAESTRO_DEFAULT_MODEL: Default routing
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 0 on success, 1 for user-facing failures (bad input, unknown
// agent, failed run), 2 for internal errors.
const (
	exitOK       = 0
	exitUser     = 1
	exitInternal = 2
)

// userError marks failures caused by the caller rather than the runtime.
type userError struct{ err error }

func (e *userError) Error() string { return e.err.Error() }
func (e *userError) Unwrap() error { return e.err }

// usererr wraps an error as user-facing.
func usererr(format string, args ...any) error {
	return &userError{err: fmt.Errorf(format, args...)}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var ue *userError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, "Error:", ue.Error())
			os.Exit(exitUser)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(exitInternal)
	}
	os.Exit(exitOK)
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "maestro",
		Short:         "Multi-agent orchestration runtime",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the MAESTRO_CONFIG fallback.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("MAESTRO_CONFIG"); env != "" {
		return env
	}
	return ""
}
