package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maestrolabs/maestro/internal/agent"
	"github.com/maestrolabs/maestro/internal/provider"
)

// buildRunCmd creates the "run" command: one agent invocation against a
// session.
func buildRunCmd() *cobra.Command {
	var (
		configPath   string
		debug        bool
		agentName    string
		sessionID    string
		providerID   string
		modelID      string
		skillNames   []string
		temperature  float64
		hasTemp      bool
		showMetadata bool
	)
	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Run an agent against a session",
		Example: `  # Run the coder agent
  maestro run --agent coder --session 1a2b3c "add tests for the parser"

  # Pin a provider and model for this run
  maestro run --agent coder --session 1a2b3c --provider openai --model gpt-4o "review this diff"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentName == "" {
				return usererr("run requires --agent")
			}
			if sessionID == "" {
				return usererr("run requires --session")
			}
			message := strings.TrimSpace(args[0])
			if message == "" {
				return usererr("run requires a non-empty message")
			}
			hasTemp = cmd.Flags().Changed("temperature")

			a, err := newApp(resolveConfigPath(configPath), debug)
			if err != nil {
				return err
			}
			defer a.Close()

			req := &agent.ExecuteRequest{
				AgentName:   agentName,
				SessionID:   sessionID,
				UserMessage: message,
				Tools:       a.tools,
				SkillNames:  skillNames,
				Provider:    orDefault(providerID, a.cfg.Defaults.Provider),
				Model:       orDefault(modelID, a.cfg.Defaults.Model),
			}
			if hasTemp {
				req.Options = provider.Options{Temperature: &temperature}
			}

			result := a.runtime.ExecuteAgent(cmd.Context(), req)
			if result.Failed() {
				return usererr("%s", result.Error)
			}

			fmt.Fprintln(os.Stdout, result.Response)
			if showMetadata {
				return printJSON(map[string]any{
					"tools_used":  result.ToolsUsed,
					"tokens_used": result.TokensUsed,
					"duration_ms": result.Duration.Milliseconds(),
					"metadata":    result.Metadata,
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&agentName, "agent", "", "Agent to run")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session to run against")
	cmd.Flags().StringVar(&providerID, "provider", "", "Provider override")
	cmd.Flags().StringVar(&modelID, "model", "", "Model override")
	cmd.Flags().StringSliceVar(&skillNames, "skill", nil, "Skill to inject (repeatable)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature override")
	cmd.Flags().BoolVar(&showMetadata, "metadata", false, "Print run metadata as JSON")
	return cmd
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
