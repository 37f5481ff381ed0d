package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/maestrolabs/maestro/internal/store"
	"github.com/maestrolabs/maestro/pkg/models"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
	}
	cmd.AddCommand(
		buildSessionsListCmd(),
		buildSessionsCreateCmd(),
		buildSessionsGetCmd(),
		buildSessionsUpdateCmd(),
		buildSessionsDeleteCmd(),
	)
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.store.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range sessions {
				fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%d message(s)\n",
					s.ID, s.ProjectID, s.Title, s.MessageCounter)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildSessionsCreateCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		directory  string
		title      string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || directory == "" || title == "" {
				return usererr("sessions create requires --project, --dir, and --title")
			}
			a, err := newApp(resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer a.Close()

			session := &models.Session{
				ID:        uuid.NewString(),
				ProjectID: projectID,
				Directory: directory,
				Title:     title,
				Version:   version,
			}
			if err := a.store.CreateSession(cmd.Context(), session); err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			fmt.Fprintln(os.Stdout, session.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&projectID, "project", "", "Project the session belongs to")
	cmd.Flags().StringVar(&directory, "dir", "", "Working directory for agent runs")
	cmd.Flags().StringVar(&title, "title", "", "Display title")
	return cmd
}

func buildSessionsGetCmd() *cobra.Command {
	var (
		configPath string
		withHist   bool
	)
	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.store.GetSession(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return usererr("session %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			out := map[string]any{"session": session}
			if withHist {
				history, err := a.store.History(cmd.Context(), session.ID)
				if err != nil {
					return fmt.Errorf("load history: %w", err)
				}
				out["messages"] = history
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&withHist, "messages", false, "Include message history")
	return cmd
}

func buildSessionsUpdateCmd() *cobra.Command {
	var (
		configPath string
		title      string
	)
	cmd := &cobra.Command{
		Use:   "update <session-id>",
		Short: "Update a session's title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return usererr("sessions update requires --title")
			}
			a, err := newApp(resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.store.GetSession(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return usererr("session %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}
			session.Title = title
			if err := a.store.UpdateSession(cmd.Context(), session); err != nil {
				return fmt.Errorf("update session: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&title, "title", "", "New display title")
	return cmd
}

func buildSessionsDeleteCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(resolveConfigPath(configPath), false)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.store.DeleteSession(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return usererr("session %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
