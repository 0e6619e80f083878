package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/events"
)

func buildEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the audit event log",
		Long: `Query the append-only event log. Every run leaves a complete trail:
capability grants and denials, tool invocations and outcomes, and the
run's terminal state.`,
	}
	cmd.AddCommand(
		buildEventsListCmd(),
		buildEventsShowCmd(),
	)
	return cmd
}

func buildEventsListCmd() *cobra.Command {
	var configPath string
	var sessionID string
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, or the events of one session",
		Example: `  warden events list
  warden events list --session 4f1c...
  warden events list --session 4f1c... --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsList(configPath, sessionID, format)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "List events for this session")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

func buildEventsShowCmd() *cobra.Command {
	var configPath string
	var format string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the full event trail for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsShow(configPath, args[0], format)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

func runEventsList(configPath, sessionID, format string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	if sessionID != "" {
		evts, err := st.events.ListBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		return printEvents(evts, format)
	}

	summarizer, ok := st.events.(events.Summarizer)
	if !ok {
		return fmt.Errorf("event store does not support session listing")
	}
	summaries, err := summarizer.ListSessions(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}
	for _, s := range summaries {
		fmt.Printf("%s  %4d events  %s .. %s\n",
			s.SessionID, s.EventCount,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.LastEvent.Format("15:04:05"))
	}
	return nil
}

func runEventsShow(configPath, runID, format string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	evts, err := st.events.ListByRun(context.Background(), runID)
	if err != nil {
		return err
	}
	if len(evts) == 0 {
		return fmt.Errorf("no events for run %s", runID)
	}
	return printEvents(evts, format)
}

func printEvents(evts []*events.Event, format string) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range evts {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range evts {
		line := fmt.Sprintf("%s  %-20s", e.Timestamp.Format("15:04:05.000"), e.Kind)
		if len(e.Data) > 0 {
			data, err := json.Marshal(e.Data)
			if err == nil {
				line += "  " + string(data)
			}
		}
		fmt.Println(line)
	}
	return nil
}
