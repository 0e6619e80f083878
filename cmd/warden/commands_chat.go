package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var configPath string
	var sessionID string
	var model string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Run the agent on a message",
		Long: `Run one agent turn: the message goes to the model, tool calls are
gated by the capability policy, and the reply is printed when the run
completes. Use --session to continue an earlier conversation.`,
		Example: `  warden chat "list the files in /workspace"
  warden chat --session 4f1c... "now summarize them"
  warden chat -i`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := ""
			if len(args) > 0 {
				message = args[0]
			}
			return runChat(configPath, sessionID, model, message, interactive)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Override the configured model")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Read messages from stdin until EOF")
	return cmd
}

func runChat(configPath, sessionID, model, message string, interactive bool) error {
	if message == "" && !interactive {
		return fmt.Errorf("a message is required (or use --interactive)")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if model != "" {
		cfg.Agent.Model = model
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if sessionID == "" {
		session, err := rt.loop.NewSession(ctx, firstLine(message))
		if err != nil {
			return err
		}
		sessionID = session.ID
		fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
	} else if _, err := rt.stores.sessions.Get(ctx, sessionID); err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	if message != "" {
		if err := runTurn(ctx, rt, sessionID, message); err != nil {
			return err
		}
	}
	if !interactive {
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := runTurn(ctx, rt, sessionID, input); err != nil {
			if ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		}
	}
}

func runTurn(ctx context.Context, rt *runtime, sessionID, input string) error {
	run, err := rt.loop.Run(ctx, sessionID, input)
	if err != nil {
		if run != nil {
			return fmt.Errorf("run %s: %w", run.ID, err)
		}
		return err
	}

	reply, err := lastAssistantMessage(ctx, rt, sessionID)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	fmt.Fprintf(os.Stderr, "run %s: %d in / %d out tokens\n",
		run.ID, run.Usage.InputTokens, run.Usage.OutputTokens)
	return nil
}

func lastAssistantMessage(ctx context.Context, rt *runtime, sessionID string) (string, error) {
	history, err := rt.stores.sessions.History(ctx, sessionID, 0)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant && history[i].Content != "" {
			return history[i].Content, nil
		}
	}
	return "", nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
