package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/secrets"
)

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools advertised by the configured servers",
		Long: `Connect to the configured tool servers and list every tool they
advertise. Servers that fail to connect are logged and skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runTools(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Servers) == 0 {
		fmt.Println("no tool servers configured")
		return nil
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := policy.NewEngine(cfg.Policy)
	resolver := secrets.NewResolver(secrets.NewEnvSource(cfg.Policy.SecretKeys), engine)

	serverConfigs := make([]*mcp.ServerConfig, 0, len(cfg.Servers))
	for i := range cfg.Servers {
		server := cfg.Servers[i]
		env, err := secrets.ExpandEnv(server.Env, resolver, server.Name)
		if err != nil {
			return fmt.Errorf("server %s: %w", server.Name, err)
		}
		server.Env = env
		serverConfigs = append(serverConfigs, &server)
	}

	manager := mcp.NewManager(serverConfigs, logger)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	tools := manager.Tools()
	if len(tools) == 0 {
		fmt.Println("no tools available")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSERVER\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Tool.Name, tool.ServerName, tool.Tool.Description)
	}
	return w.Flush()
}
