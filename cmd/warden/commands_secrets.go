package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/internal/secrets"
)

func buildSecretsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "List enumerated secret keys",
		Long: `List the secret keys the policy enumerates and whether each has a
value in the environment (WARDEN_SECRET_<KEY>). Values are never
printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecrets(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runSecrets(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	source := secrets.NewEnvSource(cfg.Policy.SecretKeys)
	keys := source.Keys()
	if len(keys) == 0 {
		fmt.Println("no secret keys enumerated in policy")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS")
	for _, key := range keys {
		status := "set"
		if _, err := source.Read(key); err != nil {
			status = "unset"
		}
		fmt.Fprintf(w, "%s\t%s\n", key, status)
	}
	return w.Flush()
}
