package cli

import (
	"fmt"
	"os"

	"github.com/hunmer/mira-launcher-sub001/internal/config"
	"github.com/spf13/cobra"
)

var (
	configForce  bool
	configOutput string
)

var configureCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or initialise the configuration",
	Long: `Inspect the effective configuration, after defaults, the config file and
MIRA_* environment overrides have been applied, or write a default config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

func init() {
	configShowCmd.Flags().StringVarP(&configOutput, "output", "o", OutputJSON, "output format (json, yaml)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")

	configureCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configureCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if configOutput != OutputJSON && configOutput != OutputYAML {
		return fmt.Errorf("unsupported output format %q (expected json or yaml)", configOutput)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cfg.Registry.RedisPassword != "" {
		cfg.Registry.RedisPassword = "[REDACTED]"
	}
	return writeStructured(cmd.OutOrStdout(), configOutput, cfg)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}
	if _, err := os.Stat(configPath); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	// Paths stay empty so they are derived from the data dir on load
	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", configPath)
	fmt.Fprintln(cmd.OutOrStdout(), "You can now start the plugin runtime with: mira run")
	return nil
}
