package cli

import (
	"fmt"

	"github.com/hunmer/mira-launcher-sub001/internal/config"
	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/spf13/cobra"
)

var (
	discoverDirs   []string
	discoverOutput string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the plugins found in the plugin directories",
	Long: `Scan the configured plugin directories for plugin manifests and list
every plugin found, including the ones whose manifest is invalid.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringArrayVar(&discoverDirs, "dir", nil, "plugin directory to scan instead of the configured ones (repeatable)")
	discoverCmd.Flags().StringVarP(&discoverOutput, "output", "o", OutputTable, "output format (table, json, yaml)")
	rootCmd.AddCommand(discoverCmd)
}

// discoverReport is the structured output of the discover command
type discoverReport struct {
	Plugins []*plugin.PluginDiscoveryResult `json:"plugins" yaml:"plugins"`
	Stats   plugin.DiscoveryStats           `json:"stats" yaml:"stats"`
}

func overrideDirectories(dirs []string) func(*config.Config) {
	return func(cfg *config.Config) {
		if len(dirs) > 0 {
			cfg.Plugins.Directories = append([]string(nil), dirs...)
		}
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(discoverOutput); err != nil {
		return err
	}

	s, err := newSession(cmd, overrideDirectories(discoverDirs))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := tracing.NewRequestContext(cmd.Context())
	discovery := s.newDiscovery()
	plugins, err := discovery.DiscoverPlugins(ctx)
	if err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}

	report := discoverReport{Plugins: plugins, Stats: discovery.GetStats()}
	if report.Plugins == nil {
		report.Plugins = []*plugin.PluginDiscoveryResult{}
	}

	out := cmd.OutOrStdout()
	if discoverOutput != OutputTable {
		return writeStructured(out, discoverOutput, report)
	}

	rows := make([][]string, 0, len(plugins))
	for _, p := range plugins {
		rows = append(rows, []string{
			p.Metadata.ID,
			p.Metadata.Name,
			p.Metadata.Version,
			statusLabel(p.IsValid, "valid", "invalid"),
			p.PluginPath,
			joinOrDash(p.Errors),
		})
	}
	if err := writeTable(out, []string{"ID", "NAME", "VERSION", "STATUS", "PATH", "ERRORS"}, rows); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d plugins found, %d valid, %d invalid\n",
		report.Stats.Total, report.Stats.Valid, report.Stats.Invalid)
	return err
}
