package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/hunmer/mira-launcher-sub001/internal/tracing"
	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/spf13/cobra"
)

var (
	validateDirs   []string
	validateOutput string
)

// ErrInvalidPlugins is returned by the validate command when any plugin fails
var ErrInvalidPlugins = errors.New("one or more plugins are invalid")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the plugins found in the plugin directories",
	Long: `Discover plugins and run the validation rules and dependency checks
against each one without loading any code. Exits with an error when any
plugin is invalid.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringArrayVar(&validateDirs, "dir", nil, "plugin directory to scan instead of the configured ones (repeatable)")
	validateCmd.Flags().StringVarP(&validateOutput, "output", "o", OutputTable, "output format (table, json, yaml)")
	rootCmd.AddCommand(validateCmd)
}

// pluginValidation is the validate command's verdict for one plugin
type pluginValidation struct {
	PluginID     string                         `json:"pluginId" yaml:"pluginId"`
	Path         string                         `json:"path" yaml:"path"`
	Valid        bool                           `json:"valid" yaml:"valid"`
	Errors       []string                       `json:"errors" yaml:"errors"`
	Warnings     []string                       `json:"warnings" yaml:"warnings"`
	Dependencies plugin.DependencyCheck         `json:"dependencies" yaml:"dependencies"`
	Validation   *plugin.PluginValidationResult `json:"validation,omitempty" yaml:"validation,omitempty"`
}

type validateReport struct {
	Plugins []pluginValidation       `json:"plugins" yaml:"plugins"`
	Summary plugin.ValidationSummary `json:"summary" yaml:"summary"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(validateOutput); err != nil {
		return err
	}

	s, err := newSession(cmd, overrideDirectories(validateDirs))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := tracing.NewRequestContext(cmd.Context())
	discovery := s.newDiscovery()
	discovered, err := discovery.DiscoverPlugins(ctx)
	if err != nil {
		return fmt.Errorf("plugin discovery failed: %w", err)
	}
	validator := plugin.NewPluginValidator(s.logger, s.cfg.RuntimeConfig().Validator)

	report := validateReport{Plugins: make([]pluginValidation, 0, len(discovered))}
	var results []*plugin.PluginValidationResult
	for _, d := range discovered {
		report.Plugins = append(report.Plugins, validateOne(discovery, validator, d))
	}
	for _, p := range report.Plugins {
		results = append(results, &plugin.PluginValidationResult{
			PluginID:     p.PluginID,
			Valid:        p.Valid,
			ErrorCount:   len(p.Errors),
			WarningCount: len(p.Warnings),
		})
	}
	report.Summary = plugin.Summary(results)

	if err := writeValidateReport(cmd, report); err != nil {
		return err
	}
	if report.Summary.Invalid > 0 {
		return ErrInvalidPlugins
	}
	return nil
}

func validateOne(discovery *plugin.PluginDiscovery, validator *plugin.PluginValidator, d *plugin.PluginDiscoveryResult) pluginValidation {
	pv := pluginValidation{
		PluginID: d.Metadata.ID,
		Path:     d.PluginPath,
		Errors:   []string{},
		Warnings: []string{},
	}
	if !d.IsValid {
		pv.Errors = append(pv.Errors, d.Errors...)
		return pv
	}

	pv.Validation = validator.ValidateDiscovery(d)
	for _, r := range pv.Validation.Results {
		switch {
		case r.Severity == plugin.SeverityWarning:
			pv.Warnings = append(pv.Warnings, r.Message)
		case !r.Valid:
			pv.Errors = append(pv.Errors, r.Message)
		}
	}

	pv.Dependencies = discovery.CheckDependencies(d)
	for _, dep := range pv.Dependencies.Missing {
		pv.Errors = append(pv.Errors, fmt.Sprintf("missing dependency: %s", dep))
	}
	if len(pv.Dependencies.Circular) > 0 {
		cycle := append(append([]string{}, pv.Dependencies.Circular...), pv.Dependencies.Circular[0])
		pv.Errors = append(pv.Errors, (&plugin.CycleError{Cycle: cycle}).Error())
	}

	pv.Valid = pv.Validation.Valid && pv.Dependencies.Satisfied
	return pv
}

func writeValidateReport(cmd *cobra.Command, report validateReport) error {
	out := cmd.OutOrStdout()
	if validateOutput != OutputTable {
		return writeStructured(out, validateOutput, report)
	}

	rows := make([][]string, 0, len(report.Plugins))
	for _, p := range report.Plugins {
		rows = append(rows, []string{
			p.PluginID,
			statusLabel(p.Valid, "valid", "invalid"),
			strconv.Itoa(len(p.Errors)),
			strconv.Itoa(len(p.Warnings)),
			joinOrDash(append(append([]string{}, p.Errors...), p.Warnings...)),
		})
	}
	if err := writeTable(out, []string{"ID", "STATUS", "ERRORS", "WARNINGS", "DETAILS"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d plugins validated, %d valid, %d invalid, %d errors, %d warnings\n",
		report.Summary.Total, report.Summary.Valid, report.Summary.Invalid,
		report.Summary.TotalErrors, report.Summary.TotalWarnings)
	return err
}
