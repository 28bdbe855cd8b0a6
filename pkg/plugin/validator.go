package plugin

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ValidationMode controls how strictly borderline findings are treated
type ValidationMode string

const (
	ModeStrict     ValidationMode = "strict"
	ModePermissive ValidationMode = "permissive"
)

// ValidationTarget is what a rule inspects. Metadata is always set;
// Discovery and Load are set depending on the validation phase.
type ValidationTarget struct {
	Metadata  PluginMetadata
	Discovery *PluginDiscoveryResult
	Load      *PluginLoadResult
}

// ValidationContext carries the host-side inputs every rule sees
type ValidationContext struct {
	AppVersion         string
	AllowedPermissions *PermissionSet
	Mode               ValidationMode
	DevMode            bool
}

// RuleFunc checks a target. Returning an error or panicking produces a
// synthetic error result naming the rule.
type RuleFunc func(target ValidationTarget, vctx ValidationContext) (ValidationResult, error)

// Rule is a named validation rule
type Rule struct {
	Name        string
	Description string
	Check       RuleFunc
}

// ValidatorConfig configures the validator
type ValidatorConfig struct {
	AppVersion         string
	AllowedPermissions []Permission
	Mode               ValidationMode
	EnabledRules       []string
	DisabledRules      []string
	DevMode            bool
}

// DefaultValidatorConfig returns the default validator configuration
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		AppVersion:         "1.0.0",
		AllowedPermissions: append([]Permission(nil), DefaultAllowedPermissions...),
		Mode:               ModeStrict,
		EnabledRules:       []string{"*"},
	}
}

// ValidationSummary aggregates several plugin validation results
type ValidationSummary struct {
	Total         int `json:"total"`
	Valid         int `json:"valid"`
	Invalid       int `json:"invalid"`
	TotalErrors   int `json:"totalErrors"`
	TotalWarnings int `json:"totalWarnings"`
}

// PluginValidator runs named rules against plugins
type PluginValidator struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	config  ValidatorConfig
	rules   map[string]Rule
	order   []string
	toggles []ruleToggle
}

// ruleToggle enables or disables the rules matching pattern. The last
// matching toggle decides.
type ruleToggle struct {
	pattern string
	enable  bool
}

// NewPluginValidator creates a validator with the built-in rules registered
func NewPluginValidator(logger zerolog.Logger, config ValidatorConfig) *PluginValidator {
	defaults := DefaultValidatorConfig()
	if config.AppVersion == "" {
		config.AppVersion = defaults.AppVersion
	}
	if config.AllowedPermissions == nil {
		config.AllowedPermissions = defaults.AllowedPermissions
	}
	if config.Mode == "" {
		config.Mode = defaults.Mode
	}
	if len(config.EnabledRules) == 0 {
		config.EnabledRules = defaults.EnabledRules
	}

	v := &PluginValidator{
		logger: logger.With().Str("component", "plugin-validator").Logger(),
		config: config,
		rules:  make(map[string]Rule),
	}
	for _, pattern := range config.EnabledRules {
		v.toggles = append(v.toggles, ruleToggle{pattern: pattern, enable: true})
	}
	for _, pattern := range config.DisabledRules {
		v.toggles = append(v.toggles, ruleToggle{pattern: pattern})
	}
	for _, rule := range builtinRules(NewManifestLoader(logger)) {
		v.rules[rule.Name] = rule
		v.order = append(v.order, rule.Name)
	}
	return v
}

// AddRule registers a rule, replacing any rule with the same name
func (v *PluginValidator) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	if rule.Check == nil {
		return fmt.Errorf("rule %s has no check function", rule.Name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.rules[rule.Name]; !exists {
		v.order = append(v.order, rule.Name)
	}
	v.rules[rule.Name] = rule
	return nil
}

// RemoveRule unregisters a rule by name
func (v *PluginValidator) RemoveRule(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.rules[name]; !exists {
		return false
	}
	delete(v.rules, name)
	for i, n := range v.order {
		if n == name {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
	return true
}

// EnableRule enables rules matching a name or wildcard pattern. It
// overrides earlier calls for the same rules, so DisableRule("security.*")
// followed by EnableRule("security.permissions") re-enables that one rule.
func (v *PluginValidator) EnableRule(pattern string) {
	v.toggle(pattern, true)
}

// DisableRule disables rules matching a name or wildcard pattern
func (v *PluginValidator) DisableRule(pattern string) {
	v.toggle(pattern, false)
}

func (v *PluginValidator) toggle(pattern string, enable bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := v.toggles[:0]
	for _, t := range v.toggles {
		if t.pattern != pattern {
			kept = append(kept, t)
		}
	}
	v.toggles = append(kept, ruleToggle{pattern: pattern, enable: enable})
}

// Rules returns the registered rule names in evaluation order
func (v *PluginValidator) Rules() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.order...)
}

// IsRuleEnabled reports whether a rule name is enabled
func (v *PluginValidator) IsRuleEnabled(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.isEnabled(name)
}

func (v *PluginValidator) isEnabled(name string) bool {
	for i := len(v.toggles) - 1; i >= 0; i-- {
		if matchRule(v.toggles[i].pattern, name) {
			return v.toggles[i].enable
		}
	}
	return false
}

func matchRule(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// ValidateMetadata validates bare metadata
func (v *PluginValidator) ValidateMetadata(metadata PluginMetadata) *PluginValidationResult {
	return v.run(ValidationTarget{Metadata: metadata})
}

// ValidateDiscovery validates a discovery result
func (v *PluginValidator) ValidateDiscovery(discovery *PluginDiscoveryResult) *PluginValidationResult {
	return v.run(ValidationTarget{Metadata: discovery.Metadata, Discovery: discovery})
}

// ValidateLoad validates a load result. discovery may be nil.
func (v *PluginValidator) ValidateLoad(load *PluginLoadResult, discovery *PluginDiscoveryResult) *PluginValidationResult {
	return v.run(ValidationTarget{Metadata: load.Metadata, Discovery: discovery, Load: load})
}

func (v *PluginValidator) run(target ValidationTarget) *PluginValidationResult {
	start := time.Now()

	v.mu.RLock()
	vctx := ValidationContext{
		AppVersion:         v.config.AppVersion,
		AllowedPermissions: NewPermissionSet(v.config.AllowedPermissions),
		Mode:               v.config.Mode,
		DevMode:            v.config.DevMode,
	}
	var rules []Rule
	for _, name := range v.order {
		if v.isEnabled(name) {
			rules = append(rules, v.rules[name])
		}
	}
	v.mu.RUnlock()

	result := &PluginValidationResult{
		PluginID: target.Metadata.ID,
		Results:  make([]ValidationResult, 0, len(rules)),
	}
	for _, rule := range rules {
		r := v.runRule(rule, target, vctx)
		if !r.Valid && r.Severity == SeverityError {
			result.ErrorCount++
		}
		if r.Severity == SeverityWarning {
			result.WarningCount++
		}
		result.Results = append(result.Results, r)
	}
	result.Valid = result.ErrorCount == 0
	result.Duration = time.Since(start)

	v.logger.Debug().
		Str("plugin", result.PluginID).
		Bool("valid", result.Valid).
		Int("errors", result.ErrorCount).
		Int("warnings", result.WarningCount).
		Dur("duration", result.Duration).
		Msg("Validated plugin")

	return result
}

func (v *PluginValidator) runRule(rule Rule, target ValidationTarget, vctx ValidationContext) (result ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error().Interface("panic", r).Str("rule", rule.Name).Msg("Validation rule panicked")
			result = ruleErrorResult(rule.Name, fmt.Errorf("%v", r))
		}
	}()

	r, err := rule.Check(target, vctx)
	if err != nil {
		v.logger.Error().Err(err).Str("rule", rule.Name).Msg("Validation rule failed")
		return ruleErrorResult(rule.Name, err)
	}
	if r.Rule == "" {
		r.Rule = rule.Name
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
		if !r.Valid {
			r.Severity = SeverityError
		}
	}
	return r
}

func ruleErrorResult(rule string, err error) ValidationResult {
	return ValidationResult{
		Valid:    false,
		Severity: SeverityError,
		Message:  fmt.Sprintf("Validation rule error: %v", err),
		Rule:     rule,
	}
}

// Summary aggregates validation results
func Summary(results []*PluginValidationResult) ValidationSummary {
	var s ValidationSummary
	for _, r := range results {
		if r == nil {
			continue
		}
		s.Total++
		if r.Valid {
			s.Valid++
		} else {
			s.Invalid++
		}
		s.TotalErrors += r.ErrorCount
		s.TotalWarnings += r.WarningCount
	}
	return s
}

// QuickValidateMetadata checks required fields and formats without running the rule engine
func QuickValidateMetadata(metadata PluginMetadata) (bool, []string) {
	var errs []string
	if metadata.ID == "" {
		errs = append(errs, "Missing required field: id")
	} else if !pluginIDRegex.MatchString(metadata.ID) {
		errs = append(errs, fmt.Sprintf("Invalid plugin id format: %s", metadata.ID))
	}
	if metadata.Name == "" {
		errs = append(errs, "Missing required field: name")
	}
	if metadata.Version == "" {
		errs = append(errs, "Missing required field: version")
	} else if !semverRegex.MatchString(metadata.Version) {
		errs = append(errs, fmt.Sprintf("Invalid version format: %s", metadata.Version))
	}
	return len(errs) == 0, errs
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
