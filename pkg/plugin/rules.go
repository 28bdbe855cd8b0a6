package plugin

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	// pluginIDRegex validates plugin ID format
	pluginIDRegex = regexp.MustCompile(`^[a-z0-9-_]+$`)

	// semverRegex validates x.y.z with optional pre-release and build suffixes
	semverRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[a-zA-Z0-9.-]+)?(?:\+[a-zA-Z0-9.-]+)?$`)
)

// Built-in rule names
const (
	RuleRequiredFields       = "metadata.required-fields"
	RuleMetadataFormat       = "metadata.format"
	RuleVersionFormat        = "metadata.version-format"
	RuleIDFormat             = "metadata.id-format"
	RuleAppVersion           = "compatibility.app-version"
	RuleDependencies         = "compatibility.dependencies"
	RulePermissions          = "security.permissions"
	RuleDangerousPermissions = "security.dangerous-permissions"
	RuleClassStructure       = "plugin.class-structure"
	RuleLifecycleMethods     = "plugin.lifecycle-methods"
	RuleEntryExists          = "files.entry-exists"
	RuleManifestIntegrity    = "files.manifest-integrity"
)

func pass(message string) (ValidationResult, error) {
	return ValidationResult{Valid: true, Severity: SeverityInfo, Message: message}, nil
}

func fail(message string, details map[string]any) (ValidationResult, error) {
	return ValidationResult{Valid: false, Severity: SeverityError, Message: message, Details: details}, nil
}

func builtinRules(manifests *ManifestLoader) []Rule {
	return []Rule{
		{
			Name:        RuleRequiredFields,
			Description: "id, name and version must be present",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				var missing []string
				if strings.TrimSpace(t.Metadata.ID) == "" {
					missing = append(missing, "id")
				}
				if strings.TrimSpace(t.Metadata.Name) == "" {
					missing = append(missing, "name")
				}
				if strings.TrimSpace(t.Metadata.Version) == "" {
					missing = append(missing, "version")
				}
				if len(missing) > 0 {
					return fail(fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
						map[string]any{"missing": missing})
				}
				return pass("All required fields are present")
			},
		},
		{
			Name:        RuleMetadataFormat,
			Description: "list fields must not contain blank or duplicate entries",
			Check:       checkMetadataFormat,
		},
		{
			Name:        RuleVersionFormat,
			Description: "version must be semantic",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				if t.Metadata.Version == "" {
					return pass("No version to check")
				}
				if !semverRegex.MatchString(t.Metadata.Version) {
					return fail(fmt.Sprintf("Invalid version format: %s (expected x.y.z)", t.Metadata.Version),
						map[string]any{"version": t.Metadata.Version})
				}
				return pass("Version format is valid")
			},
		},
		{
			Name:        RuleIDFormat,
			Description: "id must be lowercase alphanumeric with hyphens or underscores",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				if t.Metadata.ID == "" {
					return pass("No id to check")
				}
				if !pluginIDRegex.MatchString(t.Metadata.ID) {
					return fail(fmt.Sprintf("Invalid plugin id format: %s", t.Metadata.ID),
						map[string]any{"id": t.Metadata.ID})
				}
				return pass("Plugin id format is valid")
			},
		},
		{
			Name:        RuleAppVersion,
			Description: "minAppVersion must not exceed the host version",
			Check:       checkAppVersion,
		},
		{
			Name:        RuleDependencies,
			Description: "dependencies must not reference the plugin itself",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				for _, dep := range t.Metadata.Dependencies {
					if dep == t.Metadata.ID {
						return fail(fmt.Sprintf("Plugin %s depends on itself", dep), map[string]any{"dependency": dep})
					}
				}
				return pass(fmt.Sprintf("%d dependencies declared", len(t.Metadata.Dependencies)))
			},
		},
		{
			Name:        RulePermissions,
			Description: "permissions must be in the allow-list",
			Check: func(t ValidationTarget, vctx ValidationContext) (ValidationResult, error) {
				denied := vctx.AllowedPermissions.Disallowed(t.Metadata.Permissions)
				if len(denied) > 0 {
					return fail(fmt.Sprintf("Permission not allowed: %s", strings.Join(denied, ", ")),
						map[string]any{"denied": denied, "allowed": vctx.AllowedPermissions.List()})
				}
				return pass("All permissions are allowed")
			},
		},
		{
			Name:        RuleDangerousPermissions,
			Description: "system, file-system and network permissions are flagged",
			Check: func(t ValidationTarget, vctx ValidationContext) (ValidationResult, error) {
				var dangerous []string
				for _, perm := range t.Metadata.Permissions {
					if IsDangerous(perm) {
						dangerous = append(dangerous, perm)
					}
				}
				if len(dangerous) == 0 {
					return pass("No dangerous permissions requested")
				}
				severity := SeverityWarning
				if vctx.Mode == ModeStrict {
					severity = SeverityError
				}
				return ValidationResult{
					Valid:    severity != SeverityError,
					Severity: severity,
					Message:  fmt.Sprintf("Dangerous permissions requested: %s", strings.Join(dangerous, ", ")),
					Details:  map[string]any{"permissions": dangerous, "mode": string(vctx.Mode)},
				}, nil
			},
		},
		{
			Name:        RuleClassStructure,
			Description: "the loaded class must satisfy the plugin contract",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				if t.Load == nil {
					return pass("No load result, skipped")
				}
				class := t.Load.PluginClass
				if class == nil {
					return fail("Plugin class is not available", nil)
				}
				if !hasContractMethods(class) {
					return fail(fmt.Sprintf("Plugin class %s does not implement the plugin contract", class.Name),
						map[string]any{"methods": class.Methods()})
				}
				return pass(fmt.Sprintf("Plugin class %s is valid", class.Name))
			},
		},
		{
			Name:        RuleLifecycleMethods,
			Description: "OnLoad, OnActivate, OnDeactivate and OnUnload must exist",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				if t.Load == nil || t.Load.PluginClass == nil {
					return pass("No plugin class, skipped")
				}
				var missing []string
				for _, m := range LifecycleMethods {
					if !t.Load.PluginClass.HasMethod(m) {
						missing = append(missing, m)
					}
				}
				if len(missing) > 0 {
					return fail(fmt.Sprintf("Missing lifecycle methods: %s", strings.Join(missing, ", ")),
						map[string]any{"missing": missing})
				}
				return pass("All lifecycle methods are present")
			},
		},
		{
			Name:        RuleEntryExists,
			Description: "the entry file found during discovery must exist",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				if t.Discovery == nil {
					return pass("No discovery result, skipped")
				}
				if t.Discovery.EntryPath == "" {
					return fail("Entry file is not declared", nil)
				}
				for _, e := range t.Discovery.Errors {
					if strings.HasPrefix(e, "Entry file not found") {
						return fail(e, map[string]any{"entryPath": t.Discovery.EntryPath})
					}
				}
				return pass("Entry file exists")
			},
		},
		{
			Name:        RuleManifestIntegrity,
			Description: "the manifest on disk must still parse and match the schema",
			Check: func(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
				if t.Discovery == nil || t.Discovery.ManifestPath == "" {
					return pass("No manifest path, skipped")
				}
				manifest, schemaErrors, err := manifests.LoadManifest(t.Discovery.ManifestPath)
				if err != nil {
					return fail(fmt.Sprintf("Manifest cannot be read: %v", err), nil)
				}
				if len(schemaErrors) > 0 {
					return fail("Manifest does not match schema", map[string]any{"errors": schemaErrors})
				}
				if manifest.ID != t.Metadata.ID {
					return fail(fmt.Sprintf("Manifest id changed on disk: %s != %s", manifest.ID, t.Metadata.ID), nil)
				}
				return pass("Manifest is intact")
			},
		},
	}
}

func checkMetadataFormat(t ValidationTarget, _ ValidationContext) (ValidationResult, error) {
	var problems []string
	check := func(field string, values []string) {
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				problems = append(problems, fmt.Sprintf("%s contains a blank entry", field))
				continue
			}
			if seen[v] {
				problems = append(problems, fmt.Sprintf("%s contains duplicate %q", field, v))
			}
			seen[v] = true
		}
	}
	check("dependencies", t.Metadata.Dependencies)
	check("permissions", t.Metadata.Permissions)
	check("keywords", t.Metadata.Keywords)

	if t.Metadata.Name != "" && strings.TrimSpace(t.Metadata.Name) != t.Metadata.Name {
		problems = append(problems, "name has leading or trailing whitespace")
	}

	if len(problems) > 0 {
		return fail(fmt.Sprintf("Invalid metadata format: %s", strings.Join(problems, "; ")),
			map[string]any{"problems": problems})
	}
	return pass("Metadata format is valid")
}

func checkAppVersion(t ValidationTarget, vctx ValidationContext) (ValidationResult, error) {
	if t.Metadata.MinAppVersion == "" {
		return ValidationResult{
			Valid:    true,
			Severity: SeverityWarning,
			Message:  "No minimum app version specified",
		}, nil
	}

	cmp, err := compareVersions(vctx.AppVersion, t.Metadata.MinAppVersion)
	if err != nil {
		return ValidationResult{}, err
	}
	if cmp < 0 {
		return fail(fmt.Sprintf("Plugin requires app version %s or newer, current: %s",
			t.Metadata.MinAppVersion, vctx.AppVersion),
			map[string]any{"required": t.Metadata.MinAppVersion, "current": vctx.AppVersion})
	}
	return pass("App version is compatible")
}

// compareVersions returns -1, 0 or 1 comparing numeric components only.
// Pre-release and build suffixes are ignored, so 1.0.0-rc.1 satisfies 1.0.0.
func compareVersions(a, b string) (int, error) {
	pa, err := numericParts(a)
	if err != nil {
		return 0, err
	}
	pb, err := numericParts(b)
	if err != nil {
		return 0, err
	}
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y uint64
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

// numericParts parses with semver when it can and splits on dots otherwise,
// which keeps versions like 1.2.3.4 comparable
func numericParts(v string) ([]uint64, error) {
	if sv, err := semver.NewVersion(v); err == nil {
		return []uint64{sv.Major(), sv.Minor(), sv.Patch()}, nil
	}
	core := strings.SplitN(strings.SplitN(v, "+", 2)[0], "-", 2)[0]
	fields := strings.Split(core, ".")
	parts := make([]uint64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q", v)
		}
		parts = append(parts, n)
	}
	return parts, nil
}

func hasContractMethods(class *Class) bool {
	return class.Nominal ||
		class.HasMethod(MethodGetMetadata) ||
		class.HasMethod(MethodOnLoad) ||
		class.HasMethod(MethodOnActivate)
}
