package plugin

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestLoader reads plugin.json files and checks them against ManifestSchema
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a new manifest loader
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
}

// LoadManifest reads and parses a manifest file. Schema violations are
// returned alongside the manifest; err is set only when the file cannot be
// read or decoded at all.
func (m *ManifestLoader) LoadManifest(path string) (*PluginManifest, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return m.ParseManifest(data)
}

// ParseManifest parses manifest JSON
func (m *ManifestLoader) ParseManifest(data []byte) (*PluginManifest, []string, error) {
	if !json.Valid(data) {
		return nil, nil, fmt.Errorf("failed to parse manifest JSON: invalid JSON")
	}

	schemaErrors, err := m.ValidateSchema(data)
	if err != nil {
		return nil, nil, err
	}

	var manifest PluginManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, schemaErrors, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}
	if manifest.Dependencies == nil {
		manifest.Dependencies = []string{}
	}
	if manifest.Permissions == nil {
		manifest.Permissions = []string{}
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Int("schema_errors", len(schemaErrors)).
		Msg("Parsed manifest")

	return &manifest, schemaErrors, nil
}

// ValidateSchema returns one message per schema violation
func (m *ManifestLoader) ValidateSchema(data []byte) ([]string, error) {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("Schema: %s", e.String()))
	}
	return msgs, nil
}
