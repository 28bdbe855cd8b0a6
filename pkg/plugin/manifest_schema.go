package plugin

// ManifestSchema is the JSON Schema for plugin.json. Presence of required
// fields and their formats are reported by discovery and the validator, so
// the schema only constrains types.
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "id": {
      "type": "string",
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "description": "Human-readable plugin name"
    },
    "version": {
      "type": "string",
      "description": "Semantic version"
    },
    "description": {
      "type": "string"
    },
    "author": {
      "type": "string"
    },
    "entry": {
      "type": "string",
      "description": "Entry file path relative to the plugin directory"
    },
    "dependencies": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "permissions": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "minAppVersion": {
      "type": "string"
    },
    "keywords": {
      "type": "array",
      "items": { "type": "string" }
    }
  }
}`
