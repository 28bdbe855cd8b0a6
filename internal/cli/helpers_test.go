package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const luaPluginSource = `
local Plugin = { id = plugin.id, name = plugin.name, version = plugin.version }

function Plugin:onLoad() end

function Plugin:onActivate()
  self.greeting = "hello from " .. plugin.id
end

function Plugin:onDeactivate() end

function Plugin:onUnload() end

return Plugin
`

// resetFlags puts every flag back to its default. The command tree is
// package state, so values would otherwise leak between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// setContext sets ctx on every command. Cobra only hands the root context
// to a subcommand that has none, so a stale one would otherwise stick.
func setContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		setContext(c, ctx)
	}
}

// executeCommand runs the root command with args and returns its stdout
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	err := executeCommandContext(t, context.Background(), out, args...)
	return out.String(), err
}

func executeCommandContext(t *testing.T, ctx context.Context, out io.Writer, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	setContext(rootCmd, ctx)

	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

// setupDataDir points the configuration at a fresh data directory and
// returns its plugin directory
func setupDataDir(t *testing.T) (dataDir, pluginsDir string) {
	t.Helper()
	dataDir = t.TempDir()
	t.Setenv("HOME", dataDir)
	t.Setenv("MIRA_DATA_DIR", dataDir)
	t.Setenv("MIRA_LOGGING_LEVEL", "error")

	pluginsDir = filepath.Join(dataDir, "plugins")
	require.NoError(t, os.MkdirAll(pluginsDir, 0755))
	return dataDir, pluginsDir
}

// writeLuaPlugin creates <pluginsDir>/<id> with a manifest and a Lua entry.
// An empty source writes the manifest only.
func writeLuaPlugin(t *testing.T, pluginsDir, id, source string, deps ...string) string {
	t.Helper()
	if deps == nil {
		deps = []string{}
	}
	dir := filepath.Join(pluginsDir, id)
	require.NoError(t, os.MkdirAll(dir, 0755))

	manifest, err := json.MarshalIndent(map[string]any{
		"id":           id,
		"name":         strings.ToUpper(id[:1]) + id[1:],
		"version":      "1.0.0",
		"entry":        "main.lua",
		"dependencies": deps,
		"permissions":  []string{},
	}, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), manifest, 0644))

	if source != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(source), 0644))
	}
	return dir
}
