package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/spf13/cobra"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show plugin runtime status",
	Long:  `Show the status of a running plugin runtime and its plugins.`,
	RunE:  runStatusCmd,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", OutputTable, "output format (table, json, yaml)")
	rootCmd.AddCommand(statusCmd)
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	if err := checkOutputFormat(statusOutput); err != nil {
		return err
	}

	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	status, err := readStatusFile(statusFilePath(s.cfg.DataDir))
	if err != nil {
		return err
	}
	if status == nil || !isRunning(status.PID) {
		if statusOutput != OutputTable {
			return writeStructured(out, statusOutput, map[string]any{"running": false})
		}
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	if statusOutput != OutputTable {
		return writeStructured(out, statusOutput, status)
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", status.PID)
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(status.StartedAt)))
	fmt.Fprintf(out, "Plugins: %s\n", formatStates(status.Plugins))
	if status.HotReload != nil {
		st := status.HotReload.Stats
		fmt.Fprintf(out, "Hot reload: %d reloads, %d succeeded, %d failed\n",
			st.TotalReloads, st.SuccessfulReloads, st.FailedReloads)
	}

	if len(status.Plugins) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(status.Plugins))
	for _, p := range status.Plugins {
		errMsg := p.Error
		if errMsg == "" {
			errMsg = "-"
		}
		rows = append(rows, []string{p.ID, p.Version, string(p.State), strconv.Itoa(p.Activations), errMsg})
	}
	return writeTable(out, []string{"ID", "VERSION", "STATE", "ACTIVATIONS", "ERROR"}, rows)
}

// formatStates summarises how many plugins are in each state
func formatStates(plugins []pluginStatus) string {
	byState := make(map[plugin.PluginState]int)
	for _, p := range plugins {
		byState[p.State]++
	}

	parts := make([]string, 0, len(byState))
	for _, state := range []plugin.PluginState{
		plugin.StateActive, plugin.StateLoaded, plugin.StateRegistered,
		plugin.StateInactive, plugin.StateError,
	} {
		if n := byState[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, state))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
