package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running plugin runtime",
	Long: `Stop a plugin runtime started with "mira run".
Sends SIGTERM so every plugin is deactivated and unloaded, and waits for the
process to exit.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the runtime to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	statusPath := statusFilePath(s.cfg.DataDir)
	status, err := readStatusFile(statusPath)
	if err != nil {
		return err
	}
	if status == nil || !isRunning(status.PID) {
		if status != nil {
			os.Remove(statusPath)
		}
		fmt.Fprintln(out, "Plugin runtime is not running")
		return nil
	}

	process, err := os.FindProcess(status.PID)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	// Wait for process to stop with timeout
	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(status.PID) {
			fmt.Fprintln(out, "Plugin runtime stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	os.Remove(statusPath)
	fmt.Fprintln(out, "Plugin runtime killed")
	return nil
}
