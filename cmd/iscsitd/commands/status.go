package commands

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusPidFile    string
	statusMetricsPort int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long: `Display the current status of the iscsitd daemon.

This command checks the PID file for a running process and probes the
Prometheus metrics port (--metrics-port) to confirm the process is
actually accepting connections rather than just present.

Examples:
  # Check status (uses default settings)
  iscsitd status

  # Check status with custom metrics port
  iscsitd status --metrics-port 9091`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/iscsitd/iscsitd.pid)")
	statusCmd.Flags().IntVar(&statusMetricsPort, "metrics-port", 9090, "Prometheus metrics port to probe")
}

func runStatus(cmd *cobra.Command, args []string) error {
	running, pid := checkPidFile()
	reachable := probeMetricsPort(statusMetricsPort)

	printStatus(running, pid, reachable)
	return nil
}

// checkPidFile returns whether the PID file names a live process.
func checkPidFile() (running bool, pid int) {
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}

	pid, err = strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}

	return true, pid
}

// probeMetricsPort reports whether something is listening on the
// metrics port, a lightweight proxy for "the daemon is serving".
func probeMetricsPort(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func printStatus(running bool, pid int, reachable bool) {
	fmt.Println()
	fmt.Println("iscsitd Server Status")
	fmt.Println("======================")
	fmt.Println()

	switch {
	case running && reachable:
		fmt.Printf("  Status:     \033[32m● Running\033[0m\n")
		fmt.Printf("  PID:        %d\n", pid)
	case running:
		fmt.Printf("  Status:     \033[33m● Running (metrics port unreachable)\033[0m\n")
		fmt.Printf("  PID:        %d\n", pid)
	default:
		fmt.Printf("  Status:     \033[31m○ Stopped\033[0m\n")
	}

	fmt.Println()
}
