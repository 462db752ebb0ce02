// Background process management for the widget server.
//
// Usage:
//
//	convai-widget server start     start as background daemon
//	convai-widget server stop      send SIGTERM
//	convai-widget server restart   stop, then start
//	convai-widget server status    check the running process
//	convai-widget server           run in the foreground

package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/convai-widget/internal/utils"
)

const (
	pidFileName = "convai-widget.pid"
	logFileName = "convai-widget.log"
)

func init() {
	serverCmd.AddCommand(startCmd)
	serverCmd.AddCommand(stopCmd)
	serverCmd.AddCommand(restartCmd)
	serverCmd.AddCommand(serverStatusCmd)
}

// --- PID file helpers ---

func pidFilePath() string {
	return filepath.Join(utils.GetDataPath(), pidFileName)
}

func writePID(pid int) error {
	if _, err := utils.EnsureDir(utils.GetDataPath()); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

// isRunning checks if a process with the given PID is alive.
func isRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// getRunningPID returns the live server PID, cleaning up a stale PID file.
func getRunningPID() (int, bool) {
	pid, err := readPID()
	if err != nil {
		return 0, false
	}
	if !isRunning(pid) {
		removePID()
		return 0, false
	}
	return pid, true
}

// spawnServer re-executes this binary as a detached foreground server,
// forwarding any server flags that were set.
func spawnServer(cmd *cobra.Command, exe string) (*os.Process, string, error) {
	args := []string{"server"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	for _, name := range []string{"port", "host", "agent", "static-dir", "widget-dir"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			args = append(args, "--"+name, f.Value.String())
		}
	}

	logDir, err := utils.EnsureDir(utils.GetDataPath())
	if err != nil {
		return nil, "", err
	}
	logFile := filepath.Join(logDir, logFileName)
	outFile, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("cannot open log file: %w", err)
	}
	defer outFile.Close()

	proc := exec.Command(exe, args...)
	proc.Stdout = outFile
	proc.Stderr = outFile
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc.Env = os.Environ()

	if err := proc.Start(); err != nil {
		return nil, "", fmt.Errorf("failed to start server: %w", err)
	}
	return proc.Process, logFile, nil
}

// stopServer sends SIGTERM and escalates to SIGKILL after timeout.
func stopServer(pid int, timeout time.Duration) {
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGTERM)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isRunning(pid) {
			removePID()
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	if proc, err := os.FindProcess(pid); err == nil {
		proc.Signal(syscall.SIGKILL)
	}
	time.Sleep(500 * time.Millisecond)
	removePID()
}

// --- Subcommands ---

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the widget server as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := getRunningPID(); ok {
			return fmt.Errorf("convai-widget server is already running (PID %d)", pid)
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot find executable: %w", err)
		}

		proc, logFile, err := spawnServer(cmd, exe)
		if err != nil {
			return err
		}
		pid := proc.Pid
		proc.Release()
		if err := writePID(pid); err != nil {
			return fmt.Errorf("write PID file: %w", err)
		}

		fmt.Printf("✅ Server started (PID %d)\n", pid)
		fmt.Printf("   PID file: %s\n", pidFilePath())
		fmt.Printf("   Log: %s\n", logFile)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running widget server",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, ok := getRunningPID()
		if !ok {
			fmt.Println("ℹ️ convai-widget server is not running")
			return nil
		}
		fmt.Printf("🛑 Stopping server (PID %d)...\n", pid)
		stopServer(pid, 10*time.Second)
		fmt.Println("✅ Server stopped")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the widget server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pid, ok := getRunningPID(); ok {
			fmt.Printf("🔄 Restarting server (PID %d)...\n", pid)
			stopServer(pid, 10*time.Second)
		}
		return startCmd.RunE(cmd, args)
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the widget server process",
	Run: func(cmd *cobra.Command, args []string) {
		pid, ok := getRunningPID()
		if !ok {
			fmt.Println("⚫ convai-widget server is not running")
			return
		}
		fmt.Printf("✅ convai-widget server running (PID %d)\n", pid)
		fmt.Printf("   PID file: %s\n", pidFilePath())

		logFile := filepath.Join(utils.GetDataPath(), logFileName)
		if data, err := os.ReadFile(logFile); err == nil {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			start := len(lines) - 5
			if start < 0 {
				start = 0
			}
			fmt.Println("   Last log lines:")
			for _, l := range lines[start:] {
				fmt.Printf("     %s\n", l)
			}
		}
	},
}
