//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ByteMirror/lockstep/config"
	"github.com/ByteMirror/lockstep/log"
)

const pidFileName = "monitor.pid"

// getSysProcAttr returns process attributes for detaching the child process
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

// LaunchDaemon starts a detached copy of the current binary running the
// monitor loop and records its pid.
func LaunchDaemon() error {
	if pid, err := readPID(); err == nil && processExists(pid) {
		return fmt.Errorf("monitor daemon already running with pid %d", pid)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find own executable: %w", err)
	}

	cmd := exec.Command(execPath, "monitor", "--foreground")
	cmd.SysProcAttr = getSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start monitor daemon: %w", err)
	}

	if err := writePID(cmd.Process.Pid); err != nil {
		return fmt.Errorf("failed to write monitor pid file: %w", err)
	}

	log.InfoLog.Printf("monitor daemon started with pid %d", cmd.Process.Pid)
	return nil
}

// StopDaemon kills a running monitor daemon, if any.
func StopDaemon() error {
	pid, err := readPID()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if processExists(pid) {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to stop monitor daemon (pid %d): %w", pid, err)
		}
		log.InfoLog.Printf("stopped monitor daemon (pid %d)", pid)
	}

	return removePIDFile()
}

func pidFilePath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

func writePID(pid int) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	path, err := pidFilePath()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed monitor pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePIDFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
