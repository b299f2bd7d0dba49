package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDInfo is the backend process metadata stored in the PID file.
type PIDInfo struct {
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Executable string    `json:"executable,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// WritePIDFile writes process information to the PID file in JSON format.
func WritePIDFile(path string, info PIDInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal PID info: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile reads process information from the PID file.
// A file holding a bare integer is accepted as well.
func ReadPIDFile(path string) (PIDInfo, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from configured state directory
	if err != nil {
		// Return error without wrapping to preserve os.IsNotExist check
		return PIDInfo{}, err
	}

	var info PIDInfo
	if err := json.Unmarshal(data, &info); err == nil {
		return info, nil
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return PIDInfo{}, fmt.Errorf("invalid PID file format: %w", err)
	}
	return PIDInfo{PID: pid}, nil
}

// CheckPIDFile reports whether the PID file exists and names a live process.
// A missing file is not an error.
func CheckPIDFile(path string) (bool, PIDInfo, error) {
	info, err := ReadPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, PIDInfo{}, nil
		}
		return false, PIDInfo{}, err
	}
	return isProcessRunning(info.PID), info, nil
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 only checks existence and permissions.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else.
	return err == syscall.EPERM
}
