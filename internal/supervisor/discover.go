package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	ps "github.com/mitchellh/go-ps"
)

// Overridable for tests.
var (
	listProcesses = ps.Processes
	readCmdline   = procCmdline
)

// procCmdline reads a process command line from /proc.
func procCmdline(pid int) ([]string, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline")) //nolint:gosec // G304 - fixed /proc layout
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, nil
	}
	parts := bytes.Split(data, []byte{0})
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		args = append(args, string(p))
	}
	return args, nil
}

// findRunning looks for a process named like executable that listens on
// port, i.e. whose command line carries "-P <port>". Returns 0 if none.
func findRunning(executable string, port int) (int, error) {
	procs, err := listProcesses()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	name := filepath.Base(executable)
	for _, p := range procs {
		if p.Executable() != name {
			continue
		}
		args, err := readCmdline(p.Pid())
		if err != nil {
			continue
		}
		if hasPortFlag(args, port) {
			return p.Pid(), nil
		}
	}
	return 0, nil
}

// hasPortFlag reports whether args contain "-P <port>" or "--tcp-port=<port>".
func hasPortFlag(args []string, port int) bool {
	want := strconv.Itoa(port)
	for i, a := range args {
		switch {
		case (a == "-P" || a == "--tcp-port") && i+1 < len(args) && args[i+1] == want:
			return true
		case a == "-P"+want || a == "--tcp-port="+want:
			return true
		}
	}
	return false
}
