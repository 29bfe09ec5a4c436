package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/iambrandonn/cadence/internal/config"
	"github.com/iambrandonn/cadence/internal/store"
)

// DirName is the state directory kept at the project root.
const DirName = ".cadence"

const pidFile = "cadence.pid"

// ErrNoWorkspace is returned when no .cadence directory exists up-tree.
var ErrNoWorkspace = errors.New("no .cadence directory found; run 'cadence start <goal>' in your project")

// findWorkspace walks up from the working directory looking for .cadence.
func findWorkspace() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoWorkspace
		}
		dir = parent
	}
}

// initWorkspace creates the .cadence namespace under the working directory
// and seeds a default config when none exists.
func initWorkspace() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root := filepath.Join(cwd, DirName)

	for _, sub := range []string{
		store.KindJournal,
		store.KindFeedback,
		store.KindPlan,
		store.KindSession,
		"events",
	} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return "", fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	cfgPath := filepath.Join(root, config.FileName)
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := config.GenerateDefault().SaveToFile(cfgPath); err != nil {
			return "", err
		}
	}

	return root, nil
}

// loadConfig reads and validates cadence.json from the workspace.
func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(filepath.Join(root, config.FileName))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// projectRoot is the directory the .cadence directory sits in.
func projectRoot(root string) string {
	return filepath.Dir(root)
}

func eventLogPath(root string) string {
	return filepath.Join(root, "events", "events.ndjson")
}

// writePID records the loop process id for cross-process control.
func writePID(root string) error {
	return os.WriteFile(filepath.Join(root, pidFile), []byte(strconv.Itoa(os.Getpid())+"\n"), 0600)
}

func removePID(root string) {
	_ = os.Remove(filepath.Join(root, pidFile))
}

// readPID returns the recorded pid when that process is still alive. A
// stale file is cleaned up.
func readPID(root string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(root, pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		removePID(root)
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		removePID(root)
		return 0, false
	}
	return pid, true
}
