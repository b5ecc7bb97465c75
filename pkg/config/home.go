package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "WEBFLOW_RUNNER_HOME"

var (
	homeMu  sync.Mutex
	homeDir string
)

// GetHome returns the webflow-runner home directory, resolved once:
//  1. $WEBFLOW_RUNNER_HOME
//  2. <home> when the binary is installed as <home>/bin/webflow-runner
//  3. <user cache dir>/webflow-runner
//  4. the working directory
func GetHome() string {
	homeMu.Lock()
	defer homeMu.Unlock()
	if homeDir == "" {
		homeDir = resolveHome()
	}
	return homeDir
}

// GetDriversDir returns <home>/drivers/playwright, where the Playwright
// driver and browsers are installed.
func GetDriversDir() string {
	return filepath.Join(GetHome(), "drivers", "playwright")
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}
	if dir, ok := installDir(); ok {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "webflow-runner")
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// installDir reports the parent of the binary's bin/ directory.
func installDir() (string, bool) {
	exe, err := os.Executable()
	if err != nil {
		return "", false
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	bin := filepath.Dir(exe)
	if filepath.Base(bin) != "bin" {
		return "", false
	}
	return filepath.Dir(bin), true
}

// ResetHome drops the resolved home directory (for tests).
func ResetHome() {
	homeMu.Lock()
	defer homeMu.Unlock()
	homeDir = ""
}
