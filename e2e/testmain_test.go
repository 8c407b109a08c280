//go:build e2e

package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

func TestMain(m *testing.M) {
	code := m.Run()

	// A panicking test skips its deferred Close; reap what it left.
	if os.Getenv("GOOGCC_E2E_KEEP_BROWSER") == "" {
		killLaunchedBrowsers()
	}
	os.Exit(code)
}

// killLaunchedBrowsers kills Chrome processes started by the rod launcher.
// They are recognised by the launcher's user-data dir, so a developer's own
// browser survives. Errors mean nothing matched.
func killLaunchedBrowsers() {
	marker := filepath.Join(os.TempDir(), "rod", "user-data")
	switch runtime.GOOS {
	case "darwin", "linux":
		_ = exec.Command("pkill", "-f", marker).Run()
	case "windows":
		filter := "CommandLine like '%" + marker + "%'"
		_ = exec.Command("wmic", "process", "where", filter, "delete").Run()
	}
}
