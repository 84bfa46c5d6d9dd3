// chromium-launcher starts the browser with DevTools enabled and
// mirrors its output into the launcher log. The control server tails
// that log to discover the "DevTools listening on ws://..." line, so
// the launcher must own the log file rather than rely on an external
// supervisor.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentdesk/workstation/lib/browserflags"
)

func main() {
	headless := flag.Bool("headless", false, "run with the new headless mode")
	browserBin := flag.String("browser", envOr("BROWSER_BIN", "chromium"), "browser binary")
	overlayPath := flag.String("runtime-flags", "/chromium/flags", "runtime flags overlay file")
	logPath := flag.String("log", envOr("BROWSER_LOG_PATH", "/var/log/chromium/chromium.log"), "launcher log file")
	flag.Parse()

	devtoolsPort := envOr("DEVTOOLS_PORT", "9223")
	browserUser := envOr("BROWSER_USER", "")
	userDataDir := envOr("BROWSER_USER_DATA_DIR", "/home/user/.config/chromium")
	display := envOr("DISPLAY", ":1")

	overlay, err := browserflags.ReadOverlay(*overlayPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed reading runtime flags: %v\n", err)
		os.Exit(1)
	}

	args := []string{
		"--remote-debugging-port=" + devtoolsPort,
		"--remote-allow-origins=*",
		"--user-data-dir=" + userDataDir,
		"--password-store=basic",
		"--no-first-run",
	}
	if *headless {
		args = append([]string{"--headless=new"}, args...)
	}
	args = append(args, browserflags.Merge(os.Getenv("BROWSER_FLAGS"), overlay)...)

	logFile, err := openLog(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	cmd := buildCommand(*browserBin, browserUser, display, args)
	out := io.MultiWriter(os.Stdout, logFile)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "browser failed to start: %v\n", err)
		os.Exit(1)
	}
}

// buildCommand wraps the browser in runuser when a dedicated browser
// user is configured, pushing display and home settings into the inner
// environment.
func buildCommand(bin, user, display string, args []string) *exec.Cmd {
	if user == "" {
		cmd := exec.Command(bin, args...)
		cmd.Env = append(os.Environ(), "DISPLAY="+display)
		return cmd
	}

	home := "/home/" + user
	inner := []string{
		"env",
		"DISPLAY=" + display,
		"HOME=" + home,
		"XDG_CONFIG_HOME=" + home + "/.config",
		"XDG_CACHE_HOME=" + home + "/.cache",
		bin,
	}
	inner = append(inner, args...)
	argv := append([]string{"-u", user, "--"}, inner...)
	return exec.Command("runuser", argv...)
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
