// Package browser opens authorization URLs in the user's default browser.
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// Opener launches a URL for interactive use. The OAuth flow depends on
// this interface so tests can substitute a fake that drives the loopback
// callback directly.
type Opener interface {
	Open(url string) error
}

// SystemOpener shells out to the platform's URL handler.
type SystemOpener struct {
	logger *zap.Logger
}

// NewSystemOpener creates the default opener.
func NewSystemOpener(logger *zap.Logger) *SystemOpener {
	return &SystemOpener{logger: logger.Named("browser")}
}

// Open starts the platform browser without waiting for it to exit.
func (o *SystemOpener) Open(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "linux":
		if !hasGUIEnvironment() {
			o.logger.Warn("No GUI session detected, attempting to launch browser anyway. If nothing appears, copy the URL manually.")
		}
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return fmt.Errorf("xdg-open not found in PATH: %w", err)
		}
		cmd = "xdg-open"
		args = []string{url}
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}

	o.logger.Info("Opening browser for authorization")
	return exec.Command(cmd, args...).Start()
}

func hasGUIEnvironment() bool {
	for _, name := range []string{"DISPLAY", "WAYLAND_DISPLAY", "XDG_SESSION_TYPE"} {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}
