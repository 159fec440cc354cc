// Package notify raises desktop notifications for responder alerts.
package notify

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ErrUnsupported is returned on platforms without a known notification command.
var ErrUnsupported = errors.New("desktop notifications are not supported on this platform")

// Send shows a desktop notification: osascript on macOS, notify-send on Linux.
func Send(title, message string) error {
	name, args, err := command(runtime.GOOS, title, message)
	if err != nil {
		return err
	}
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func command(goos, title, message string) (string, []string, error) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}, nil
	case "linux":
		return "notify-send", []string{"--app-name=fieldagent", "--", title, message}, nil
	default:
		return "", nil, ErrUnsupported
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
