// Package browser opens URLs in the user's default web browser.
package browser

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// ErrUnavailable means no way to launch a browser was found.
var ErrUnavailable = errors.New("browser: no browser available")

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// Opener launches URLs. The zero value uses open-golang and falls back to
// platform commands.
type Opener struct {
	// Run overrides the primary launcher. Defaults to open.Run.
	Run func(url string) error
	// LookPath overrides exec.LookPath for the fallback.
	LookPath func(file string) (string, error)
	// Start overrides starting the fallback command.
	Start func(cmd *exec.Cmd) error
	Log   log.FieldLogger
}

// Open opens url, trying open-golang first.
func (o *Opener) Open(url string) error {
	l := o.Log
	if l == nil {
		l = log.StandardLogger()
	}
	run := o.Run
	if run == nil {
		run = open.Run
	}
	err := run(url)
	if err == nil {
		return nil
	}
	l.Debugf("open-golang failed: %v, trying platform-specific commands", err)

	cmd, err := o.command(runtime.GOOS, url)
	if err != nil {
		return err
	}
	start := o.Start
	if start == nil {
		start = (*exec.Cmd).Start
	}
	if err := start(cmd); err != nil {
		return fmt.Errorf("browser: failed to start %s: %w", cmd.Path, err)
	}
	return nil
}

func (o *Opener) command(goos, url string) (*exec.Cmd, error) {
	lookPath := o.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	switch goos {
	case "darwin":
		return exec.Command("open", url), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url), nil
	case "linux", "freebsd", "openbsd", "netbsd":
		for _, b := range linuxBrowsers {
			if p, err := lookPath(b); err == nil {
				return exec.Command(p, url), nil
			}
		}
		return nil, ErrUnavailable
	default:
		return nil, fmt.Errorf("%w: unsupported OS %s", ErrUnavailable, goos)
	}
}
