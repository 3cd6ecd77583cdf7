// Package platform works out once, at startup, what the box can capture.
package platform

import (
	"os"
	"strings"

	"github.com/e2openplugins/webgrab/internal/config"
	"github.com/e2openplugins/webgrab/internal/logging"
)

// Info is the capability set of the box.
type Info struct {
	Arch string

	// Staging is set when the capture binary cannot stream to stdout and
	// every capture has to go through the staging file.
	Staging bool

	CanGrabPip bool
	HasLCD     bool
}

// Detect resolves capabilities from the configuration, falling back to
// probing the running system for anything left on auto.
func Detect(cfg config.Config) Info {
	arch := strings.TrimSpace(cfg.Architecture)
	if arch == "" || arch == "auto" {
		arch = machine()
	}
	arch = strings.ToLower(arch)

	info := Info{
		Arch:    arch,
		Staging: stagingArch(arch),
		HasLCD:  fileExists(cfg.LcdDumpPath),
	}

	switch strings.ToLower(cfg.GrabPip) {
	case "yes", "true":
		info.CanGrabPip = true
	case "no", "false":
		info.CanGrabPip = false
	default:
		info.CanGrabPip = !info.Staging
	}

	logging.InfoLogger.Printf("Platform %s: staging=%v pip=%v lcd=%v", info.Arch, info.Staging, info.CanGrabPip, info.HasLCD)
	return info
}

// sh4 receivers ship a capture binary without stdout streaming.
func stagingArch(arch string) bool {
	return strings.HasPrefix(arch, "sh4")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
