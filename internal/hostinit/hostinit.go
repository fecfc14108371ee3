// Package hostinit prepares and verifies the host configuration that clock
// offset control through nvidia-settings requires: an Xwrapper policy that
// lets a root session drive the X server, and a Coolbits-enabled xorg output
// class for the nvidia driver.
package hostinit

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Conventional locations for the two host configuration files.
const (
	DefaultXwrapperPath = "/etc/X11/Xwrapper.config"
	DefaultXorgConfPath = "/etc/X11/xorg.conf.d/10-nvidia.conf"
)

// xorgConf enables clock and voltage control (Coolbits) for the nvidia
// output class.
const xorgConf = `Section "OutputClass"
    Identifier "nvidia"
    MatchDriver "nvidia-drm"
    Driver "nvidia"
    Option "AllowEmptyInitialConfiguration"
    Option "Coolbits" "28"
    ModulePath "/usr/lib/x86_64-linux-gnu/nvidia/xorg"
EndSection
`

var (
	allowedConsoleRe = regexp.MustCompile(`(?m)^allowed_users=console`)
	allowedAnybodyRe = regexp.MustCompile(`(?m)^allowed_users=anybody`)
	rootRightsRe     = regexp.MustCompile(`(?m)^needs_root_rights=yes`)
)

// Host checks and applies the one-time system preparation. Paths are
// overridable for tests.
type Host struct {
	XwrapperPath string
	XorgConfPath string

	log *zap.Logger
}

// New creates a Host pointed at the conventional config file locations.
func New(log *zap.Logger) *Host {
	return &Host{
		XwrapperPath: DefaultXwrapperPath,
		XorgConfPath: DefaultXorgConfPath,
		log:          log,
	}
}

// XwrapperNeedsModification reports whether the Xwrapper policy still blocks
// non-console users or denies root rights.
func (h *Host) XwrapperNeedsModification() (bool, error) {
	content, err := os.ReadFile(h.XwrapperPath)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", h.XwrapperPath, err)
	}
	return allowedConsoleRe.Match(content) ||
		!allowedAnybodyRe.Match(content) ||
		!rootRightsRe.Match(content), nil
}

// XorgNeedsExtraConfig reports whether the Coolbits output class file is
// missing.
func (h *Host) XorgNeedsExtraConfig() bool {
	_, err := os.Stat(h.XorgConfPath)
	return err != nil
}

// Initialize applies both host modifications where needed and reports
// whether anything changed. A change requires a reboot to take effect.
func (h *Host) Initialize() (changed bool, err error) {
	needsXwrapper, err := h.XwrapperNeedsModification()
	if err != nil {
		return false, err
	}

	if needsXwrapper {
		raw, err := os.ReadFile(h.XwrapperPath)
		if err != nil {
			return changed, fmt.Errorf("reading %s: %w", h.XwrapperPath, err)
		}
		content := allowedConsoleRe.ReplaceAllString(string(raw), "#allowed_users=console")
		if !strings.Contains(content, "allowed_users=anybody") {
			content += "\nallowed_users=anybody"
		}
		if !strings.Contains(content, "needs_root_rights=yes") {
			content += "\nneeds_root_rights=yes"
		}
		if err := os.WriteFile(h.XwrapperPath, []byte(content), 0o644); err != nil {
			return changed, fmt.Errorf("writing %s: %w", h.XwrapperPath, err)
		}

		h.log.Info("modified xwrapper policy", zap.String("path", h.XwrapperPath))
		h.log.Warn("these modifications may weaken xorg security")
		changed = true
	}

	if h.XorgNeedsExtraConfig() {
		if err := os.WriteFile(h.XorgConfPath, []byte(xorgConf), 0o644); err != nil {
			return changed, fmt.Errorf("writing %s: %w", h.XorgConfPath, err)
		}
		h.log.Info("created xorg output class config", zap.String("path", h.XorgConfPath))
		changed = true
	}

	return changed, nil
}
