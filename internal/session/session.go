// Package session resolves the X display and Xauthority credential file that
// a root daemon needs to address nvidia-settings.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrNoDisplay indicates that no X display socket was found.
	ErrNoDisplay = errors.New("could not determine DISPLAY to use")

	// ErrNoAuthority indicates that no session-manager Xauthority file could
	// be located in the process table.
	ErrNoAuthority = errors.New("could not determine Xauthority to use, gdm not running?")
)

// Context carries the display identifier and credential file handed to every
// nvidia-settings invocation. Resolved once at startup, read-only afterwards.
type Context struct {
	// Display is the X display, e.g. ":0".
	Display string

	// AuthorityFile is the path to the session's Xauthority file.
	AuthorityFile string
}

// authorityPattern matches the gdm-owned Xauthority path in a process command
// line and captures the owning uid.
var authorityPattern = regexp.MustCompile(`/run/user/(\d+)/gdm/Xauthority`)

// Resolver discovers the active display session. The socket directory and the
// process lister are injectable for tests.
type Resolver struct {
	socketDir    string
	listCmdlines func() ([]string, error)
}

// NewResolver creates a resolver scanning the conventional locations.
func NewResolver() *Resolver {
	return &Resolver{
		socketDir:    "/tmp/.X11-unix",
		listCmdlines: processCmdlines,
	}
}

// Resolve discovers both the display and the authority file.
func (r *Resolver) Resolve() (*Context, error) {
	display, err := r.resolveDisplay()
	if err != nil {
		return nil, err
	}
	authority, err := r.resolveAuthority()
	if err != nil {
		return nil, err
	}
	return &Context{Display: display, AuthorityFile: authority}, nil
}

// resolveDisplay returns the first X socket under the socket directory,
// rewritten as a display identifier (socket "X0" becomes ":0").
func (r *Resolver) resolveDisplay() (string, error) {
	matches, err := filepath.Glob(filepath.Join(r.socketDir, "X*"))
	if err != nil || len(matches) == 0 {
		return "", ErrNoDisplay
	}
	return ":" + strings.TrimPrefix(filepath.Base(matches[0]), "X"), nil
}

// resolveAuthority scans process command lines for a gdm-owned Xauthority
// path and rebuilds the conventional location from the owning uid.
func (r *Resolver) resolveAuthority() (string, error) {
	cmdlines, err := r.listCmdlines()
	if err != nil {
		return "", fmt.Errorf("listing processes: %w", err)
	}
	for _, cmdline := range cmdlines {
		if m := authorityPattern.FindStringSubmatch(cmdline); m != nil {
			return fmt.Sprintf("/run/user/%s/gdm/Xauthority", m[1]), nil
		}
	}
	return "", ErrNoAuthority
}

// processCmdlines returns the command line of every visible process.
// Processes that exit mid-scan or deny access are skipped.
func processCmdlines() ([]string, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	cmdlines := make([]string, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		cmdlines = append(cmdlines, cmdline)
	}
	return cmdlines, nil
}
