// Package supervisor implements the Identity & Launch Supervisor (the
// single-instance lock and runtime-user resolution) and the
// Subordinate Process Manager (spawning the agent with the proxy
// wired into its environment).
package supervisor

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// AlreadyRunningError is returned when a live sibling supervisor
// holds the lock for this runtime user.
type AlreadyRunningError struct {
	Pid int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("a supervisor is already running for this runtime user (pid %d)", e.Pid)
}

// InvalidUserError is returned when the configured runtime user
// doesn't resolve to anything sane.
type InvalidUserError struct {
	User string
}

func (e *InvalidUserError) Error() string {
	return fmt.Sprintf("invalid runtime user %q", e.User)
}

var unsafeUsernameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizeUsername replaces every character outside [A-Za-z0-9_-]
// with an underscore, so the lock path can't be used to escape its
// directory.
func sanitizeUsername(user string) string {
	return unsafeUsernameChars.ReplaceAllString(user, "_")
}

// Lock is a filesystem-backed, pid-keyed single-instance lock for one
// runtime username.
type Lock struct {
	path string
}

// LockPath returns the path a Lock for user would use under dir.
func LockPath(dir, user string) string {
	return dir + "/" + sanitizeUsername(user) + ".lock"
}

// invocationPattern is the substring Acquire looks for in a live
// holder's command line before refusing to steal its lock. When the
// command line can't be read (permission, or /proc unavailable), any
// live pid is conservatively treated as an active sibling.
const invocationPattern = "acpd"

// Acquire takes the lock at path, refusing if a live process already
// holds it. An empty or all-whitespace username is rejected outright.
func Acquire(path, user string) (*Lock, error) {
	if strings.TrimSpace(user) == "" {
		return nil, &InvalidUserError{User: user}
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if processAlive(pid) && looksLikeSupervisor(pid) {
				return nil, &AlreadyRunningError{Pid: pid}
			}
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// looksLikeSupervisor reports whether pid's command line mentions the
// supervisor invocation pattern. If the command line can't be read at
// all, it conservatively returns true: an unreadable cmdline for a
// live pid is treated as an active sibling rather than stolen.
func looksLikeSupervisor(pid int) bool {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	return strings.Contains(string(cmdline), invocationPattern)
}

// Release removes the lock file, but only if it still names this
// process: if a sibling reclaimed the lock as stale after we lost
// track of it, its lock file belongs to that sibling now and must be
// left alone.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid != os.Getpid() {
		return nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// processAlive reports whether pid refers to a live process, using
// signal 0 which only checks existence/permission and never actually
// signals anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == unix.EPERM
}
