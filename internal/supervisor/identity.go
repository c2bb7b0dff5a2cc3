package supervisor

import (
	"fmt"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
)

// UnsupportedHostError is returned when the host can't run this
// daemon at all: not Linux, or missing the kernel filter tooling.
type UnsupportedHostError struct {
	Reason string
}

func (e *UnsupportedHostError) Error() string {
	return fmt.Sprintf("unsupported host: %s", e.Reason)
}

// NotPrivilegedError is returned when the process lacks the
// privilege needed to install the kernel filter.
type NotPrivilegedError struct{}

func (e *NotPrivilegedError) Error() string {
	return "not running with the privilege required to install the kernel filter"
}

// Identity is a resolved runtime user.
type Identity struct {
	Name    string
	UID     int
	GID     int
	HomeDir string
}

// CheckHost fails with UnsupportedHost if the kernel filter tool is
// absent or the host isn't Linux.
func CheckHost() error {
	if runtime.GOOS != "linux" {
		return &UnsupportedHostError{Reason: fmt.Sprintf("requires linux, running on %s", runtime.GOOS)}
	}
	if _, err := exec.LookPath("nft"); err != nil {
		return &UnsupportedHostError{Reason: "nft (nftables) not found in PATH"}
	}
	return nil
}

// ResolveUser looks up name and rejects uid 0: the agent must never
// run as root, since the egress filter scopes enforcement to a single
// non-privileged uid.
func ResolveUser(name string) (*Identity, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, &InvalidUserError{User: name}
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, &InvalidUserError{User: name}
	}
	if uid == 0 {
		return nil, &InvalidUserError{User: name}
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, &InvalidUserError{User: name}
	}
	return &Identity{Name: u.Username, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}
