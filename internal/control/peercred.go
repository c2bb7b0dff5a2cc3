package control

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials holds the kernel-enforced identity of a unix socket
// peer, extracted via SO_PEERCRED. Unlike anything read from the
// request itself, this cannot be spoofed by the connecting process.
type peerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

func extractPeerCreds(conn net.Conn) (*peerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("connection is not a unix socket")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("get raw connection: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("raw control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", credErr)
	}

	return &peerCredentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}

// authorized reports whether the peer is allowed to issue control
// commands: the runtime user itself, or root.
func authorized(cred *peerCredentials, runtimeUID int) bool {
	return cred.UID == 0 || int(cred.UID) == runtimeUID
}
