//go:build linux

package batchwriter

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetSendBuffer forces the kernel send buffer to at least bytes, bypassing the usual
// net.UDPConn.SetWriteBuffer cap (SO_SNDBUFFORCE instead of SO_SNDBUF). A batch writer sending
// many payloads per flush benefits from a socket buffer sized for the whole batch, not just one
// packet's worth.
func SetSendBuffer(conn *net.UDPConn, bytes int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("batchwriter: couldn't get syscall.RawConn: %w", err)
	}
	var serr error
	if err := rawConn.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, bytes)
	}); err != nil {
		return err
	}
	return serr
}

// currentSendBuffer reads back SO_SNDBUF, to confirm SetSendBuffer took effect.
func currentSendBuffer(conn *net.UDPConn) (int, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, errors.New("batchwriter: couldn't get syscall.RawConn")
	}
	var size int
	var serr error
	if err := rawConn.Control(func(fd uintptr) {
		size, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	}); err != nil {
		return 0, err
	}
	return size, serr
}
