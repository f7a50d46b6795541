//go:build linux

package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
	"golang.org/x/sys/unix"
)

// The net package has no AF_VSOCK support, so the listener works on a raw
// socket fd and adapts accepted fds to net.Conn via os.File, which already
// supplies Read, Write, and Close.

// vsockAddr satisfies net.Addr for a vsock endpoint.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("%d:%d", a.cid, a.port) }

// vsockConn is an accepted vsock stream. Deadlines are a no-op: the agent
// never sets them, and raw vsock fds would need nonblocking-mode plumbing
// to honor them.
type vsockConn struct {
	*os.File
	local  vsockAddr
	remote vsockAddr
}

func (c *vsockConn) LocalAddr() net.Addr              { return c.local }
func (c *vsockConn) RemoteAddr() net.Addr             { return c.remote }
func (c *vsockConn) SetDeadline(time.Time) error      { return nil }
func (c *vsockConn) SetReadDeadline(time.Time) error  { return nil }
func (c *vsockConn) SetWriteDeadline(time.Time) error { return nil }

// vsockListener accepts connections on a bound AF_VSOCK socket.
type vsockListener struct {
	fd     int
	addr   vsockAddr
	closed atomic.Bool
}

func (l *vsockListener) Accept() (net.Conn, error) {
	nfd, sa, err := unix.Accept(l.fd)
	if err != nil {
		if l.closed.Load() {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("vsock accept: %w", err)
	}
	conn := &vsockConn{
		File:  os.NewFile(uintptr(nfd), "vsock"),
		local: l.addr,
	}
	if vm, ok := sa.(*unix.SockaddrVM); ok {
		conn.remote = vsockAddr{cid: vm.CID, port: vm.Port}
	}
	return conn, nil
}

func (l *vsockListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return unix.Close(l.fd)
}

func (l *vsockListener) Addr() net.Addr { return l.addr }

// listen binds vsock port 5000. Outside a VM (no AF_VSOCK) it falls back to
// a Unix socket so the agent can be exercised on a development host.
func listen() (net.Listener, error) {
	lis, err := listenVsock(guestrpc.GuestPort)
	if err == nil {
		return lis, nil
	}
	return listenUnix(err)
}

func listenVsock(port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock listen port %d: %w", port, err)
	}
	log.Printf("agent: listening on vsock port %d", port)
	return &vsockListener{
		fd:   fd,
		addr: vsockAddr{cid: unix.VMADDR_CID_ANY, port: port},
	}, nil
}

func listenUnix(vsockErr error) (net.Listener, error) {
	sockPath := "/tmp/fcs-agent.sock"
	os.Remove(sockPath)
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("unix listen: %w (vsock: %v)", err, vsockErr)
	}
	log.Printf("agent: listening on %s (vsock not available: %v)", sockPath, vsockErr)
	return lis, nil
}
