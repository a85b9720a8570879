package dbus

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Credentials describes the peer of a socket, as far as the platform
// exposes it. Unknown fields are -1 or empty.
type Credentials struct {
	UID int
	PID int
	SID string
}

// Socket is a bidirectional byte channel with an optional out-of-band
// file descriptor channel. Read and write halves are independent: reads
// and writes may proceed concurrently.
type Socket interface {
	// Read fills buf and returns any descriptors received alongside.
	// The caller takes ownership of the descriptors.
	Read(buf []byte) (int, []int, error)
	// Write sends data together with fds. A short write may occur; if
	// the returned count is positive the descriptors are considered
	// transmitted and must not be resubmitted.
	Write(data []byte, fds []int) (int, error)
	// SupportsUnixFDs reports whether fds can travel on this socket.
	SupportsUnixFDs() bool
	// PeerCredentials returns what is known about the peer.
	PeerCredentials() Credentials
	Close() error
}

// --- unix domain socket ---

type unixSocket struct {
	conn   *net.UnixConn
	closed atomic.Bool
	oob    [4096]byte
}

// NewUnixSocket wraps an established unix domain connection.
func NewUnixSocket(conn *net.UnixConn) Socket {
	return &unixSocket{conn: conn}
}

func (s *unixSocket) Read(buf []byte) (int, []int, error) {
	if s.closed.Load() {
		return 0, nil, ErrClosed
	}
	n, oobn, flags, _, err := s.conn.ReadMsgUnix(buf, s.oob[:])
	if err != nil {
		return n, nil, s.readErr(err)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return n, nil, InvalidMessageError("control data truncated, too many descriptors")
	}
	if oobn == 0 {
		return n, nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(s.oob[:oobn])
	if err != nil {
		return n, nil, err
	}
	var fds []int
	for i := range scms {
		got, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
	}
	return n, fds, nil
}

func (s *unixSocket) readErr(err error) error {
	if err == io.EOF || s.closed.Load() {
		return io.EOF
	}
	return err
}

func (s *unixSocket) Write(data []byte, fds []int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, _, err := s.conn.WriteMsgUnix(data, oob, nil)
	return n, err
}

func (s *unixSocket) SupportsUnixFDs() bool { return true }

func (s *unixSocket) PeerCredentials() Credentials {
	creds := Credentials{UID: -1, PID: -1}
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return creds
	}
	raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		creds.UID = int(ucred.Uid)
		creds.PID = int(ucred.Pid)
	})
	return creds
}

func (s *unixSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// --- tcp socket ---

type tcpSocket struct {
	conn   net.Conn
	closed atomic.Bool
}

// NewTCPSocket wraps an established TCP connection. TCP cannot carry
// file descriptors.
func NewTCPSocket(conn net.Conn) Socket {
	return &tcpSocket{conn: conn}
}

func (s *tcpSocket) Read(buf []byte) (int, []int, error) {
	if s.closed.Load() {
		return 0, nil, ErrClosed
	}
	n, err := s.conn.Read(buf)
	return n, nil, err
}

func (s *tcpSocket) Write(data []byte, fds []int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if len(fds) > 0 {
		return 0, ErrFdUnsupported
	}
	return s.conn.Write(data)
}

func (s *tcpSocket) SupportsUnixFDs() bool { return false }

func (s *tcpSocket) PeerCredentials() Credentials {
	return Credentials{UID: -1, PID: -1}
}

func (s *tcpSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// --- in-process pair ---

type pipeSocket struct {
	conn   net.Conn
	fdIn   chan int
	fdOut  chan int
	closed atomic.Bool
	once   sync.Once
}

// NewPipe returns two connected in-process sockets. Descriptors pass by
// reference through a side channel, which is enough for tests and for
// same-process peers.
func NewPipe() (Socket, Socket) {
	c1, c2 := net.Pipe()
	aToB := make(chan int, maxMessageFds)
	bToA := make(chan int, maxMessageFds)
	a := &pipeSocket{conn: c1, fdIn: bToA, fdOut: aToB}
	b := &pipeSocket{conn: c2, fdIn: aToB, fdOut: bToA}
	return a, b
}

func (s *pipeSocket) Read(buf []byte) (int, []int, error) {
	if s.closed.Load() {
		return 0, nil, ErrClosed
	}
	n, err := s.conn.Read(buf)
	var fds []int
	for {
		select {
		case fd := <-s.fdIn:
			fds = append(fds, fd)
			continue
		default:
		}
		break
	}
	if err == io.ErrClosedPipe {
		err = io.EOF
	}
	return n, fds, err
}

func (s *pipeSocket) Write(data []byte, fds []int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	for _, fd := range fds {
		select {
		case s.fdOut <- fd:
		default:
			return 0, ErrFdTableOverflow
		}
	}
	n, err := s.conn.Write(data)
	if err == io.ErrClosedPipe {
		err = ErrClosed
	}
	return n, err
}

func (s *pipeSocket) SupportsUnixFDs() bool { return true }

func (s *pipeSocket) PeerCredentials() Credentials {
	return Credentials{UID: unix.Geteuid(), PID: unix.Getpid()}
}

func (s *pipeSocket) Close() error {
	s.closed.Store(true)
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}
