// Package btc is a Bluetooth Classic RFCOMM stream socket.
package btc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

// DefaultChannel is the RFCOMM channel of the serial port profile on most
// ELM327 adapters.
const DefaultChannel uint8 = 1

const connectPoll = 100 * time.Millisecond

// ErrPairing means the remote device rejected the link, which in practice
// means it needs to be paired with a PIN first.
var ErrPairing = fmt.Errorf("%w: btc: link rejected, pair the device first", obd.ErrPairing)

// Conn is a connected RFCOMM socket. Reads honour the read timeout and
// return (0, nil) when it expires.
type Conn struct {
	mu          sync.Mutex
	fd          int
	addr        string
	channel     uint8
	readTimeout time.Duration
	closed      bool
}

// Dial connects to addr ("AA:BB:CC:DD:EE:FF") on channel. The socket is
// non-blocking, so connect reports "in progress" and completion is awaited
// until ctx is done.
func Dial(ctx context.Context, addr string, channel uint8) (*Conn, error) {
	bd, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	if channel == 0 {
		channel = DefaultChannel
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("%w: btc: socket: %v", obd.ErrTransport, err)
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: bd, Channel: channel})
	for errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) || errors.Is(err, unix.EINTR) {
		err = awaitConnect(ctx, fd)
	}
	if err != nil {
		unix.Close(fd)
		return nil, classify(addr, err)
	}
	return &Conn{fd: fd, addr: addr, channel: channel, readTimeout: 100 * time.Millisecond}, nil
}

// awaitConnect polls for the socket to become writable and returns the
// pending connect result. It returns EINPROGRESS while still waiting.
func awaitConnect(ctx context.Context, fd int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(connectPoll/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return unix.EINPROGRESS
		}
		return err
	}
	if n == 0 {
		return unix.EINPROGRESS
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

func classify(addr string, err error) error {
	switch {
	case errors.Is(err, unix.EBADE):
		return fmt.Errorf("%w (%s: %v)", ErrPairing, addr, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: btc: connect %s: %v", obd.ErrTimeout, addr, err)
	default:
		return fmt.Errorf("%w: btc: connect %s: %v", obd.ErrTransport, addr, err)
	}
}

// ParseAddr converts a colon separated MAC into the little-endian byte
// order the kernel expects.
func ParseAddr(s string) ([6]uint8, error) {
	var bd [6]uint8
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return bd, fmt.Errorf("btc: invalid address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return bd, fmt.Errorf("btc: invalid address %q", s)
		}
		bd[5-i] = uint8(v)
	}
	return bd, nil
}

func (c *Conn) String() string { return fmt.Sprintf("rfcomm://%s/%d", c.addr, c.channel) }

// Addr returns the remote device address.
func (c *Conn) Addr() string { return c.addr }

// SetReadTimeout sets how long Read waits for data.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
}

func (c *Conn) handle() (int, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return -1, 0, fmt.Errorf("%w: btc: closed", obd.ErrTransport)
	}
	return c.fd, c.readTimeout, nil
}

// Read waits up to the read timeout for data.
func (c *Conn) Read(p []byte) (int, error) {
	fd, timeout, err := c.handle()
	if err != nil {
		return 0, err
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: btc: poll: %v", obd.ErrTransport, err)
	}
	if n == 0 {
		return 0, nil
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 && fds[0].Revents&unix.POLLIN == 0 {
		return 0, fmt.Errorf("%w: btc: %s hung up", obd.ErrTransport, c.addr)
	}
	r, err := unix.Read(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: btc: read: %v", obd.ErrTransport, err)
	}
	if r == 0 {
		return 0, fmt.Errorf("%w: btc: %s closed the link", obd.ErrTransport, c.addr)
	}
	return r, nil
}

// Write sends all of p.
func (c *Conn) Write(p []byte) (int, error) {
	fd, _, err := c.handle()
	if err != nil {
		return 0, err
	}
	sent := 0
	for sent < len(p) {
		n, err := unix.Write(fd, p[sent:])
		if errors.Is(err, unix.EAGAIN) {
			fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(fds, int(connectPoll/time.Millisecond)); perr != nil && !errors.Is(perr, unix.EINTR) {
				return sent, fmt.Errorf("%w: btc: poll: %v", obd.ErrTransport, perr)
			}
			continue
		}
		if err != nil {
			return sent, fmt.Errorf("%w: btc: write: %v", obd.ErrTransport, err)
		}
		sent += n
	}
	return sent, nil
}

// Drain discards input until the link has been quiet for quiet.
func (c *Conn) Drain(quiet time.Duration) error {
	c.mu.Lock()
	prev := c.readTimeout
	c.readTimeout = quiet
	c.mu.Unlock()
	defer c.SetReadTimeout(prev)

	buf := make([]byte, 1024)
	for {
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Close releases the socket. Further calls are no-ops.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
