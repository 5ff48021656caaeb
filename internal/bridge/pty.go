package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Endpoint is the local side of a bridge: a byte stream that serial clients
// reach through Path.
type Endpoint interface {
	io.ReadWriteCloser
	Path() string
}

// PtyEndpoint is a pseudo-terminal whose slave side is published under a
// stable symlink, e.g. /tmp/ttyBLE. The bridge reads and writes the master.
type PtyEndpoint struct {
	master *os.File
	slave  *os.File
	link   string
}

// OpenPty allocates a pseudo-terminal in raw mode and links path to its
// slave device. A stale link at path is replaced.
func OpenPty(path string) (*PtyEndpoint, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("bridge: open pty: %w", err)
	}
	if err := makeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("bridge: raw mode: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("bridge: remove stale %s: %w", path, err)
	}
	if err := os.Symlink(slave.Name(), path); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("bridge: link %s: %w", path, err)
	}
	return &PtyEndpoint{master: master, slave: slave, link: path}, nil
}

// makeRaw disables echo, line buffering and output processing so bytes pass
// through untouched.
func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Path returns the symlink serial clients open.
func (p *PtyEndpoint) Path() string { return p.link }

// Device returns the slave device the symlink points to.
func (p *PtyEndpoint) Device() string { return p.slave.Name() }

func (p *PtyEndpoint) Read(b []byte) (int, error)  { return p.master.Read(b) }
func (p *PtyEndpoint) Write(b []byte) (int, error) { return p.master.Write(b) }

// Close releases both sides of the pty and removes the symlink.
func (p *PtyEndpoint) Close() error {
	err := p.master.Close()
	if serr := p.slave.Close(); err == nil {
		err = serr
	}
	if rerr := os.Remove(p.link); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
