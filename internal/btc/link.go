package btc

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaunagostinho/obdsim/internal/obd"
)

// Link is an RFCOMM connection driven as a wireless UART: a background
// reader pushes inbound bytes to the receiver and reports a dropped link.
type Link struct {
	addr    string
	channel uint8

	mu           sync.Mutex
	conn         *Conn
	receiver     func([]byte)
	onDisconnect func()
	done         chan struct{}
}

// NewLink returns an unconnected link to addr on channel.
func NewLink(addr string, channel uint8) *Link {
	if channel == 0 {
		channel = DefaultChannel
	}
	return &Link{addr: addr, channel: channel}
}

func (l *Link) Address() string { return l.addr }

// MTU is 0: RFCOMM is a stream and writes are not chunked.
func (l *Link) MTU() int { return 0 }

func (l *Link) SetReceiver(fn func([]byte)) {
	l.mu.Lock()
	l.receiver = fn
	l.mu.Unlock()
}

func (l *Link) SetDisconnectHandler(fn func()) {
	l.mu.Lock()
	l.onDisconnect = fn
	l.mu.Unlock()
}

// Connect dials the device and starts the reader.
func (l *Link) Connect(ctx context.Context) error {
	conn, err := Dial(ctx, l.addr, l.channel)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	l.mu.Lock()
	l.conn, l.done = conn, done
	l.mu.Unlock()

	go l.readLoop(conn, done)
	return nil
}

func (l *Link) readLoop(conn *Conn, done chan struct{}) {
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-done:
			default:
				l.mu.Lock()
				fn := l.onDisconnect
				l.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
			return
		}
		if n == 0 {
			select {
			case <-done:
				return
			default:
				continue
			}
		}
		l.mu.Lock()
		fn := l.receiver
		l.mu.Unlock()
		if fn != nil {
			fn(buf[:n])
		}
	}
}

func (l *Link) Write(p []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: btc: %s not connected", obd.ErrNotConnected, l.addr)
	}
	_, err := conn.Write(p)
	return err
}

// Disconnect stops the reader and closes the socket. It is safe to call more
// than once and from the disconnect handler.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	conn, done := l.conn, l.done
	l.conn, l.done = nil, nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(done)
	return conn.Close()
}
