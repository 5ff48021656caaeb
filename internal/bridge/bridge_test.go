package bridge

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWireless struct {
	mu           sync.Mutex
	mtu          int
	connectErr   error
	receiver     func([]byte)
	onDisconnect func()
	writes       [][]byte
	disconnects  int
}

func (f *fakeWireless) Connect(context.Context) error { return f.connectErr }
func (f *fakeWireless) Address() string               { return "AA:BB:CC:DD:EE:FF" }
func (f *fakeWireless) MTU() int                      { return f.mtu }

func (f *fakeWireless) SetReceiver(fn func([]byte)) {
	f.mu.Lock()
	f.receiver = fn
	f.mu.Unlock()
}

func (f *fakeWireless) SetDisconnectHandler(fn func()) {
	f.mu.Lock()
	f.onDisconnect = fn
	f.mu.Unlock()
}

func (f *fakeWireless) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeWireless) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeWireless) receive(p []byte) {
	f.mu.Lock()
	fn := f.receiver
	f.mu.Unlock()
	fn(p)
}

func (f *fakeWireless) drop() {
	f.mu.Lock()
	fn := f.onDisconnect
	f.mu.Unlock()
	fn()
}

func (f *fakeWireless) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// pipeEndpoint stands in for the pty: the test writes serial input into in,
// the bridge's serial output is recorded.
type pipeEndpoint struct {
	inR *io.PipeReader
	inW *io.PipeWriter

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newPipeEndpoint() *pipeEndpoint {
	r, w := io.Pipe()
	return &pipeEndpoint{inR: r, inW: w}
}

func (p *pipeEndpoint) Path() string               { return "/tmp/ttyTEST" }
func (p *pipeEndpoint) Read(b []byte) (int, error) { return p.inR.Read(b) }

func (p *pipeEndpoint) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *pipeEndpoint) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.inR.Close()
}

func (p *pipeEndpoint) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *pipeEndpoint) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func startBridge(t *testing.T, w *fakeWireless, onDisconnect func(string)) (*Bridge, *pipeEndpoint) {
	t.Helper()
	ep := newPipeEndpoint()
	b := New(w, Options{
		SerialPath:   ep.Path(),
		OnDisconnect: onDisconnect,
		OpenEndpoint: func(string) (Endpoint, error) { return ep, nil },
	}, zerolog.Nop())
	require.NoError(t, b.Start(context.Background()))
	return b, ep
}

func TestWirelessToSerialKeepsOrder(t *testing.T) {
	w := &fakeWireless{}
	b, ep := startBridge(t, w, nil)

	w.receive([]byte("41 0D"))
	w.receive([]byte(" 32\r\r>"))
	b.Stop()

	assert.Equal(t, [][]byte{[]byte("41 0D"), []byte(" 32\r\r>")}, ep.written())
}

func TestSerialToWirelessChunksToMTU(t *testing.T) {
	w := &fakeWireless{mtu: 20}
	b, ep := startBridge(t, w, nil)

	msg := make([]byte, 50)
	for i := range msg {
		msg[i] = byte('a' + i%26)
	}
	_, err := ep.inW.Write(msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.written()) == 3 }, time.Second, 5*time.Millisecond)
	b.Stop()

	writes := w.written()
	assert.Len(t, writes[0], 20)
	assert.Len(t, writes[1], 20)
	assert.Len(t, writes[2], 10)
	var joined []byte
	for _, c := range writes {
		joined = append(joined, c...)
	}
	assert.Equal(t, msg, joined)
}

func TestStopIsIdempotent(t *testing.T) {
	w := &fakeWireless{}
	b, ep := startBridge(t, w, nil)

	b.Stop()
	b.Stop()

	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	assert.True(t, ep.isClosed())
	assert.Equal(t, 1, w.disconnects)
	assert.Error(t, b.Start(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	b := New(&fakeWireless{}, Options{}, zerolog.Nop())
	b.Stop()
	<-b.Done()
}

func TestDisconnectStopsBridge(t *testing.T) {
	w := &fakeWireless{}
	got := make(chan string, 1)
	b, ep := startBridge(t, w, func(addr string) { got <- addr })

	w.drop()

	select {
	case addr := <-got:
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", addr)
	case <-time.After(time.Second):
		t.Fatal("disconnect handler not called")
	}
	<-b.Done()
	assert.True(t, ep.isClosed())

	// A later explicit stop is harmless.
	b.Stop()
	assert.Equal(t, 1, w.disconnects)
}

func TestConnectFailureReleasesEndpoint(t *testing.T) {
	w := &fakeWireless{connectErr: errors.New("refused")}
	ep := newPipeEndpoint()
	b := New(w, Options{OpenEndpoint: func(string) (Endpoint, error) { return ep, nil }}, zerolog.Nop())

	err := b.Start(context.Background())
	assert.ErrorContains(t, err, "refused")
	assert.True(t, ep.isClosed())
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	buf := []byte("abc")
	q.Put(buf)
	buf[0] = 'x'
	q.Put(nil)
	q.Put([]byte("def"))
	q.Close()
	q.Put([]byte("late"))

	d, ok := q.Get()
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), d)
	d, ok = q.Get()
	assert.True(t, ok)
	assert.Equal(t, []byte("def"), d)
	_, ok = q.Get()
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestQueueGetBlocks(t *testing.T) {
	q := NewQueue()
	got := make(chan []byte)
	go func() {
		d, _ := q.Get()
		got <- d
	}()

	select {
	case <-got:
		t.Fatal("Get returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	q.Put([]byte{1})
	assert.Equal(t, []byte{1}, <-got)
}

func TestChunk(t *testing.T) {
	data := []byte("0123456789")
	assert.Equal(t, [][]byte{data}, chunk(data, 0))
	assert.Equal(t, [][]byte{data}, chunk(data, 10))
	assert.Equal(t, [][]byte{[]byte("0123"), []byte("4567"), []byte("89")}, chunk(data, 4))
}

func TestPtyEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttyTEST")
	ep, err := OpenPty(path)
	if err != nil {
		t.Skipf("no pty support: %v", err)
	}

	target, err := os.Readlink(path)
	require.NoError(t, err)
	assert.Equal(t, ep.Device(), target)

	client, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ATZ\r"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := ep.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ATZ\r", string(buf[:n]))

	_, err = ep.Write([]byte("OK\r\r>"))
	require.NoError(t, err)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\r\r>", string(buf[:n]))

	require.NoError(t, ep.Close())
	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err))
}
