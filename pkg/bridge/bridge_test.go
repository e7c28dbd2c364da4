package bridge

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/muxbridged/pkg/mux"
	"github.com/n0ot/muxbridged/pkg/seriallink"
)

type fakeClient struct {
	id   string
	fail bool

	mu     sync.Mutex
	frames []string
	binary [][]byte
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) WriteText(t Text) error {
	if c.fail {
		return errors.New("connection reset by peer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(t))
	return nil
}

func (c *fakeClient) WriteBinary(p []byte) error {
	if c.fail {
		return errors.New("connection reset by peer")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, p)
	return nil
}

func (c *fakeClient) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

type fakeRegistry struct {
	clients []Client
}

func (r *fakeRegistry) ForEachClient(fn func(Client)) {
	for _, c := range r.clients {
		fn(c)
	}
}

func (r *fakeRegistry) HasAnyClient() bool { return len(r.clients) > 0 }

type fakeSelector struct {
	mu       sync.Mutex
	current  mux.Channel
	requests []mux.Channel
}

func (s *fakeSelector) SelectChannel(c mux.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, c)
	if !c.Valid() {
		return false
	}
	s.current = c
	return true
}

func (s *fakeSelector) CurrentChannel() mux.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type fakeSerial struct {
	err error
	buf bytes.Buffer
}

func (s *fakeSerial) WriteByte(b byte) error {
	if s.err != nil {
		return s.err
	}
	return s.buf.WriteByte(b)
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

type fixture struct {
	bridge   *Bridge
	client   *fakeClient
	registry *fakeRegistry
	selector *fakeSelector
	serial   *fakeSerial
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		client:   &fakeClient{id: "a"},
		selector: &fakeSelector{current: 0},
		serial:   &fakeSerial{},
	}
	f.registry = &fakeRegistry{clients: []Client{f.client}}
	f.bridge = New(testLogger(), f.selector, f.serial, f.registry, opts)
	return f
}

func TestIngestFiltersAndCoalesces(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.Ingest([]byte("Hello\x01World\n"))
	assert.Empty(t, f.client.Frames())

	f.bridge.Flush()
	assert.Equal(t, []string{"HelloWorld\n"}, f.client.Frames())
}

func TestIngestKeepsWhitespaceAndDropsNoise(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.Ingest([]byte("a\tb\r\n\x00\x1b[0m\x7f\xff\xc3\xa9z"))
	f.bridge.Flush()
	assert.Equal(t, []string{"a\tb\r\n[0mz"}, f.client.Frames())
}

func TestFlushEmptyIsNoop(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.Flush()
	f.bridge.Flush()
	assert.Empty(t, f.client.Frames())

	f.bridge.Ingest([]byte{0x01, 0x02})
	f.bridge.Flush()
	assert.Empty(t, f.client.Frames())
}

func TestIngestFlushesAtCapacity(t *testing.T) {
	f := newFixture(Options{BufferSize: 8})
	f.bridge.Ingest([]byte("0123456789ab"))
	assert.Equal(t, []string{"01234567"}, f.client.Frames())
	assert.Equal(t, 4, f.bridge.Buffered())

	f.bridge.Flush()
	assert.Equal(t, []string{"01234567", "89ab"}, f.client.Frames())
	assert.Zero(t, f.bridge.Buffered())
}

func TestFlushIfIdle(t *testing.T) {
	f := newFixture(Options{IdleTimeout: 20 * time.Millisecond})
	assert.False(t, f.bridge.FlushIfIdle())

	f.bridge.Ingest([]byte("$ "))
	assert.False(t, f.bridge.FlushIfIdle())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, f.bridge.FlushIfIdle())
	assert.Equal(t, []string{"$ "}, f.client.Frames())
}

func TestRunCoalescesWithinIdleTimeout(t *testing.T) {
	f := newFixture(Options{IdleTimeout: 40 * time.Millisecond})
	in := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.bridge.Run(ctx, in)

	for _, chunk := range []string{"Hel", "lo\x01", "Wor", "ld\n"} {
		in <- []byte(chunk)
	}
	require.Eventually(t, func() bool { return len(f.client.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"HelloWorld\n"}, f.client.Frames())

	in <- []byte("x")
	require.Eventually(t, func() bool { return len(f.client.Frames()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "x", f.client.Frames()[1])
}

func TestRunCapacityThenRemainder(t *testing.T) {
	f := newFixture(Options{BufferSize: 256, IdleTimeout: 30 * time.Millisecond})
	in := make(chan []byte, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.bridge.Run(ctx, in)

	in <- bytes.Repeat([]byte{'k'}, 300)
	require.Eventually(t, func() bool { return len(f.client.Frames()) == 2 }, time.Second, 5*time.Millisecond)
	frames := f.client.Frames()
	assert.Len(t, frames[0], 256)
	assert.Len(t, frames[1], 44)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	f := newFixture(Options{IdleTimeout: time.Hour})
	in := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.bridge.Run(ctx, in)
		close(done)
	}()

	in <- []byte("bye")
	cancel()
	<-done
	assert.Equal(t, []string{"bye"}, f.client.Frames())
}

func TestBroadcastSurvivesFailingClient(t *testing.T) {
	f := newFixture(Options{})
	broken := &fakeClient{id: "broken", fail: true}
	f.registry.clients = []Client{broken, f.client}

	assert.NotPanics(t, func() {
		f.bridge.Broadcast("uptime\n")
		f.bridge.BroadcastBinary([]byte{0xde, 0xad})
	})
	assert.Equal(t, []string{"uptime\n"}, f.client.Frames())
	assert.Equal(t, [][]byte{{0xde, 0xad}}, f.client.binary)
}

func TestBroadcastWithNoClients(t *testing.T) {
	f := newFixture(Options{})
	f.registry.clients = nil
	f.bridge.Ingest([]byte("nobody listening"))
	assert.NotPanics(t, f.bridge.Flush)
	assert.False(t, f.bridge.HasConnectedClients())
}

func TestHandleTextChannelCommand(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.HandleText("a", []byte("CHANNEL:3"))
	assert.Equal(t, mux.Channel(3), f.bridge.CurrentChannel())

	f.bridge.HandleText("a", []byte("CHANNEL:9"))
	assert.Equal(t, mux.Channel(3), f.bridge.CurrentChannel())

	for _, bad := range []string{"CHANNEL:", "CHANNEL:-1", "CHANNEL:two", "CHANNEL: 1", "CHANNEL:99999999999999999999999"} {
		f.bridge.HandleText("a", []byte(bad))
	}
	assert.Equal(t, mux.Channel(3), f.bridge.CurrentChannel())
	assert.Equal(t, []mux.Channel{3}, f.selector.requests)
	assert.Zero(t, f.serial.buf.Len(), "control frames never reach the serial link")
}

func TestHandleTextForwardsToSerial(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.HandleText("a", []byte("ls -l\r"))
	f.bridge.HandleText("a", []byte("\x03"))
	assert.Equal(t, "ls -l\r\x03", f.serial.buf.String())
	assert.Zero(t, f.bridge.Buffered(), "input bypasses the coalescing buffer")
}

func TestHandleTextRejectsNonASCII(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.HandleText("a", []byte("caf\xc3\xa9"))
	f.bridge.HandleText("a", []byte("CHANNEL:1\x80"))
	f.bridge.HandleText("a", nil)
	assert.Zero(t, f.serial.buf.Len())
	assert.Equal(t, mux.Channel(0), f.bridge.CurrentChannel())
}

func TestHandleTextSerialUnavailable(t *testing.T) {
	f := newFixture(Options{})
	f.serial.err = seriallink.ErrUnavailable
	assert.NotPanics(t, func() { f.bridge.HandleText("a", []byte("echo hi\n")) })

	nilSerial := New(testLogger(), f.selector, nil, f.registry, Options{})
	assert.NotPanics(t, func() { nilSerial.HandleText("a", []byte("echo hi\n")) })
}

func TestHandleBinaryIsDropped(t *testing.T) {
	f := newFixture(Options{})
	f.bridge.HandleBinary("a", []byte("ls\n"))
	assert.Zero(t, f.serial.buf.Len())
}
