// Copyright © 2024 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package bridge couples the shared serial link to every connected network client.
//
// Bytes from the serial link are filtered down to printable ASCII, coalesced
// into frames and broadcast. Text frames from clients are either CHANNEL:<n>
// commands for the multiplexer or keystrokes written straight to the link.
package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/muxbridged/pkg/mux"
	"github.com/n0ot/muxbridged/pkg/seriallink"
)

const (
	// DefaultBufferSize is the capacity of the coalescing buffer.
	DefaultBufferSize = 256
	// DefaultIdleTimeout is how long a partially filled buffer waits for more bytes.
	DefaultIdleTimeout = 50 * time.Millisecond
)

// Client is one attached network client.
// Writes report failure instead of panicking; a failed client is expected to
// notice its own disconnect.
type Client interface {
	ID() string
	WriteText(Text) error
	WriteBinary([]byte) error
}

// Registry enumerates attached clients.
// ForEachClient must tolerate clients connecting and disconnecting concurrently.
type Registry interface {
	ForEachClient(fn func(Client))
	HasAnyClient() bool
}

// Selector switches the multiplexer.
type Selector interface {
	SelectChannel(mux.Channel) bool
	CurrentChannel() mux.Channel
}

// Options tunes the outbound coalescing buffer. Zero values select the defaults.
type Options struct {
	BufferSize  int
	IdleTimeout time.Duration
}

// Bridge moves bytes between the serial link and the clients in a Registry.
type Bridge struct {
	log         *logrus.Logger
	selector    Selector
	serial      io.ByteWriter
	clients     Registry
	idleTimeout time.Duration

	lock       sync.Mutex // Protects buf and lastAppend
	buf        []byte
	lastAppend time.Time
}

// New creates a bridge. serial may be nil, in which case client keystrokes are dropped.
func New(log *logrus.Logger, selector Selector, serial io.ByteWriter, clients Registry, opts Options) *Bridge {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Bridge{
		log:         log,
		selector:    selector,
		serial:      serial,
		clients:     clients,
		idleTimeout: opts.IdleTimeout,
		buf:         make([]byte, 0, opts.BufferSize),
	}
}

// Run drains serial chunks from in until ctx is cancelled,
// flushing the coalescing buffer when it fills or goes idle.
// Whatever is buffered at shutdown is flushed before Run returns.
func (b *Bridge) Run(ctx context.Context, in <-chan []byte) {
	idle := time.NewTimer(b.idleTimeout)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			return

		case chunk, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			b.Ingest(chunk)
			if wait, pending := b.idleWait(); pending {
				idle.Reset(wait)
			}

		case <-idle.C:
			if !b.FlushIfIdle() {
				if wait, pending := b.idleWait(); pending {
					idle.Reset(wait)
				}
			}
		}
	}
}

// Ingest filters serial bytes into the coalescing buffer,
// broadcasting a frame each time the buffer fills.
func (b *Bridge) Ingest(p []byte) {
	for _, frame := range b.ingest(p) {
		b.Broadcast(frame)
	}
}

func (b *Bridge) ingest(p []byte) []Text {
	b.lock.Lock()
	defer b.lock.Unlock()

	var frames []Text
	for _, c := range p {
		if !Printable(c) {
			continue
		}
		b.buf = append(b.buf, c)
		b.lastAppend = time.Now()
		if len(b.buf) == cap(b.buf) {
			if frame, ok := b.take(); ok {
				frames = append(frames, frame)
			}
		}
	}
	return frames
}

// Flush broadcasts whatever is buffered. Flushing an empty buffer sends nothing.
func (b *Bridge) Flush() {
	b.lock.Lock()
	frame, ok := b.take()
	b.lock.Unlock()
	if ok {
		b.Broadcast(frame)
	}
}

// FlushIfIdle flushes the buffer if it is non-empty and no byte has been
// appended for the idle timeout. It reports whether a flush happened.
func (b *Bridge) FlushIfIdle() bool {
	b.lock.Lock()
	if len(b.buf) == 0 || time.Since(b.lastAppend) < b.idleTimeout {
		b.lock.Unlock()
		return false
	}
	frame, ok := b.take()
	b.lock.Unlock()
	if ok {
		b.Broadcast(frame)
	}
	return ok
}

// Buffered returns the number of bytes waiting to be flushed.
func (b *Bridge) Buffered() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.buf)
}

// idleWait returns the time left until the buffer goes idle.
func (b *Bridge) idleWait() (time.Duration, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.buf) == 0 {
		return 0, false
	}
	wait := b.idleTimeout - time.Since(b.lastAppend)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// take empties the buffer into a frame. Must be called with b.lock held.
func (b *Bridge) take() (Text, bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	frame, err := ValidateText(b.buf)
	n := len(b.buf)
	b.buf = b.buf[:0]
	if err != nil {
		b.log.WithFields(logrus.Fields{
			"bytes": n,
			"error": err,
		}).Warn("Dropping serial frame that is not text")
		return "", false
	}
	return frame, true
}

// Broadcast sends a text frame to every attached client.
// A client that fails to receive it is skipped.
func (b *Bridge) Broadcast(frame Text) {
	b.clients.ForEachClient(func(c Client) {
		if err := c.WriteText(frame); err != nil {
			b.log.WithFields(logrus.Fields{
				"client": c.ID(),
				"error":  err,
			}).Debug("Cannot send serial data to client")
		}
	})
}

// BroadcastBinary sends a pre-validated binary payload, unmodified, to every attached client.
func (b *Bridge) BroadcastBinary(payload []byte) {
	b.clients.ForEachClient(func(c Client) {
		if err := c.WriteBinary(payload); err != nil {
			b.log.WithFields(logrus.Fields{
				"client": c.ID(),
				"error":  err,
			}).Debug("Cannot send binary payload to client")
		}
	})
}

// HandleText processes a text frame received from a client.
func (b *Bridge) HandleText(clientID string, p []byte) {
	if len(p) == 0 {
		return
	}
	frame, err := ValidateText(p)
	if err != nil {
		b.drop(clientID, Raw(p), err)
		return
	}

	if IsControl(frame) {
		b.handleControl(clientID, frame)
		return
	}
	b.writeSerial(clientID, frame)
}

// HandleBinary processes a binary frame received from a client.
// Binary frames are not part of the protocol and are dropped.
func (b *Bridge) HandleBinary(clientID string, p []byte) {
	b.log.WithFields(logrus.Fields{
		"client": clientID,
		"bytes":  len(p),
	}).Debug("Ignoring binary frame from client")
}

func (b *Bridge) drop(clientID string, raw Raw, reason error) {
	b.log.WithFields(logrus.Fields{
		"client": clientID,
		"bytes":  len(raw),
		"error":  reason,
	}).Warn("Discarding frame from client")
}

func (b *Bridge) handleControl(clientID string, frame Text) {
	fields := logrus.Fields{
		"client":  clientID,
		"command": string(frame),
	}
	c, err := ParseControl(frame)
	if err != nil {
		fields["error"] = err
		b.log.WithFields(fields).Debug("Ignoring channel command")
		return
	}

	fields["channel"] = c.String()
	if !b.selector.SelectChannel(c) {
		b.log.WithFields(fields).Warn("Failed to switch channel")
		return
	}
	b.log.WithFields(fields).Info("Switched channel")
}

// writeSerial writes frame to the link one byte at a time, in order.
func (b *Bridge) writeSerial(clientID string, frame Text) {
	if b.serial == nil {
		return
	}
	for i := 0; i < len(frame); i++ {
		if err := b.serial.WriteByte(frame[i]); err != nil {
			if !errors.Is(err, seriallink.ErrUnavailable) {
				b.log.WithFields(logrus.Fields{
					"client": clientID,
					"error":  err,
				}).Warn("Cannot write to serial link")
			}
			return
		}
	}
	b.log.WithFields(logrus.Fields{
		"client": clientID,
		"bytes":  len(frame),
	}).Debug("Forwarded client input to serial link")
}

// CurrentChannel returns the active multiplexer channel.
func (b *Bridge) CurrentChannel() mux.Channel {
	return b.selector.CurrentChannel()
}

// HasConnectedClients reports whether any network client is attached.
func (b *Bridge) HasConnectedClients() bool {
	return b.clients.HasAnyClient()
}
