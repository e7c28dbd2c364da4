// Package seriallink owns the serial port shared by every multiplexer channel.
// It keeps the port open, reopening it after failures, and hands received
// bytes to a single consumer.
package seriallink

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultRetryInterval is how long to wait before reopening a failed port.
	DefaultRetryInterval = time.Second

	readTimeout = 100 * time.Millisecond
	readBufSize = 256
	chunkQueue  = 16
)

// ErrUnavailable is returned by writes while the port is not open.
var ErrUnavailable = errors.New("serial link unavailable")

// Port is the part of a serial port the link needs.
type Port interface {
	io.ReadWriteCloser
}

// timeoutPort is implemented by ports that can bound a blocking read.
type timeoutPort interface {
	SetReadTimeout(t time.Duration) error
}

// Opener opens the port at path.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Link is the serial connection to whichever SBC is currently selected.
type Link struct {
	path          string
	options       Options
	retryInterval time.Duration
	open          Opener
	log           *logrus.Logger

	lock sync.Mutex // Protects port
	port Port

	chunks chan []byte
}

// New creates a link for the port at path. Nothing is opened until Run is called.
func New(log *logrus.Logger, path string, opts Options, retryInterval time.Duration) *Link {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Link{
		path:          path,
		options:       opts,
		retryInterval: retryInterval,
		open:          OpenSerial,
		log:           log,
		chunks:        make(chan []byte, chunkQueue),
	}
}

// SetOpener replaces the function used to open the port.
func (l *Link) SetOpener(open Opener) {
	l.open = open
}

// Bytes delivers every chunk read from the port, in order.
func (l *Link) Bytes() <-chan []byte {
	return l.chunks
}

// PortName returns the path of the serial device.
func (l *Link) PortName() string {
	return l.path
}

// Available reports whether the port is currently open.
func (l *Link) Available() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.port != nil
}

// WriteByte writes one byte to the port.
// While the port is closed it returns ErrUnavailable and the byte is lost.
func (l *Link) WriteByte(b byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.port == nil {
		return ErrUnavailable
	}
	if _, err := l.port.Write([]byte{b}); err != nil {
		return errors.Wrap(err, "Write to serial port")
	}
	return nil
}

// Run keeps the port open until ctx is cancelled.
// It returns an error only if the configured framing is invalid.
func (l *Link) Run(ctx context.Context) error {
	mode, err := l.options.SerialMode()
	if err != nil {
		return errors.Wrap(err, "Serial options")
	}

	for {
		port, err := l.open(l.path, mode)
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"port":  l.path,
				"error": err,
			}).Warn("Cannot open serial port; retrying")
		} else {
			l.log.WithFields(logrus.Fields{
				"port": l.path,
				"mode": l.options.String(),
			}).Info("Serial port opened")
			l.serve(ctx, port)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryInterval):
		}
	}
}

// serve reads from port until it fails or ctx is cancelled, then closes it.
func (l *Link) serve(ctx context.Context, port Port) {
	if tp, ok := port.(timeoutPort); ok {
		if err := tp.SetReadTimeout(readTimeout); err != nil {
			l.log.WithFields(logrus.Fields{
				"port":  l.path,
				"error": err,
			}).Debug("Cannot set serial read timeout")
		}
	}

	l.setPort(port)
	var closeOnce sync.Once
	closePort := func() {
		closeOnce.Do(func() {
			l.setPort(nil)
			port.Close()
		})
	}
	defer closePort()

	// Unblock a pending Read on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			closePort()
		case <-stop:
		}
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"port":  l.path,
				"error": err,
			}).Warn("Serial port read failed; closing")
			return
		}
		if n == 0 {
			if _, ok := port.(timeoutPort); !ok {
				// A port without read timeouts reporting no data has gone away.
				l.log.WithField("port", l.path).Warn("Serial port returned no data; closing")
				return
			}
		}
	}
}

func (l *Link) setPort(port Port) {
	l.lock.Lock()
	l.port = port
	l.lock.Unlock()
}
