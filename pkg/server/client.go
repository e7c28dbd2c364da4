package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/muxbridged/pkg/bridge"
)

const (
	sendBuffSize = 64               // Frames queued for a client before new ones are dropped
	writeWait    = 10 * time.Second // Time allowed to write a frame to a client
)

// ErrSendQueueFull is returned when a client is not draining its frames fast enough.
// The frame is dropped; the client stays connected.
var ErrSendQueueFull = errors.New("send queue full")

type outbound struct {
	messageType int
	data        []byte
}

// Client Represents a websocket client attached to the bridge.
// Frames written to a client are queued and sent by its own goroutine,
// so a slow client never holds up the others.
type Client struct {
	conn           *websocket.Conn
	id             string
	ConnectedSince time.Time
	RemoteAddr     string

	send chan outbound

	stopOnce      sync.Once
	done          chan struct{} // Closed when client is finished
	stoppedReason string        // Reason the client was stopped
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:           conn,
		id:             uuid.NewString(),
		ConnectedSince: time.Now(),
		RemoteAddr:     conn.RemoteAddr().String(),
		send:           make(chan outbound, sendBuffSize),
		done:           make(chan struct{}),
	}
}

// ID returns the client's unique identifier.
func (client *Client) ID() string {
	return client.id
}

// WriteText queues a text frame for the client.
func (client *Client) WriteText(t bridge.Text) error {
	return client.enqueue(outbound{websocket.TextMessage, []byte(t)})
}

// WriteBinary queues a binary frame for the client.
func (client *Client) WriteBinary(p []byte) error {
	return client.enqueue(outbound{websocket.BinaryMessage, p})
}

func (client *Client) enqueue(msg outbound) error {
	if client.Stopped() {
		return errors.Errorf("%s is stopped", client)
	}
	select {
	case client.send <- msg:
		return nil
	default:
		return errors.Wrapf(ErrSendQueueFull, "%s", client)
	}
}

// serve reads frames from the client and hands them to handler until the client goes away.
func (client *Client) serve(handler FrameHandler, pingInterval time.Duration, pingsUntilTimeout int, log *logrus.Logger) {
	if pingInterval > 0 {
		if pingsUntilTimeout <= 0 {
			pingsUntilTimeout = 1
		}
		timeout := pingInterval * time.Duration(pingsUntilTimeout)
		client.conn.SetReadDeadline(time.Now().Add(timeout))
		client.conn.SetPongHandler(func(string) error {
			return client.conn.SetReadDeadline(time.Now().Add(timeout))
		})
	}

	finished := make(chan struct{})
	go client.writeLoop(pingInterval, log, finished)
	defer func() { <-finished }()

	for {
		messageType, p, err := client.conn.ReadMessage()
		if err != nil {
			if isConnectionClosedError(err) {
				client.Stop("Client disconnected")
			} else {
				log.WithFields(logrus.Fields{
					"client": client,
					"error":  err,
				}).Debug("Receive error")
				client.Stop("Receive error")
			}
			return
		}
		if handler == nil {
			continue
		}

		switch messageType {
		case websocket.TextMessage:
			handler.HandleText(client.id, p)
		case websocket.BinaryMessage:
			handler.HandleBinary(client.id, p)
		}
	}
}

// writeLoop sends queued frames and pings until the client is stopped.
// It is the only goroutine writing data frames to conn.
func (client *Client) writeLoop(pingInterval time.Duration, log *logrus.Logger, finished chan<- struct{}) {
	defer close(finished)

	var pings <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-client.done:
			return

		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				log.WithFields(logrus.Fields{
					"client": client,
					"error":  err,
				}).Debug("Send error")
				client.Stop("Send error")
				return
			}

		case <-pings:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				client.Stop("Ping timeout")
				return
			}
		}
	}
}

// Stopped returns true if the client was stopped.
func (client *Client) Stopped() bool {
	select {
	case <-client.done:
		return true
	default:
		return false
	}
}

// Stop stops a client, closing its connection.
// Stop is idempotent; calling Stop more than once will have no effect.
func (client *Client) Stop(reason string) {
	client.stopOnce.Do(func() {
		client.stoppedReason = reason
		close(client.done)
		client.conn.Close()
	})
}

// StoppedReason returns why the client was stopped, or "" if it is still running.
func (client *Client) StoppedReason() string {
	if !client.Stopped() {
		return ""
	}
	return client.stoppedReason
}

func (client *Client) String() string {
	return fmt.Sprintf("Client(%s)", client.id)
}

// isConnectionClosedError checks if the error indicates a closed connection.
func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
