// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server attaches websocket clients to the serial bridge and serves
// the browser terminal and the status endpoint.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/muxbridged/pkg/bridge"
	"github.com/n0ot/muxbridged/pkg/mux"
)

// FrameHandler receives frames sent by clients.
type FrameHandler interface {
	HandleText(clientID string, p []byte)
	HandleBinary(clientID string, p []byte)
}

// ChannelReporter reports the active multiplexer channel.
type ChannelReporter interface {
	CurrentChannel() mux.Channel
}

// LinkReporter reports the state of the serial link.
type LinkReporter interface {
	Available() bool
	PortName() string
}

// Server Contains state for a muxbridged server.
type Server struct {
	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// TLSConfig optionally provides a TLS configuration for use by ListenAndServeTLS.
	TLSConfig *tls.Config

	// WebRoot is the directory holding the browser terminal. If empty, no files are served.
	WebRoot string

	// StatusPassword protects the status endpoint. If empty, status is public.
	StatusPassword string

	// Handler receives frames from clients.
	Handler FrameHandler

	// Channels and Link feed the status endpoint; either may be nil.
	Channels ChannelReporter
	Link     LinkReporter

	Log *logrus.Logger

	// registry stores the attached clients.
	registry registry
	initOnce sync.Once
	upgrader websocket.Upgrader

	httpLock    sync.Mutex // Protects httpServers
	httpServers []*http.Server
}

func (srv *Server) init() {
	srv.initOnce.Do(func() {
		if srv.Log == nil {
			srv.Log = logrus.StandardLogger()
		}
		now := time.Now()
		srv.registry = registry{
			clients:        make(map[string]*Client),
			createdTime:    now,
			maxClientsTime: now,
		}
		srv.upgrader = websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The terminal page may be served from another host during development.
			CheckOrigin: func(r *http.Request) bool { return true },
		}
	})
}

// HTTPHandler returns the handler serving websocket, status, and static file requests.
// Websocket upgrades are accepted on /ws and on /, where the browser terminal connects.
func (srv *Server) HTTPHandler() http.Handler {
	srv.init()
	var static http.Handler = http.NotFoundHandler()
	if srv.WebRoot != "" {
		static = newStaticHandler(srv.WebRoot, srv.Log)
	}

	router := http.NewServeMux()
	router.HandleFunc("/ws", srv.handleWebSocket)
	router.HandleFunc("/status", srv.handleStatus)
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
			srv.handleWebSocket(w, r)
			return
		}
		static.ServeHTTP(w, r)
	})
	return router
}

// ListenAndServe listens for connections on the network, and connects them to the serial bridge.
func (srv *Server) ListenAndServe(addr string) error {
	srv.init()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": false,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// ListenAndServeTLS behaves just like ListenAndServe, but wraps the connection with TLS.
func (srv *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	srv.init()
	config := srv.TLSConfig
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return errors.Wrap(err, "Load X.509 key pair")
		}
		config = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if config == nil {
		return errors.New("No TLSConfig set in server, and no certFile/keyFile given")
	}

	listener, err := tls.Listen("tcp", addr, config)
	if err != nil {
		return errors.Wrap(err, "Listen TLS")
	}

	srv.Log.WithFields(logrus.Fields{
		"addr":        addr,
		"tls_enabled": true,
	}).Info("Listening for incoming connections")
	return srv.Serve(listener)
}

// Serve serves clients on listener until Shutdown is called.
// It may be called for several listeners; they share one set of clients.
func (srv *Server) Serve(listener net.Listener) error {
	srv.init()
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"web_root":            srv.WebRoot,
		"addr":                listener.Addr().String(),
	}).Info("Server started")

	httpServer := &http.Server{
		Handler:           srv.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.httpLock.Lock()
	srv.httpServers = append(srv.httpServers, httpServer)
	srv.httpLock.Unlock()

	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Serve")
	}
	return nil
}

// Shutdown stops accepting connections and disconnects every client.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.init()
	srv.httpLock.Lock()
	httpServers := srv.httpServers
	srv.httpServers = nil
	srv.httpLock.Unlock()

	var err error
	for _, httpServer := range httpServers {
		if shutdownErr := httpServer.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	// Hijacked websocket connections are not closed by http.Server.Shutdown.
	for _, c := range srv.registry.snapshot() {
		c.Stop("Server shutting down")
	}
	return errors.Wrap(err, "Shutdown")
}

// ForEachClient calls fn for every client attached when it was called.
func (srv *Server) ForEachClient(fn func(bridge.Client)) {
	srv.init()
	for _, c := range srv.registry.snapshot() {
		fn(c)
	}
}

// HasAnyClient reports whether at least one client is attached.
func (srv *Server) HasAnyClient() bool {
	srv.init()
	return srv.registry.count() > 0
}

func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Warn("Error upgrading to websocket")
		return
	}

	client := newClient(conn)
	remoteAddr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteAddr = r.RemoteAddr
	}
	srv.registry.add(client)
	srv.Log.WithFields(logrus.Fields{
		"client":      client,
		"remote_host": getHostFromAddrIfPossible(remoteAddr),
	}).Info("Client connected")

	client.serve(srv.Handler, srv.TimeBetweenPings, srv.PingsUntilTimeout, srv.Log)

	srv.registry.remove(client.ID())
	srv.Log.WithFields(logrus.Fields{
		"client": client,
		"reason": client.StoppedReason(),
	}).Info("Client disconnected")
}

// getHostFromAddrIfPossible tries to get the reverse dns host for an address.
// If that isn't possible, it just returns the address.
func getHostFromAddrIfPossible(addr string) string {
	var hosts string
	names, err := net.LookupAddr(addr)
	if err == nil { // No need to report errors; just fallback to IP
		hosts = strings.Join(names, ", ")
	}

	if hosts == "" {
		return addr
	}

	return fmt.Sprintf("%s (%s)", hosts, addr)
}
