// Copyright © 2023 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/n0ot/muxbridged/pkg/models"
	"github.com/n0ot/muxbridged/pkg/mux"
)

// StatusPasswordHeader carries the status password on /status requests.
const StatusPasswordHeader = "X-Status-Password"

// wrongPasswordDelay slows down password guessing.
var wrongPasswordDelay = 5 * time.Second

// Status gets the running state of the server.
func (srv *Server) Status() models.Status {
	srv.init()
	stats := srv.registry.Stats()
	st := models.Status{
		Uptime:         stats.Uptime,
		Channel:        int(mux.None),
		ChannelName:    mux.None.String(),
		NumClients:     stats.NumClients,
		MaxClients:     stats.MaxClients,
		MaxClientsTime: stats.MaxClientsTime,
		TotalClients:   stats.TotalClients,
	}
	if srv.Channels != nil {
		c := srv.Channels.CurrentChannel()
		st.Channel = int(c)
		st.ChannelName = c.String()
	}
	if srv.Link != nil {
		st.SerialAvailable = srv.Link.Available()
		st.SerialPort = srv.Link.PortName()
	}
	return st
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, models.NewErrorMessage("method not allowed"))
		return
	}

	if srv.StatusPassword != "" {
		given := r.Header.Get(StatusPasswordHeader)
		if given == "" {
			writeJSON(w, http.StatusUnauthorized, models.NewErrorMessage("no password"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(srv.StatusPassword)) != 1 {
			srv.Log.WithFields(logrus.Fields{
				"remote_addr": r.RemoteAddr,
			}).Warn("Wrong status password")
			time.Sleep(wrongPasswordDelay) // Prevent brute forcing
			writeJSON(w, http.StatusUnauthorized, models.NewErrorMessage("wrong password"))
			return
		}
	}

	writeJSON(w, http.StatusOK, models.NewStatusMessage(srv.Status()))
}

func writeJSON(w http.ResponseWriter, code int, msg models.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(msg)
}
