// SPDX-License-Identifier: GPL-3.0-or-later

// Package mgmt is the management/metrics surface the delivery layer is
// observed through (SPEC_FULL.md §4.17 / spec §6.4): per-peer window
// sizes and gap counts, table maintenance counters, and the process-wide
// message/ACK/retransmit/XMIT counters.
package mgmt

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/groupcomm/ucast/ucast"
)

// Handler serves the management surface over HTTP.
type Handler struct {
	router *mux.Router
	layer  *ucast.Layer
}

// NewHandler binds the management endpoints onto router.
func NewHandler(router *mux.Router, layer *ucast.Layer) *Handler {
	h := &Handler{router: router, layer: layer}

	h.router.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	h.router.HandleFunc("/connections", h.handleConnections).Methods(http.MethodGet)
	h.router.HandleFunc("/connections/{addr}", h.handleConnection).Methods(http.MethodGet)

	return h
}

// ServeHTTP lets a Handler be mounted directly as a http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.layer.Metrics.Snapshot())
}

func (h *Handler) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.layer.ConnectionStats())
}

func (h *Handler) handleConnection(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]

	for _, cs := range h.layer.ConnectionStats() {
		if cs.Address == addr {
			writeJSON(w, cs)
			return
		}
	}
	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("mgmt: failed to write JSON response")
	}
}
