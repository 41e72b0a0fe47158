// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"net/http"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/groupcomm/ucast/bus"
	"github.com/groupcomm/ucast/config"
	"github.com/groupcomm/ucast/mgmt"
	"github.com/groupcomm/ucast/timer"
	"github.com/groupcomm/ucast/transport"
	"github.com/groupcomm/ucast/ucast"
)

// stdoutBus is a minimal bus.Bus that just logs everything delivered
// upward; a real deployment wires this to the rest of the group-
// communication stack instead.
type stdoutBus struct{}

func (stdoutBus) Up(ev bus.Event) {
	log.WithFields(log.Fields{"src": ev.Src, "bytes": len(ev.Payload)}).Info("ucastd: delivered message")
}

func applyLogging(l config.LogConf) {
	if l.Level != "" {
		if lvl, err := log.ParseLevel(l.Level); err != nil {
			log.WithFields(log.Fields{"level": l.Level, "error": err}).Warn("ucastd: invalid log level, keeping default")
		} else {
			log.SetLevel(lvl)
		}
	}
	log.SetReportCaller(l.ReportCaller)
	if l.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{})
	}
}

func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signal.Notify(signalSyn, os.Interrupt)
	<-signalSyn
}

func main() {
	if len(os.Args) != 3 {
		log.Fatalf("Usage: %s configuration.toml listen-addr", os.Args[0])
	}
	confPath, listenAddr := os.Args[1], os.Args[2]

	file, err := config.Load(confPath)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("ucastd: failed to parse config")
	}
	applyLogging(file.Log)

	tr, err := transport.NewUDP(listenAddr)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("ucastd: failed to open transport")
	}
	defer tr.Close()

	cron := timer.NewCron(10 * time.Millisecond)
	defer cron.Stop()

	layer := ucast.NewLayer(file.ToUcastConfig(), tr, stdoutBus{}, cron)
	if err := layer.Start(); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("ucastd: failed to start layer")
	}
	defer layer.Close()

	watcher, err := config.NewWatcher(confPath, layer)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("ucastd: config hot-reload disabled")
	} else {
		defer watcher.Close()
	}

	router := mux.NewRouter()
	mgmt.NewHandler(router, layer)
	mgmtSrv := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{"error": err}).Warn("ucastd: management server stopped")
		}
	}()
	defer mgmtSrv.Close()

	log.WithFields(log.Fields{"listen": listenAddr}).Info("ucastd: running")
	waitSigint()
	log.Info("ucastd: shutting down")
}
