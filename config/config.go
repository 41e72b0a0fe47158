// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the delivery layer's TOML configuration file and
// watches it for changes, mirroring the enumerated options of spec §6.3.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/groupcomm/ucast/ucast"
)

// File is the on-disk shape of the configuration; ms-denominated fields are
// converted to time.Duration when producing a ucast.Config.
type File struct {
	Ucast UcastConf
	Log   LogConf
}

// UcastConf mirrors ucast.Config field-for-field, spelled out the way the
// options table in spec §6.3 names them.
type UcastConf struct {
	MaxMsgBatchSize            int     `toml:"max-msg-batch-size"`
	ConnExpiryTimeoutMS        int64   `toml:"conn-expiry-timeout-ms"`
	XmitTableNumRows           int     `toml:"xmit-table-num-rows"`
	XmitTableMsgsPerRow        int     `toml:"xmit-table-msgs-per-row"`
	XmitTableResizeFactor      float64 `toml:"xmit-table-resize-factor"`
	XmitTableMaxCompactionTime int64   `toml:"xmit-table-max-compaction-time-ms"`
	XmitIntervalMS             int64   `toml:"xmit-interval-ms"`
	LogNotFoundMsgs            bool    `toml:"log-not-found-msgs"`
	AckBatchesImmediately      bool    `toml:"ack-batches-immediately"`
	MaxRetransmitTimeMS        int64   `toml:"max-retransmit-time-ms"`
}

// LogConf mirrors the teacher's logging block.
type LogConf struct {
	Level        string `toml:"level"`
	ReportCaller bool   `toml:"report-caller"`
	Format       string `toml:"format"`
}

// ToUcastConfig converts the on-disk representation to a ucast.Config.
func (f File) ToUcastConfig() ucast.Config {
	cfg := ucast.DefaultConfig()

	if f.Ucast.MaxMsgBatchSize > 0 {
		cfg.MaxMsgBatchSize = f.Ucast.MaxMsgBatchSize
	}
	cfg.ConnExpiryTimeout = time.Duration(f.Ucast.ConnExpiryTimeoutMS) * time.Millisecond
	if f.Ucast.XmitTableNumRows > 0 {
		cfg.XmitTableNumRows = f.Ucast.XmitTableNumRows
	}
	if f.Ucast.XmitTableMsgsPerRow > 0 {
		cfg.XmitTableMsgsPerRow = f.Ucast.XmitTableMsgsPerRow
	}
	if f.Ucast.XmitTableResizeFactor > 1 {
		cfg.XmitTableResizeFactor = f.Ucast.XmitTableResizeFactor
	}
	if f.Ucast.XmitTableMaxCompactionTime > 0 {
		cfg.XmitTableMaxCompactionTime = time.Duration(f.Ucast.XmitTableMaxCompactionTime) * time.Millisecond
	}
	if f.Ucast.XmitIntervalMS > 0 {
		cfg.XmitInterval = time.Duration(f.Ucast.XmitIntervalMS) * time.Millisecond
	}
	cfg.LogNotFoundMsgs = f.Ucast.LogNotFoundMsgs
	cfg.AckBatchesImmediately = f.Ucast.AckBatchesImmediately
	cfg.MaxRetransmitTime = time.Duration(f.Ucast.MaxRetransmitTimeMS) * time.Millisecond

	return cfg
}

// Load parses a TOML configuration file and validates it.
func Load(path string) (File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("config: decoding %q: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("config: %q: %w", path, err)
	}
	return f, nil
}

// Validate collects every malformed option in f instead of bailing out on
// the first one, so a misconfigured file is reported in full.
func (f File) Validate() error {
	var errs *multierror.Error

	if f.Ucast.XmitTableNumRows < 0 {
		errs = multierror.Append(errs, fmt.Errorf("xmit-table-num-rows must not be negative, got %d", f.Ucast.XmitTableNumRows))
	}
	if f.Ucast.XmitTableMsgsPerRow < 0 {
		errs = multierror.Append(errs, fmt.Errorf("xmit-table-msgs-per-row must not be negative, got %d", f.Ucast.XmitTableMsgsPerRow))
	}
	if f.Ucast.XmitTableResizeFactor != 0 && f.Ucast.XmitTableResizeFactor <= 1 {
		errs = multierror.Append(errs, fmt.Errorf("xmit-table-resize-factor must be greater than 1, got %v", f.Ucast.XmitTableResizeFactor))
	}
	if f.Ucast.XmitIntervalMS < 0 {
		errs = multierror.Append(errs, fmt.Errorf("xmit-interval-ms must not be negative, got %d", f.Ucast.XmitIntervalMS))
	}
	if f.Ucast.ConnExpiryTimeoutMS < 0 {
		errs = multierror.Append(errs, fmt.Errorf("conn-expiry-timeout-ms must not be negative, got %d", f.Ucast.ConnExpiryTimeoutMS))
	}
	switch f.Log.Format {
	case "", "text", "json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log.format must be \"text\" or \"json\", got %q", f.Log.Format))
	}

	return errs.ErrorOrNil()
}

// Watcher applies live-tunable options from a configuration file to a
// running layer whenever the file changes on disk. Options documented in
// ucast.Config as "fixed at creation" are silently ignored on reload; only
// SetConfig is called, which the Layer already treats that way.
type Watcher struct {
	path    string
	layer   *ucast.Layer
	watcher *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewWatcher starts watching path and applying reloads to layer.
func NewWatcher(path string, layer *ucast.Layer) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watching %q: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		layer:   layer,
		watcher: fw,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.stopAck)
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-w.stopSyn:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				log.Error("config: fsnotify event channel closed")
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			f, err := Load(w.path)
			if err != nil {
				log.WithFields(log.Fields{"path": w.path, "error": err}).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			w.layer.SetConfig(f.ToUcastConfig())
			log.WithFields(log.Fields{"path": w.path}).Info("config: reloaded")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				log.Error("config: fsnotify error channel closed")
				return
			}
			log.WithFields(log.Fields{"error": err}).Warn("config: watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.stopSyn)
	<-w.stopAck
}
