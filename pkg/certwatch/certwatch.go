// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package certwatch reloads the certificate of a quicl.SecureContext whenever its PEM
// files change on disk. New handshakes use the new certificate, established Sessions
// are not affected.
package certwatch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// settleDelay between the last file event and the reload. Certificate and key are
// usually replaced one after another.
const settleDelay = 200 * time.Millisecond

// Watcher of a certificate and key file.
type Watcher struct {
	ctx      *quicl.SecureContext
	certFile string
	keyFile  string

	watcher *fsnotify.Watcher
	logger  *log.Entry

	mutex   sync.Mutex
	reloads uint64
	lastErr error

	stopChan chan struct{}
	doneChan chan struct{}
}

// Watch the files of ctx's certificate. Their directories are watched, so replacing a
// file by renaming is noticed as well.
func Watch(ctx *quicl.SecureContext, certFile, keyFile string) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		ctx:      ctx,
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		watcher:  watcher,
		logger: log.WithFields(log.Fields{
			"certificate": certFile,
			"key":         keyFile,
		}),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	for _, dir := range []string{filepath.Dir(w.certFile), filepath.Dir(w.keyFile)} {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}

	go w.handler()

	w.logger.Info("Watching certificate files")
	return w, nil
}

func (w *Watcher) relevant(e fsnotify.Event) bool {
	name := filepath.Clean(e.Name)
	if name != w.certFile && name != w.keyFile {
		return false
	}
	return e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) handler() {
	defer close(w.doneChan)

	timer := time.NewTimer(settleDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.stopChan:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Error("fsnotify's Event channel was closed")
				return
			}

			if !w.relevant(e) {
				continue
			}

			w.logger.WithFields(log.Fields{
				"file":      e.Name,
				"operation": e.Op.String(),
			}).Debug("Certificate file changed")
			timer.Reset(settleDelay)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Error("fsnotify's Errors channel was closed")
				return
			}

			w.logger.WithError(err).Warn("fsnotify errored")

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	err := w.ctx.ReloadFiles(w.certFile, w.keyFile)

	w.mutex.Lock()
	w.lastErr = err
	if err == nil {
		w.reloads++
	}
	w.mutex.Unlock()

	if err != nil {
		// Another event follows if only one of both files was written yet.
		w.logger.WithError(err).Warn("Reloading certificate failed")
	} else {
		w.logger.Info("Reloaded certificate")
	}
}

// Reloads returns the number of successful reloads and the error of the latest attempt.
func (w *Watcher) Reloads() (n uint64, err error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.reloads, w.lastErr
}

// Close the Watcher.
func (w *Watcher) Close() error {
	close(w.stopChan)
	<-w.doneChan

	return w.watcher.Close()
}
