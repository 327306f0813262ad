// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/internal/selfsigned"
	"github.com/dtn7/quicl-go/pkg/certwatch"
	"github.com/dtn7/quicl-go/pkg/discovery"
	"github.com/dtn7/quicl-go/pkg/monitor"
	"github.com/dtn7/quicl-go/pkg/quicl"
	"github.com/dtn7/quicl-go/pkg/quicl/engine/quicgo"
	"github.com/dtn7/quicl-go/pkg/ticketstore"
)

const closeTimeout = 5 * time.Second

// daemon bundles the components configured by a tomlConfig.
type daemon struct {
	conf tomlConfig

	loop     *quicl.Loop
	endpoint *quicl.Endpoint
	tickets  *ticketstore.Store
	watchers []*certwatch.Watcher
	monitor  *monitor.Monitor
	http     *http.Server

	mutex     sync.Mutex
	discovery *discovery.Manager
	dialed    map[string]struct{}
	closed    bool
}

// startDaemon creates and starts all components. On error, already started ones are closed.
func startDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{
		conf:   conf,
		loop:   quicl.NewLoop(),
		dialed: make(map[string]struct{}),
	}
	d.loop.Start()

	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	epConf, err := conf.endpointConfig()
	if err != nil {
		return
	}
	if d.endpoint, err = quicl.NewEndpoint(d.loop, quicgo.New(), epConf); err != nil {
		return
	}
	d.endpoint.On(quicl.EventError, func(ev quicl.Event) {
		log.WithField("error", ev.Message).Error("Endpoint failed")
	})
	if ttl := conf.Endpoint.TTL; ttl != 0 {
		d.endpoint.Once(quicl.EventReady, func(quicl.Event) {
			if err := d.endpoint.SetTTL(ttl); err != nil {
				log.WithError(err).Warn("Failed to set TTL")
			}
		})
	}

	if conf.Tickets.Store != "" {
		if d.tickets, err = ticketstore.NewStore(conf.Tickets.Store); err != nil {
			return
		}
		d.tickets.DeleteExpired()
	}

	if conf.Monitor.Listen != "" {
		d.startMonitor()
	}

	if conf.Server.ALPN != "" {
		if err = d.listen(); err != nil {
			return
		}
	} else if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		go d.startDiscovery(nil)
	}

	for _, peer := range conf.Peer {
		if err := d.connect(peer); err != nil {
			log.WithFields(log.Fields{
				"peer":  net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port)),
				"error": err,
			}).Warn("Failed to establish a connection to a peer")
		}
	}

	return
}

// secureContext loads a certificate, generating a self-signed one if no file is configured.
func (d *daemon) secureContext(conf secureConf, hosts []string) (*quicl.SecureContext, error) {
	opts := conf.options()
	if conf.Cert == "" {
		if len(hosts) == 0 {
			hosts = []string{"localhost"}
		}

		certPEM, keyPEM, err := selfsigned.Generate(hosts...)
		if err != nil {
			return nil, err
		}
		opts.CertPEM, opts.KeyPEM = certPEM, keyPEM

		log.WithField("hosts", hosts).Warn("No certificate configured, using a self-signed one")
	}

	ctx, err := quicl.NewSecureContext(opts)
	if err != nil {
		return nil, err
	}

	if d.conf.Server.Watch && conf.Cert != "" {
		w, err := certwatch.Watch(ctx, conf.Cert, conf.Key)
		if err != nil {
			return nil, err
		}
		d.watchers = append(d.watchers, w)
	}
	return ctx, nil
}

// listen starts the echo server.
func (d *daemon) listen() error {
	conf := d.conf.Server

	ctx, err := d.secureContext(conf.secureConf, conf.SelfSigned)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	var contexts []quicl.NamedContext
	for _, cc := range conf.Context {
		namedCtx, err := d.secureContext(cc.secureConf, nil)
		if err != nil {
			return fmt.Errorf("server.context %s: %w", cc.Pattern, err)
		}
		contexts = append(contexts, quicl.NamedContext{Pattern: cc.Pattern, Context: namedCtx})
	}

	notifications, err := parseNotifications(conf.Notifications)
	if err != nil {
		return err
	}

	d.endpoint.On(quicl.EventSession, func(ev quicl.Event) {
		serveEcho(ev.Message.(*quicl.ServerSession))
	})
	d.endpoint.On(quicl.EventListening, func(quicl.Event) {
		log.WithFields(log.Fields{
			"address": d.endpoint.Address(),
			"alpn":    conf.ALPN,
		}).Info("Echo server is listening")

		if d.conf.Discovery.IPv4 || d.conf.Discovery.IPv6 {
			go d.startDiscovery(d.endpoint)
		}
	})

	return d.endpoint.Listen(&quicl.ServerConfig{
		ALPN:               conf.ALPN,
		Context:            ctx,
		Transport:          conf.Transport,
		RequestCert:        conf.RequestCert,
		RejectUnauthorized: conf.RejectUnauthorized,
		PreferredAddress:   conf.PreferredAddress,
		Contexts:           contexts,
		Notifications:      notifications,
	})
}

// serveEcho writes back everything received on the ServerSession's Streams.
func serveEcho(ss *quicl.ServerSession) {
	logger := log.WithField("session", ss)

	ss.On(quicl.EventSecure, func(ev quicl.Event) {
		logger.WithFields(log.Fields{
			"secure":        ev.Message,
			"authenticated": ss.Authenticated(),
		}).Info("Accepted session")
	})
	ss.On(quicl.EventError, func(ev quicl.Event) {
		logger.WithField("error", ev.Message).Warn("Session failed")
	})

	// Enabled by server.notifications; both suspend the handshake until done.
	ss.On(quicl.EventClientHello, func(ev quicl.Event) {
		req := ev.Message.(*quicl.ClientHelloRequest)
		logger.WithFields(log.Fields{
			"alpn":        req.ALPN,
			"server name": req.ServerName,
			"ciphers":     req.Ciphers,
		}).Debug("Received client hello")
		req.Done(nil, nil)
	})
	ss.On(quicl.EventOCSPRequest, func(ev quicl.Event) {
		req := ev.Message.(*quicl.OCSPRequest)
		logger.WithField("server name", req.ServerName).Debug("No OCSP response to staple")
		req.Done(nil, nil, nil)
	})

	ss.On(quicl.EventStream, func(ev quicl.Event) {
		st := ev.Message.(*quicl.Stream)
		if st.Unidirectional() {
			return
		}

		st.On(quicl.EventData, func(ev quicl.Event) {
			if _, err := st.Write(ev.Message.([]byte)); err != nil {
				logger.WithField("stream", st).WithError(err).Warn("Echo failed")
			}
		})
		st.On(quicl.EventEnd, func(quicl.Event) {
			_ = st.End()
		})
	})
}

// connect greets a peer on a bidirectional Stream and closes the session after the echo.
func (d *daemon) connect(peer peerConf) error {
	target := net.JoinHostPort(peer.Address, strconv.Itoa(peer.Port))

	d.mutex.Lock()
	if _, ok := d.dialed[target]; ok || d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.dialed[target] = struct{}{}
	d.mutex.Unlock()

	cfg := &quicl.ClientConfig{
		Address:    peer.Address,
		Port:       peer.Port,
		ServerName: peer.ServerName,
		ALPN:       peer.ALPN,
	}
	if d.tickets != nil {
		d.tickets.Hint(cfg)
	}

	cs, err := d.endpoint.Connect(cfg)
	if err != nil {
		d.forget(target)
		return err
	}
	if d.tickets != nil {
		d.tickets.Attach(cs)
	}

	greeting := peer.Greeting
	if greeting == "" {
		greeting = defaultGreeting
	}

	logger := log.WithFields(log.Fields{
		"session": cs,
		"peer":    target,
	})

	cs.On(quicl.EventError, func(ev quicl.Event) {
		logger.WithField("error", ev.Message).Warn("Session to peer failed")
	})
	cs.On(quicl.EventClose, func(quicl.Event) {
		d.forget(target)
	})
	cs.On(quicl.EventSecure, func(quicl.Event) {
		logger.WithField("authenticated", cs.Authenticated()).Info("Connected to peer")

		st, err := cs.OpenStream(false)
		if err != nil {
			logger.WithError(err).Warn("Failed to open stream")
			_ = cs.Close(nil)
			return
		}

		var echo []byte
		st.On(quicl.EventData, func(ev quicl.Event) {
			echo = append(echo, ev.Message.([]byte)...)
		})
		st.On(quicl.EventEnd, func(quicl.Event) {
			logger.WithField("echo", string(echo)).Info("Peer echoed greeting")
			_ = cs.Close(nil)
		})

		if _, err := st.Write([]byte(greeting)); err != nil {
			logger.WithError(err).Warn("Failed to send greeting")
		}
		_ = st.End()
	})

	return nil
}

func (d *daemon) forget(target string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.dialed, target)
}

func (d *daemon) startMonitor() {
	d.monitor = monitor.New(d.loop)
	d.monitor.Register(d.endpoint)

	d.http = &http.Server{
		Addr:              d.conf.Monitor.Listen,
		Handler:           d.monitor,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := d.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Monitor HTTP server failed")
		}
	}()

	log.WithField("listen", d.conf.Monitor.Listen).Info("Started monitor")
}

// startDiscovery announces the listening Endpoint, if any, and connects to discovered peers.
func (d *daemon) startDiscovery(ep *quicl.Endpoint) {
	conf := d.conf.Discovery

	var announcements []discovery.Announcement
	if ep != nil {
		serverName := conf.ServerName
		if serverName == "" {
			serverName = "localhost"
		}

		announcement, err := discovery.EndpointAnnouncement(ep, serverName)
		if err != nil {
			log.WithError(err).Warn("Failed to announce endpoint")
			return
		}
		announcements = append(announcements, announcement)
	}

	interval := conf.Interval
	if interval == 0 {
		interval = 10
	}

	var discoverFunc discovery.DiscoverFunc
	if conf.Connect {
		discoverFunc = func(address string, announcement discovery.Announcement) {
			host, port := discovery.ClientAddress(address, announcement)
			if err := d.connect(peerConf{
				Address:    host,
				Port:       port,
				ServerName: announcement.ServerName,
				ALPN:       announcement.ALPN,
			}); err != nil {
				log.WithFields(log.Fields{
					"peer":  address,
					"error": err,
				}).Warn("Failed to connect to discovered peer")
			}
		}
	}

	manager, err := discovery.NewManager(discoverFunc, announcements, time.Duration(interval)*time.Second, conf.IPv4, conf.IPv6)
	if err != nil {
		log.WithError(err).Error("Failed to start discovery")
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		manager.Close()
		return
	}
	d.discovery = manager
}

// Close all components. Sessions get closeTimeout to finish.
func (d *daemon) Close() {
	d.mutex.Lock()
	d.closed = true
	manager := d.discovery
	d.discovery = nil
	d.mutex.Unlock()

	if manager != nil {
		manager.Close()
	}

	if d.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := d.http.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to shut monitor down")
		}
		cancel()
	}
	if d.monitor != nil {
		d.monitor.Close()
	}

	if d.endpoint != nil {
		done := make(chan struct{})
		if err := d.endpoint.Close(func() { close(done) }); err == nil {
			select {
			case <-done:
			case <-time.After(closeTimeout):
				log.Warn("Endpoint did not close in time, destroying it")
				d.endpoint.Destroy(nil)
			}
		}
	}

	for _, w := range d.watchers {
		if err := w.Close(); err != nil {
			log.WithError(err).Warn("Failed to close certificate watcher")
		}
	}

	if d.tickets != nil {
		if err := d.tickets.Close(); err != nil {
			log.WithError(err).Warn("Failed to close ticket store")
		}
	}

	if err := d.loop.Close(); err != nil {
		log.WithError(err).Warn("Failed to close loop")
	}
}
