// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Endpoint  endpointConf
	Server    serverConf
	Client    clientConf
	Peer      []peerConf
	Tickets   ticketsConf
	Monitor   monitorConf
	Discovery discoveryConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// endpointConf describes the Endpoint-configuration block.
type endpointConf struct {
	Address               string
	Port                  int
	Family                quicl.AddressFamily
	ReuseAddress          bool `toml:"reuse-address"`
	IPv6Only              bool `toml:"ipv6-only"`
	ValidateAddress       bool `toml:"validate-address"`
	MaxConnectionsPerHost int  `toml:"max-connections-per-host"`
	TTL                   int
}

// secureConf describes certificate files.
type secureConf struct {
	Cert    string
	Key     string
	CA      string
	Ciphers string
	Groups  string
}

func (conf secureConf) options() quicl.SecureOptions {
	return quicl.SecureOptions{
		CertFile: conf.Cert,
		KeyFile:  conf.Key,
		CAFile:   conf.CA,
		Ciphers:  conf.Ciphers,
		Groups:   conf.Groups,
	}
}

// contextConf describes a certificate selected by server name.
type contextConf struct {
	Pattern string
	secureConf
}

// serverConf describes the Server-configuration block. The server is disabled without an ALPN.
type serverConf struct {
	ALPN string
	secureConf

	// SelfSigned host names for a generated certificate, used if no cert is configured.
	SelfSigned         []string `toml:"self-signed"`
	Watch              bool
	RequestCert        bool  `toml:"request-cert"`
	RejectUnauthorized *bool `toml:"reject-unauthorized"`

	Transport        quicl.TransportParams
	PreferredAddress *quicl.PreferredAddress `toml:"preferred-address"`
	Context          []contextConf
	Notifications    []string
}

// clientConf describes the Client-configuration block, defaults for all peers.
type clientConf struct {
	secureConf

	VerifyHostname         *bool                        `toml:"verify-hostname"`
	RequestOCSP            bool                         `toml:"request-ocsp"`
	PreferredAddressPolicy quicl.PreferredAddressPolicy `toml:"preferred-address-policy"`
	Transport              quicl.TransportParams
	Notifications          []string
}

// peerConf describes a peer to connect to.
type peerConf struct {
	Address    string
	Port       int
	ServerName string `toml:"server-name"`
	ALPN       string
	Greeting   string
}

// ticketsConf describes the session ticket store.
type ticketsConf struct {
	Store string
}

// monitorConf describes the HTTP monitor.
type monitorConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4       bool
	IPv6       bool
	Interval   uint
	ServerName string `toml:"server-name"`
	Connect    bool
}

const defaultGreeting = "hello"

// parseConfig reads a TOML configuration and applies its logging block.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	err = conf.validate()
	return
}

func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func (conf tomlConfig) validate() error {
	var errs *multierror.Error

	if conf.Server.ALPN == "" && len(conf.Peer) == 0 && !conf.Discovery.Connect {
		errs = multierror.Append(errs, fmt.Errorf("neither server.alpn nor a peer is configured"))
	}
	if (conf.Discovery.IPv4 || conf.Discovery.IPv6) && conf.Server.ALPN == "" && !conf.Discovery.Connect {
		errs = multierror.Append(errs, fmt.Errorf("discovery requires server.alpn or discovery.connect"))
	}
	if ttl := conf.Endpoint.TTL; ttl < 0 || ttl > 255 {
		errs = multierror.Append(errs, fmt.Errorf("endpoint.ttl %d is not within 1 and 255", ttl))
	}
	if conf.Server.Watch && conf.Server.Cert == "" {
		errs = multierror.Append(errs, fmt.Errorf("server.watch requires server.cert"))
	}
	for i, peer := range conf.Peer {
		if peer.Port <= 0 || peer.Port > 65535 {
			errs = multierror.Append(errs, fmt.Errorf("peer %d: invalid port %d", i, peer.Port))
		}
		if peer.ALPN == "" {
			errs = multierror.Append(errs, fmt.Errorf("peer %d: alpn is empty", i))
		}
	}
	for i, ctx := range conf.Server.Context {
		if ctx.Pattern == "" || ctx.Cert == "" {
			errs = multierror.Append(errs, fmt.Errorf("server.context %d: pattern and cert are required", i))
		}
	}
	for _, ets := range [][]string{conf.Server.Notifications, conf.Client.Notifications} {
		if _, err := parseNotifications(ets); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

func parseNotifications(names []string) ([]quicl.EventType, error) {
	if names == nil {
		return nil, nil
	}

	ets := make([]quicl.EventType, 0, len(names))
	for _, name := range names {
		et, err := quicl.ParseEventType(name)
		if err != nil {
			return nil, err
		}
		ets = append(ets, et)
	}
	return ets, nil
}

// endpointConfig maps the endpoint and client blocks onto a quicl.EndpointConfig.
func (conf tomlConfig) endpointConfig() (quicl.EndpointConfig, error) {
	clientNotifications, err := parseNotifications(conf.Client.Notifications)
	if err != nil {
		return quicl.EndpointConfig{}, err
	}

	clientCtx, err := quicl.NewSecureContext(conf.Client.options())
	if err != nil {
		return quicl.EndpointConfig{}, fmt.Errorf("client: %w", err)
	}

	family := conf.Endpoint.Family
	if family == 0 {
		family = quicl.IPv4
	}

	return quicl.EndpointConfig{
		Address:               conf.Endpoint.Address,
		Port:                  conf.Endpoint.Port,
		Family:                family,
		ReuseAddr:             conf.Endpoint.ReuseAddress,
		IPv6Only:              conf.Endpoint.IPv6Only,
		ValidateAddress:       conf.Endpoint.ValidateAddress,
		ValidateAddressLRU:    conf.Endpoint.ValidateAddress,
		MaxConnectionsPerHost: conf.Endpoint.MaxConnectionsPerHost,
		Client: &quicl.ClientConfig{
			Family:                 family,
			Context:                clientCtx,
			Transport:              conf.Client.Transport,
			RequestOCSP:            conf.Client.RequestOCSP,
			VerifyHostnameIdentity: conf.Client.VerifyHostname,
			PreferredAddressPolicy: conf.Client.PreferredAddressPolicy,
			Notifications:          clientNotifications,
		},
	}, nil
}
