// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// AddressFamily is either IPv4 or IPv6.
type AddressFamily int

const (
	IPv4 AddressFamily = 4
	IPv6 AddressFamily = 6
)

func (af AddressFamily) String() string {
	switch af {
	case IPv4:
		return "udp4"
	case IPv6:
		return "udp6"
	default:
		return fmt.Sprintf("unknown(%d)", int(af))
	}
}

func (af AddressFamily) valid() bool {
	return af == IPv4 || af == IPv6
}

// ParseAddressFamily accepts "udp4", "udp6", "ipv4", "ipv6", "4" and "6".
func ParseAddressFamily(s string) (AddressFamily, error) {
	switch strings.ToLower(s) {
	case "", "udp4", "ipv4", "4":
		return IPv4, nil
	case "udp6", "ipv6", "6":
		return IPv6, nil
	default:
		return 0, &ArgumentError{Name: "family", Value: s, Reason: "must be udp4 or udp6"}
	}
}

// UnmarshalText allows an AddressFamily in a TOML configuration.
func (af *AddressFamily) UnmarshalText(text []byte) (err error) {
	*af, err = ParseAddressFamily(string(text))
	return
}

// LookupFunc resolves a host name to an address of the given family.
type LookupFunc func(ctx context.Context, host string, family AddressFamily) (net.IP, error)

// DefaultLookup uses the net package's resolver. An empty host resolves to the unspecified address.
func DefaultLookup(ctx context.Context, host string, family AddressFamily) (net.IP, error) {
	if host == "" {
		if family == IPv6 {
			return net.IPv6unspecified, nil
		}
		return net.IPv4zero, nil
	}

	network := "ip4"
	if family == IPv6 {
		network = "ip6"
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no %s address for %s", network, host)
	}
	return ips[0], nil
}

// PreferredAddressPolicy tells a client how to treat a server's preferred address.
type PreferredAddressPolicy int

const (
	PreferredAddressIgnore PreferredAddressPolicy = iota
	PreferredAddressAccept
)

// UnmarshalText accepts "ignore" and "accept".
func (pap *PreferredAddressPolicy) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "ignore":
		*pap = PreferredAddressIgnore
	case "accept":
		*pap = PreferredAddressAccept
	default:
		return &ArgumentError{Name: "preferred address policy", Value: string(text), Reason: "must be ignore or accept"}
	}
	return nil
}

// PreferredAddress is advertised by a server to move clients after the handshake.
type PreferredAddress struct {
	Address string        `toml:"address"`
	Port    int           `toml:"port"`
	Family  AddressFamily `toml:"family"`
}

// NamedContext selects a SecureContext for server names matching Pattern.
// A '*' in Pattern matches any sequence of characters without a dot.
type NamedContext struct {
	Pattern string
	Context *SecureContext
}

// EndpointConfig configures NewEndpoint.
type EndpointConfig struct {
	Address string
	Port    int
	Family  AddressFamily
	Lookup  LookupFunc

	ReuseAddr bool
	IPv6Only  bool
	// AutoClose closes an Endpoint which is not listening once its last Session left.
	AutoClose bool

	ValidateAddress       bool
	ValidateAddressLRU    bool
	RetryTokenTimeout     time.Duration
	MaxConnectionsPerHost int

	// Server and Client are defaults for Listen and Connect.
	Server *ServerConfig
	Client *ClientConfig
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return &ArgumentError{Name: name, Value: port, Reason: "must be within 0 and 65535"}
	}
	return nil
}

func (cfg *EndpointConfig) validate() error {
	var errs *multierror.Error

	if err := validatePort("port", cfg.Port); err != nil {
		errs = multierror.Append(errs, err)
	}
	if !cfg.Family.valid() {
		errs = multierror.Append(errs, &ArgumentError{Name: "family", Value: cfg.Family, Reason: "must be IPv4 or IPv6"})
	}
	if cfg.IPv6Only && cfg.Family != IPv6 {
		errs = multierror.Append(errs, &ArgumentError{Name: "ipv6Only", Value: true, Reason: "requires the IPv6 family"})
	}
	if cfg.RetryTokenTimeout < 0 || cfg.RetryTokenTimeout > time.Hour {
		errs = multierror.Append(errs, &ArgumentError{Name: "retryTokenTimeout", Value: cfg.RetryTokenTimeout, Reason: "must be within 0 and 1h"})
	}
	if cfg.MaxConnectionsPerHost < 0 {
		errs = multierror.Append(errs, &ArgumentError{Name: "maxConnectionsPerHost", Value: cfg.MaxConnectionsPerHost, Reason: "must not be negative"})
	}

	return errs.ErrorOrNil()
}

// ServerConfig configures Endpoint.Listen.
type ServerConfig struct {
	ALPN string

	// Context is used if set. Otherwise a SecureContext is created from Secure.
	Context *SecureContext
	Secure  SecureOptions

	Transport TransportParams

	RequestCert bool
	// RejectUnauthorized defaults to true.
	RejectUnauthorized *bool

	PreferredAddress *PreferredAddress
	Contexts         []NamedContext
	Notifications    []EventType
}

func (cfg *ServerConfig) rejectUnauthorized() bool {
	return cfg.RejectUnauthorized == nil || *cfg.RejectUnauthorized
}

// merge returns a copy of cfg with unset fields taken from defaults.
func (cfg *ServerConfig) merge(defaults *ServerConfig) *ServerConfig {
	var merged ServerConfig
	if cfg != nil {
		merged = *cfg
	}
	if defaults == nil {
		return &merged
	}

	if merged.ALPN == "" {
		merged.ALPN = defaults.ALPN
	}
	if merged.Context == nil && merged.Secure.empty() {
		merged.Context = defaults.Context
		merged.Secure = defaults.Secure
	}
	merged.Transport = merged.Transport.Merge(defaults.Transport)
	if !merged.RequestCert {
		merged.RequestCert = defaults.RequestCert
	}
	if merged.RejectUnauthorized == nil {
		merged.RejectUnauthorized = defaults.RejectUnauthorized
	}
	if merged.PreferredAddress == nil {
		merged.PreferredAddress = defaults.PreferredAddress
	}
	merged.Contexts = append(append([]NamedContext(nil), defaults.Contexts...), merged.Contexts...)
	if merged.Notifications == nil {
		merged.Notifications = defaults.Notifications
	}

	return &merged
}

func (cfg *ServerConfig) validate() error {
	var errs *multierror.Error

	if cfg.ALPN == "" {
		errs = multierror.Append(errs, &ArgumentError{Name: "alpn", Value: cfg.ALPN, Reason: "must not be empty"})
	}
	if err := cfg.Transport.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if pa := cfg.PreferredAddress; pa != nil {
		if err := validatePort("preferredAddress.port", pa.Port); err != nil {
			errs = multierror.Append(errs, err)
		}
		if !pa.Family.valid() {
			errs = multierror.Append(errs, &ArgumentError{Name: "preferredAddress.family", Value: pa.Family, Reason: "must be IPv4 or IPv6"})
		}
	}
	for _, nc := range cfg.Contexts {
		if nc.Pattern == "" || nc.Context == nil {
			errs = multierror.Append(errs, &ArgumentError{Name: "context", Value: nc.Pattern, Reason: "needs a pattern and a context"})
		}
	}
	if err := validateNotifications(cfg.Notifications); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// ClientConfig configures Endpoint.Connect.
type ClientConfig struct {
	Address  string
	Port     int
	Family   AddressFamily
	IPv6Only bool

	ServerName string
	ALPN       string

	// Context is used if set. Otherwise a SecureContext is created from Secure.
	Context *SecureContext
	Secure  SecureOptions

	Transport TransportParams

	// RemoteTransportParams and SessionTicket are resumption hints, see SessionTicket.
	RemoteTransportParams []byte
	SessionTicket         []byte
	SessionTicketID       []byte

	// DCID requests a destination connection id, 1 to 20 bytes.
	DCID []byte

	RequestOCSP bool
	// VerifyHostnameIdentity defaults to true.
	VerifyHostnameIdentity *bool
	PreferredAddressPolicy PreferredAddressPolicy
	// MinDHSize is the minimum size of an ephemeral DH key, in bits. Defaults to 1024.
	MinDHSize int

	Notifications []EventType
}

const (
	DefaultMinDHSize = 1024

	minCIDLength = 1
	maxCIDLength = 20
)

var hostnameWarning sync.Once

func (cfg *ClientConfig) verifyHostnameIdentity() bool {
	return cfg.VerifyHostnameIdentity == nil || *cfg.VerifyHostnameIdentity
}

func (cfg *ClientConfig) merge(defaults *ClientConfig) *ClientConfig {
	var merged ClientConfig
	if cfg != nil {
		merged = *cfg
	}

	if defaults != nil {
		if merged.Address == "" {
			merged.Address = defaults.Address
		}
		if merged.Port == 0 {
			merged.Port = defaults.Port
		}
		if merged.Family == 0 {
			merged.Family = defaults.Family
		}
		if merged.ServerName == "" {
			merged.ServerName = defaults.ServerName
		}
		if merged.ALPN == "" {
			merged.ALPN = defaults.ALPN
		}
		if merged.Context == nil && merged.Secure.empty() {
			merged.Context = defaults.Context
			merged.Secure = defaults.Secure
		}
		merged.Transport = merged.Transport.Merge(defaults.Transport)
		if !merged.RequestOCSP {
			merged.RequestOCSP = defaults.RequestOCSP
		}
		if merged.VerifyHostnameIdentity == nil {
			merged.VerifyHostnameIdentity = defaults.VerifyHostnameIdentity
		}
		if merged.PreferredAddressPolicy == PreferredAddressIgnore {
			merged.PreferredAddressPolicy = defaults.PreferredAddressPolicy
		}
		if merged.MinDHSize == 0 {
			merged.MinDHSize = defaults.MinDHSize
		}
		if merged.Notifications == nil {
			merged.Notifications = defaults.Notifications
		}
	}

	if merged.Family == 0 {
		merged.Family = IPv4
	}
	if merged.Address == "" {
		merged.Address = "localhost"
	}
	if merged.ServerName == "" {
		merged.ServerName = merged.Address
	}
	if merged.MinDHSize == 0 {
		merged.MinDHSize = DefaultMinDHSize
	}

	return &merged
}

func (cfg *ClientConfig) validate() error {
	var errs *multierror.Error

	if err := validatePort("port", cfg.Port); err != nil {
		errs = multierror.Append(errs, err)
	}
	if !cfg.Family.valid() {
		errs = multierror.Append(errs, &ArgumentError{Name: "family", Value: cfg.Family, Reason: "must be IPv4 or IPv6"})
	}
	if cfg.IPv6Only && cfg.Family != IPv6 {
		errs = multierror.Append(errs, &ArgumentError{Name: "ipv6Only", Value: true, Reason: "requires the IPv6 family"})
	}
	if cfg.ALPN == "" {
		errs = multierror.Append(errs, &ArgumentError{Name: "alpn", Value: cfg.ALPN, Reason: "must not be empty"})
	}
	if l := len(cfg.DCID); l != 0 && (l < minCIDLength || l > maxCIDLength) {
		errs = multierror.Append(errs, &ArgumentError{Name: "dcid", Value: l, Reason: fmt.Sprintf("length must be within %d and %d", minCIDLength, maxCIDLength)})
	}
	if cfg.MinDHSize < 0 {
		errs = multierror.Append(errs, &ArgumentError{Name: "minDHSize", Value: cfg.MinDHSize, Reason: "must not be negative"})
	}
	if err := cfg.Transport.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := validateNotifications(cfg.Notifications); err != nil {
		errs = multierror.Append(errs, err)
	}

	if errs.ErrorOrNil() == nil && !cfg.verifyHostnameIdentity() {
		hostnameWarning.Do(func() {
			log.WithField("server name", cfg.ServerName).Warn(
				"Disabling hostname identity verification allows man-in-the-middle attacks. Use for testing only!")
		})
	}

	return errs.ErrorOrNil()
}

// toggleable lists the notifications which have to be requested from the Engine.
var toggleable = map[EventType]bool{
	EventKeylog:         true,
	EventClientHello:    true,
	EventPathValidation: true,
	EventOCSPRequest:    true,
}

func validateNotifications(ets []EventType) error {
	for _, et := range ets {
		if !toggleable[et] {
			return &ArgumentError{Name: "notification", Value: et, Reason: "cannot be toggled"}
		}
	}
	return nil
}
