// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

const exampleConfig = `
[logging]
level = "debug"
report-caller = false
format = "text"

[endpoint]
address = "127.0.0.1"
port = 0
family = "udp4"
reuse-address = true
validate-address = true
max-connections-per-host = 8
ttl = 64

[server]
alpn = "quicd-echo"
self-signed = ["localhost", "127.0.0.1"]
request-cert = false
notifications = ["clientHello"]

  [server.transport]
  max-streams-bidi = 16
  idle-timeout = 30000

[client]
verify-hostname = false
preferred-address-policy = "accept"
notifications = ["keylog"]

[[peer]]
address = "127.0.0.1"
port = 35037
server-name = "localhost"
alpn = "quicd-echo"
greeting = "moin"

[tickets]
store = "/tmp/quicd-tickets"

[monitor]
listen = "127.0.0.1:8080"

[discovery]
ipv4 = true
ipv6 = false
interval = 5
server-name = "localhost"
connect = true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "quicd.toml")
	if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParseConfig(t *testing.T) {
	conf, err := parseConfig(writeConfig(t, exampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if conf.Endpoint.Family != quicl.IPv4 || conf.Endpoint.TTL != 64 || !conf.Endpoint.ReuseAddress {
		t.Fatalf("unexpected endpoint block %+v", conf.Endpoint)
	}
	if conf.Server.ALPN != "quicd-echo" || len(conf.Server.SelfSigned) != 2 {
		t.Fatalf("unexpected server block %+v", conf.Server)
	}
	if p := conf.Server.Transport.MaxStreamsBidi; p == nil || *p != 16 {
		t.Fatalf("max-streams-bidi was not parsed: %v", p)
	}
	if conf.Server.Transport.MaxData != nil {
		t.Fatalf("unset max-data is %d", *conf.Server.Transport.MaxData)
	}
	if conf.Client.VerifyHostname == nil || *conf.Client.VerifyHostname {
		t.Fatalf("verify-hostname was not parsed: %v", conf.Client.VerifyHostname)
	}
	if conf.Client.PreferredAddressPolicy != quicl.PreferredAddressAccept {
		t.Fatalf("unexpected preferred address policy %v", conf.Client.PreferredAddressPolicy)
	}
	if len(conf.Peer) != 1 || conf.Peer[0].Greeting != "moin" || conf.Peer[0].ServerName != "localhost" {
		t.Fatalf("unexpected peers %+v", conf.Peer)
	}
	if !conf.Discovery.IPv4 || conf.Discovery.IPv6 || conf.Discovery.Interval != 5 || !conf.Discovery.Connect {
		t.Fatalf("unexpected discovery block %+v", conf.Discovery)
	}

	epConf, err := conf.endpointConfig()
	if err != nil {
		t.Fatal(err)
	}
	if epConf.Address != "127.0.0.1" || epConf.MaxConnectionsPerHost != 8 || !epConf.ValidateAddress {
		t.Fatalf("unexpected endpoint config %+v", epConf)
	}
	if epConf.Client == nil || epConf.Client.Context == nil {
		t.Fatal("client defaults are missing")
	}
	if len(epConf.Client.Notifications) != 1 || epConf.Client.Notifications[0] != quicl.EventKeylog {
		t.Fatalf("unexpected client notifications %v", epConf.Client.Notifications)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"nothing to do", `[endpoint]
port = 1234`},
		{"peer without port", `[[peer]]
address = "localhost"
alpn = "echo"`},
		{"peer without alpn", `[[peer]]
address = "localhost"
port = 1234`},
		{"watch without cert", `[server]
alpn = "echo"
watch = true`},
		{"context without cert", `[server]
alpn = "echo"
  [[server.context]]
  pattern = "*.example.org"`},
		{"unknown notification", `[server]
alpn = "echo"
notifications = ["nope"]`},
		{"ttl", `[server]
alpn = "echo"
[endpoint]
ttl = 300`},
		{"discovery without anything", `[[peer]]
address = "localhost"
port = 1234
alpn = "echo"
[discovery]
ipv4 = true`},
		{"family", `[endpoint]
family = "udp5"`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := parseConfig(writeConfig(t, test.content)); err == nil {
				t.Fatal("invalid configuration was accepted")
			}
		})
	}
}

func TestParseNotifications(t *testing.T) {
	if ets, err := parseNotifications(nil); err != nil || ets != nil {
		t.Fatalf("nil names resulted in %v, %v", ets, err)
	}

	ets, err := parseNotifications([]string{"keylog", "pathValidation"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ets) != 2 || ets[0] != quicl.EventKeylog || ets[1] != quicl.EventPathValidation {
		t.Fatalf("unexpected events %v", ets)
	}
}
