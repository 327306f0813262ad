// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ticketstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatal(err)
		}
	})
	return store
}

func TestStore(t *testing.T) {
	store := openStore(t)

	if _, err := store.Get("example.org"); err != ErrNoTicket {
		t.Fatalf("empty store returned %v", err)
	}

	ticket := Ticket{
		ServerName:      "example.org",
		ID:              []byte{0x01, 0x02},
		Ticket:          []byte("ticket"),
		TransportParams: []byte{0xa0},
	}
	if err := store.Put(ticket); err != nil {
		t.Fatal(err)
	}

	stored, err := store.Get("example.org")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored.Ticket, ticket.Ticket) || !bytes.Equal(stored.ID, ticket.ID) {
		t.Fatalf("stored ticket differs: %v", stored)
	}
	if stored.Created.IsZero() || stored.Expires.Sub(stored.Created) != DefaultLifetime {
		t.Fatalf("unexpected times: created %v, expires %v", stored.Created, stored.Expires)
	}

	ticket.Ticket = []byte("newer")
	if err := store.Put(ticket); err != nil {
		t.Fatal(err)
	}
	if stored, err := store.Get("example.org"); err != nil {
		t.Fatal(err)
	} else if string(stored.Ticket) != "newer" {
		t.Fatalf("ticket was not replaced: %v", stored)
	}

	if err := store.Put(Ticket{Ticket: []byte("x")}); err == nil {
		t.Fatal("ticket without server name was accepted")
	}
}

func TestStoreExpired(t *testing.T) {
	store := openStore(t)

	expired := Ticket{ServerName: "old.example.org", Ticket: []byte("old"), Expires: time.Now().Add(-time.Second)}
	valid := Ticket{ServerName: "new.example.org", Ticket: []byte("new")}
	for _, ticket := range []Ticket{expired, valid} {
		if err := store.Put(ticket); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := store.Get("old.example.org"); err != ErrNoTicket {
		t.Fatalf("expired ticket was returned: %v", err)
	}

	store.DeleteExpired()

	if tickets, err := store.All(); err != nil {
		t.Fatal(err)
	} else if len(tickets) != 1 || tickets[0].ServerName != "new.example.org" {
		t.Fatalf("unexpected tickets after DeleteExpired: %v", tickets)
	}
}

func TestStoreHint(t *testing.T) {
	store := openStore(t)

	cfg := &quicl.ClientConfig{Address: "example.org", Port: 4433, ALPN: "echo"}
	if store.Hint(cfg) {
		t.Fatal("hint without a stored ticket")
	}

	if err := store.Put(Ticket{ServerName: "example.org", ID: []byte{7}, Ticket: []byte("t"), TransportParams: []byte{0xa0}}); err != nil {
		t.Fatal(err)
	}

	if !store.Hint(cfg) {
		t.Fatal("stored ticket was not found by address")
	}
	if string(cfg.SessionTicket) != "t" || !bytes.Equal(cfg.SessionTicketID, []byte{7}) || !bytes.Equal(cfg.RemoteTransportParams, []byte{0xa0}) {
		t.Fatalf("hint was not applied: %+v", cfg)
	}

	other := &quicl.ClientConfig{Address: "192.0.2.1", ServerName: "other.example.org"}
	if store.Hint(other) {
		t.Fatal("ticket of another server name was used")
	}
}

func TestStoreExportImport(t *testing.T) {
	src := openStore(t)
	dst := openStore(t)

	for _, name := range []string{"a.example.org", "b.example.org"} {
		if err := src.Put(Ticket{ServerName: name, Ticket: []byte(name)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := src.Put(Ticket{ServerName: "c.example.org", Expires: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}

	data, err := src.Export()
	if err != nil {
		t.Fatal(err)
	}

	n, err := dst.Import(data)
	if err != nil {
		t.Fatal(err)
	} else if n != 2 {
		t.Fatalf("imported %d tickets, expected 2", n)
	}

	if ticket, err := dst.Get("b.example.org"); err != nil {
		t.Fatal(err)
	} else if string(ticket.Ticket) != "b.example.org" {
		t.Fatalf("imported ticket differs: %v", ticket)
	}
}
