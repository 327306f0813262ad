// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ticketstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/dtn7/cboring"
)

func TestTicketCbor(t *testing.T) {
	now := time.Unix(time.Now().Unix(), 0)

	tests := []Ticket{
		{ServerName: "example.org"},
		{
			ServerName:      "example.org",
			ID:              []byte{0xde, 0xad},
			Ticket:          []byte("ticket"),
			TransportParams: []byte{0xa1, 0x00, 0x0a},
			Created:         now,
			Expires:         now.Add(time.Hour),
		},
	}

	for _, ticket := range tests {
		buff := new(bytes.Buffer)
		if err := cboring.Marshal(&ticket, buff); err != nil {
			t.Fatal(err)
		}

		var ticket2 Ticket
		if err := cboring.Unmarshal(&ticket2, buff); err != nil {
			t.Fatal(err)
		}

		if ticket.ServerName != ticket2.ServerName ||
			!bytes.Equal(ticket.ID, ticket2.ID) ||
			!bytes.Equal(ticket.Ticket, ticket2.Ticket) ||
			!bytes.Equal(ticket.TransportParams, ticket2.TransportParams) ||
			!ticket.Created.Equal(ticket2.Created) ||
			!ticket.Expires.Equal(ticket2.Expires) {
			t.Fatalf("Ticket differs after CBOR: %v, %v", ticket, ticket2)
		}
	}
}

func TestMarshalTickets(t *testing.T) {
	tickets := []Ticket{
		{ServerName: "a.example.org", Ticket: []byte{1}},
		{ServerName: "b.example.org", Ticket: []byte{2}},
	}

	data, err := MarshalTickets(tickets)
	if err != nil {
		t.Fatal(err)
	}

	tickets2, err := UnmarshalTickets(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets2) != len(tickets) {
		t.Fatalf("expected %d tickets, got %d", len(tickets), len(tickets2))
	}
	for i := range tickets {
		if tickets[i].ServerName != tickets2[i].ServerName || !bytes.Equal(tickets[i].Ticket, tickets2[i].Ticket) {
			t.Fatalf("Tickets differ: %v, %v", tickets[i], tickets2[i])
		}
	}

	if _, err := UnmarshalTickets(data[:len(data)-1]); err == nil {
		t.Fatal("truncated data was accepted")
	}
}

func TestTicketExpired(t *testing.T) {
	if (Ticket{}).Expired() {
		t.Fatal("ticket without expiration date expired")
	}
	if !(Ticket{Expires: time.Now().Add(-time.Second)}).Expired() {
		t.Fatal("ticket did not expire")
	}
	if (Ticket{Expires: time.Now().Add(time.Hour)}).Expired() {
		t.Fatal("ticket expired early")
	}
}
