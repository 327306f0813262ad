// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ticketstore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
)

// Ticket is a stored TLS session ticket together with the transport parameters of the
// session which received it.
type Ticket struct {
	ServerName string `badgerhold:"key"`

	ID              []byte
	Ticket          []byte
	TransportParams []byte

	Created time.Time
	Expires time.Time `badgerholdIndex:"Expires"`
}

// Expired checks the Ticket's expiration date against the current time.
func (t Ticket) Expired() bool {
	return !t.Expires.IsZero() && time.Now().After(t.Expires)
}

func (t Ticket) String() string {
	return fmt.Sprintf("Ticket(%s, %d bytes, expires %v)", t.ServerName, len(t.Ticket), t.Expires.Format(time.RFC3339))
}

func writeTime(ts time.Time, w io.Writer) error {
	if ts.IsZero() {
		return cboring.WriteUInt(0, w)
	}
	return cboring.WriteUInt(uint64(ts.Unix()), w)
}

func readTime(r io.Reader) (time.Time, error) {
	secs, err := cboring.ReadUInt(r)
	if err != nil || secs == 0 {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0), nil
}

// MarshalCbor writes a CBOR array of server name, id, ticket, transport parameters, creation
// and expiration time. Times are seconds since the epoch, zero if unset.
func (t *Ticket) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(6, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(t.ServerName, w); err != nil {
		return err
	}
	for _, field := range [][]byte{t.ID, t.Ticket, t.TransportParams} {
		if err := cboring.WriteByteString(field, w); err != nil {
			return err
		}
	}
	for _, ts := range []time.Time{t.Created, t.Expires} {
		if err := writeTime(ts, w); err != nil {
			return err
		}
	}

	return nil
}

func (t *Ticket) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 6 {
		return fmt.Errorf("Ticket: expected array of 6 elements, got %d", n)
	}

	serverName, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	t.ServerName = serverName

	for _, field := range []*[]byte{&t.ID, &t.Ticket, &t.TransportParams} {
		if *field, err = cboring.ReadByteString(r); err != nil {
			return err
		}
	}
	for _, ts := range []*time.Time{&t.Created, &t.Expires} {
		if *ts, err = readTime(r); err != nil {
			return err
		}
	}

	return nil
}

// MarshalTickets serializes Tickets as a CBOR array, e.g., to move them to another host.
func MarshalTickets(tickets []Ticket) ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.WriteArrayLength(uint64(len(tickets)), buff); err != nil {
		return nil, err
	}

	for i := range tickets {
		if err := cboring.Marshal(&tickets[i], buff); err != nil {
			return nil, fmt.Errorf("marshalling ticket %d failed: %v", i, err)
		}
	}
	return buff.Bytes(), nil
}

// UnmarshalTickets is the inverse of MarshalTickets.
func UnmarshalTickets(data []byte) ([]Ticket, error) {
	r := bytes.NewReader(data)

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return nil, err
	}

	var tickets []Ticket
	for i := uint64(0); i < n; i++ {
		var t Ticket
		if err := cboring.Unmarshal(&t, r); err != nil {
			return nil, fmt.Errorf("unmarshalling ticket %d failed: %v", i, err)
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}
