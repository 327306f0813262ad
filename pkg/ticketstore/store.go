// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ticketstore persists TLS session tickets received by quicl ClientSessions, so
// that later sessions to the same server may resume.
package ticketstore

import (
	"errors"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

const dirBadger string = "db"

// DefaultLifetime of a Ticket, the upper bound of a TLS 1.3 ticket's lifetime.
const DefaultLifetime = 7 * 24 * time.Hour

// ErrNoTicket is returned by Get if there is no valid Ticket for a server name.
var ErrNoTicket = errors.New("no session ticket")

// Store keeps the latest Ticket per server name.
type Store struct {
	bh *badgerhold.Store

	// Lifetime of Tickets without an expiration date.
	Lifetime time.Duration
}

// NewStore creates a new Store or opens an existing Store from the given path.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<26 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh, Lifetime: DefaultLifetime}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Put stores a Ticket, replacing an older one for the same server name.
func (s *Store) Put(t Ticket) error {
	if t.ServerName == "" {
		return errors.New("ticket without a server name")
	}
	if t.Created.IsZero() {
		t.Created = time.Now()
	}
	if t.Expires.IsZero() {
		t.Expires = t.Created.Add(s.Lifetime)
	}

	log.WithFields(log.Fields{
		"server name": t.ServerName,
		"expires":     t.Expires,
	}).Debug("Store saves session ticket")

	return s.bh.Upsert(t.ServerName, t)
}

// Get the Ticket for a server name. Expired Tickets are not returned.
func (s *Store) Get(serverName string) (t Ticket, err error) {
	err = s.bh.Get(serverName, &t)
	if err == badgerhold.ErrNotFound || (err == nil && t.Expired()) {
		err = ErrNoTicket
	}
	return
}

// Delete the Ticket for a server name, e.g., after it was rejected.
func (s *Store) Delete(serverName string) error {
	err := s.bh.Delete(serverName, Ticket{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	return err
}

// All returns every stored Ticket, including expired ones.
func (s *Store) All() (tickets []Ticket, err error) {
	err = s.bh.Find(&tickets, nil)
	return
}

// DeleteExpired removes all expired Tickets.
func (s *Store) DeleteExpired() {
	var tickets []Ticket
	if err := s.bh.Find(&tickets, badgerhold.Where("Expires").Lt(time.Now())); err != nil {
		log.WithError(err).Warn("Failed to get expired session tickets")
		return
	}

	for _, t := range tickets {
		logger := log.WithField("server name", t.ServerName)
		if err := s.Delete(t.ServerName); err != nil {
			logger.WithError(err).Warn("Failed to delete expired session ticket")
		} else {
			logger.Info("Deleted expired session ticket")
		}
	}
}

// Import stores Tickets created by MarshalTickets. Expired Tickets are skipped.
func (s *Store) Import(data []byte) (n int, err error) {
	tickets, err := UnmarshalTickets(data)
	if err != nil {
		return 0, err
	}

	for _, t := range tickets {
		if t.Expired() {
			continue
		}
		if err = s.Put(t); err != nil {
			return
		}
		n++
	}
	return
}

// Export all valid Tickets, see MarshalTickets.
func (s *Store) Export() ([]byte, error) {
	var tickets []Ticket
	if err := s.bh.Find(&tickets, badgerhold.Where("Expires").Ge(time.Now())); err != nil {
		return nil, err
	}
	return MarshalTickets(tickets)
}

// serverName under which a ClientConfig's tickets are stored. Matches the defaults
// applied by quicl.Endpoint.Connect.
func serverName(cfg *quicl.ClientConfig) string {
	switch {
	case cfg.ServerName != "":
		return cfg.ServerName
	case cfg.Address != "":
		return cfg.Address
	default:
		return "localhost"
	}
}

// Attach stores every session ticket received by the ClientSession.
func (s *Store) Attach(cs *quicl.ClientSession) {
	cfg := cs.Config()
	name := serverName(&cfg)

	cs.On(quicl.EventSessionTicket, func(ev quicl.Event) {
		st := ev.Message.(quicl.SessionTicket)

		t := Ticket{
			ServerName:      name,
			ID:              st.ID,
			Ticket:          st.Ticket,
			TransportParams: st.TransportParams,
		}
		if err := s.Put(t); err != nil {
			log.WithFields(log.Fields{
				"session":     cs,
				"server name": name,
				"error":       err,
			}).Warn("Failed to store session ticket")
		}
	})
}

// Hint fills the resumption fields of a ClientConfig from a stored Ticket. It reports if
// a Ticket was found.
func (s *Store) Hint(cfg *quicl.ClientConfig) bool {
	name := serverName(cfg)

	t, err := s.Get(name)
	if err != nil {
		if err != ErrNoTicket {
			log.WithError(err).WithField("server name", name).Warn("Failed to load session ticket")
		}
		return false
	}

	cfg.SessionTicket = t.Ticket
	cfg.SessionTicketID = t.ID
	cfg.RemoteTransportParams = t.TransportParams

	log.WithFields(log.Fields{
		"server name": name,
		"remote":      net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
	}).Debug("Resuming session with stored ticket")
	return true
}
