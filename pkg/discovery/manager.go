// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

// DiscoverFunc is called for each received Announcement. address is the announcing
// node's IP address, enclosed in brackets for IPv6.
type DiscoverFunc func(address string, announcement Announcement)

// ClientAddress returns a ClientConfig's address and port for an Announcement reported to a DiscoverFunc.
func ClientAddress(address string, announcement Announcement) (host string, port int) {
	host = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
	return host, int(announcement.Port)
}

// Manager publishes and receives Announcements.
type Manager struct {
	DiscoverFunc DiscoverFunc

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager for Announcements will be created and started.
func NewManager(
	discoverFunc DiscoverFunc, announcements []Announcement, announcementInterval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	var manager = &Manager{
		DiscoverFunc: discoverFunc,
	}
	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	log.WithFields(log.Fields{
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery Manager")

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             strconv.Itoa(port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            announcementInterval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        false,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error, 1)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				manager.Close()
				return nil, discoverErr
			}

		case <-time.After(time.Second):
		}
	}

	return manager, nil
}

func (manager *Manager) String() string {
	return fmt.Sprintf("discovery(IPv4: %t, IPv6: %t)", manager.stopChan4 != nil, manager.stopChan6 != nil)
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"discovery": manager,
			"peer":      discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		log.WithFields(log.Fields{
			"discovery": manager,
			"peer":      discovered.Address,
			"message":   announcement,
		}).Debug("Peer discovery received a message")

		if manager.DiscoverFunc != nil {
			go manager.DiscoverFunc(discovered.Address, announcement)
		}
	}
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, c := range []*chan struct{}{&manager.stopChan4, &manager.stopChan6} {
		if *c != nil {
			close(*c)
			*c = nil
		}
	}
}
