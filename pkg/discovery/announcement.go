// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/dtn7/cboring"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// Announcement of some node's listening Endpoint.
type Announcement struct {
	ALPN       string
	ServerName string
	Port       uint
}

// EndpointAnnouncement describes a listening Endpoint. The server name is announced for
// clients to verify the Endpoint's certificate against.
func EndpointAnnouncement(ep *quicl.Endpoint, serverName string) (Announcement, error) {
	info := ep.Info()
	if !info.Listening {
		return Announcement{}, fmt.Errorf("endpoint %d is not listening", info.ID)
	}

	addr, ok := ep.Address().(*net.UDPAddr)
	if !ok {
		return Announcement{}, fmt.Errorf("endpoint %d has no UDP address", info.ID)
	}

	return Announcement{ALPN: info.ALPN, ServerName: serverName, Port: uint(addr.Port)}, nil
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	l, cErr := cboring.ReadArrayLength(buff)
	if cErr != nil {
		err = cErr
		return
	}

	for i := uint64(0); i < l; i++ {
		var announcement Announcement
		if cErr := cboring.Unmarshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
			return
		}
		announcements = append(announcements, announcement)
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		if cErr := cboring.Marshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcements[i], cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.ALPN, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.ServerName, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), w); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	if alpn, err := cboring.ReadTextString(r); err != nil {
		return err
	} else if alpn == "" {
		return fmt.Errorf("announcement without ALPN")
	} else {
		announcement.ALPN = alpn
	}
	if serverName, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.ServerName = serverName
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n == 0 || n > 65535 {
		return fmt.Errorf("invalid port %d", n)
	} else {
		announcement.Port = uint(n)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%s,%d)", announcement.ALPN, announcement.ServerName, announcement.Port)
}
