// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// ParamIndex is the position of a transport parameter within a SessionConfig.
type ParamIndex int

const (
	IdxActiveConnectionIDLimit ParamIndex = iota
	IdxMaxStreamDataBidiLocal
	IdxMaxStreamDataBidiRemote
	IdxMaxStreamDataUni
	IdxMaxData
	IdxMaxStreamsBidi
	IdxMaxStreamsUni
	IdxIdleTimeout
	IdxMaxPacketSize
	IdxMaxAckDelay
	IdxMaxCryptoBuffer

	// ParamCount is the length of a SessionConfig's vector.
	ParamCount
)

var paramNames = [ParamCount]string{
	"activeConnectionIdLimit",
	"maxStreamDataBidiLocal",
	"maxStreamDataBidiRemote",
	"maxStreamDataUni",
	"maxData",
	"maxStreamsBidi",
	"maxStreamsUni",
	"idleTimeout",
	"maxPacketSize",
	"maxAckDelay",
	"maxCryptoBuffer",
}

func (idx ParamIndex) String() string {
	if idx < 0 || idx >= ParamCount {
		return fmt.Sprintf("unknown(%d)", int(idx))
	}
	return paramNames[idx]
}

// ParamFlags has bit i set if the parameter with ParamIndex i was explicitly set.
type ParamFlags uint32

// Has checks if the parameter at idx was set.
func (flags ParamFlags) Has(idx ParamIndex) bool {
	return flags&(1<<uint(idx)) != 0
}

const (
	DefaultMaxStreamData           = 256 * 1024
	DefaultMaxData                 = 1024 * 1024
	DefaultMaxStreamsBidi          = 100
	DefaultMaxStreamsUni           = 3
	DefaultIdleTimeout             = 10 * time.Second
	DefaultActiveConnectionIDLimit = 10
	DefaultMaxCryptoBuffer         = 16 * 1024
	DefaultMaxPacketSize           = 1200

	MinActiveConnectionIDLimit = 2
	MaxActiveConnectionIDLimit = 8
	MinMaxPacketSize           = 1200
	MaxMaxPacketSize           = 65527
	MaxMaxAckDelay             = 1<<14 - 1
	MaxMaxStreams              = 1 << 60
	MinMaxCryptoBuffer         = 4096
)

// SessionConfig is the flat transport parameter vector shared with the Engine.
type SessionConfig struct {
	Values [ParamCount]uint64
	Flags  ParamFlags
}

// DefaultSessionConfig returns a SessionConfig holding the defaults, without any flags set.
func DefaultSessionConfig() SessionConfig {
	var cfg SessionConfig
	cfg.Values[IdxActiveConnectionIDLimit] = DefaultActiveConnectionIDLimit
	cfg.Values[IdxMaxStreamDataBidiLocal] = DefaultMaxStreamData
	cfg.Values[IdxMaxStreamDataBidiRemote] = DefaultMaxStreamData
	cfg.Values[IdxMaxStreamDataUni] = DefaultMaxStreamData
	cfg.Values[IdxMaxData] = DefaultMaxData
	cfg.Values[IdxMaxStreamsBidi] = DefaultMaxStreamsBidi
	cfg.Values[IdxMaxStreamsUni] = DefaultMaxStreamsUni
	cfg.Values[IdxIdleTimeout] = uint64(DefaultIdleTimeout / time.Millisecond)
	cfg.Values[IdxMaxPacketSize] = DefaultMaxPacketSize
	cfg.Values[IdxMaxCryptoBuffer] = DefaultMaxCryptoBuffer
	return cfg
}

// Get returns the value at idx and whether it was explicitly set.
func (cfg SessionConfig) Get(idx ParamIndex) (uint64, bool) {
	return cfg.Values[idx], cfg.Flags.Has(idx)
}

// TransportParams are the handshake limits of a Session. Nil fields are absent.
type TransportParams struct {
	ActiveConnectionIDLimit *uint64 `toml:"active-connection-id-limit"`
	MaxStreamDataBidiLocal  *uint64 `toml:"max-stream-data-bidi-local"`
	MaxStreamDataBidiRemote *uint64 `toml:"max-stream-data-bidi-remote"`
	MaxStreamDataUni        *uint64 `toml:"max-stream-data-uni"`
	MaxData                 *uint64 `toml:"max-data"`
	MaxStreamsBidi          *uint64 `toml:"max-streams-bidi"`
	MaxStreamsUni           *uint64 `toml:"max-streams-uni"`
	// IdleTimeout in milliseconds.
	IdleTimeout   *uint64 `toml:"idle-timeout"`
	MaxPacketSize *uint64 `toml:"max-packet-size"`
	// MaxAckDelay in milliseconds.
	MaxAckDelay     *uint64 `toml:"max-ack-delay"`
	MaxCryptoBuffer *uint64 `toml:"max-crypto-buffer"`
}

// Param returns a pointer to v, to be used for TransportParams' fields.
func Param(v uint64) *uint64 {
	return &v
}

func (tp *TransportParams) fields() [ParamCount]**uint64 {
	return [ParamCount]**uint64{
		&tp.ActiveConnectionIDLimit,
		&tp.MaxStreamDataBidiLocal,
		&tp.MaxStreamDataBidiRemote,
		&tp.MaxStreamDataUni,
		&tp.MaxData,
		&tp.MaxStreamsBidi,
		&tp.MaxStreamsUni,
		&tp.IdleTimeout,
		&tp.MaxPacketSize,
		&tp.MaxAckDelay,
		&tp.MaxCryptoBuffer,
	}
}

// Apply writes all present parameters into cfg. Values of absent parameters are left untouched.
// cfg's flags are replaced by the set of present parameters, which is also returned.
func (tp TransportParams) Apply(cfg *SessionConfig) ParamFlags {
	var flags ParamFlags
	for idx, field := range tp.fields() {
		if *field == nil {
			continue
		}

		cfg.Values[idx] = **field
		flags |= 1 << uint(idx)
	}

	cfg.Flags = flags
	return flags
}

// SessionConfig returns the defaults overwritten by the present parameters.
func (tp TransportParams) SessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	tp.Apply(&cfg)
	return cfg
}

// Merge returns tp with absent parameters taken from defaults.
func (tp TransportParams) Merge(defaults TransportParams) TransportParams {
	merged := tp
	mergedFields := merged.fields()
	for idx, field := range defaults.fields() {
		if *mergedFields[idx] == nil && *field != nil {
			v := **field
			*mergedFields[idx] = &v
		}
	}
	return merged
}

// Validate checks the range of each present parameter.
func (tp TransportParams) Validate() error {
	var errs *multierror.Error

	check := func(idx ParamIndex, v *uint64, min, max uint64) {
		if v != nil && (*v < min || *v > max) {
			errs = multierror.Append(errs, &ArgumentError{
				Name:   idx.String(),
				Value:  *v,
				Reason: fmt.Sprintf("must be within %d and %d", min, max),
			})
		}
	}

	check(IdxActiveConnectionIDLimit, tp.ActiveConnectionIDLimit, MinActiveConnectionIDLimit, MaxActiveConnectionIDLimit)
	check(IdxMaxStreamsBidi, tp.MaxStreamsBidi, 0, MaxMaxStreams)
	check(IdxMaxStreamsUni, tp.MaxStreamsUni, 0, MaxMaxStreams)
	check(IdxMaxPacketSize, tp.MaxPacketSize, MinMaxPacketSize, MaxMaxPacketSize)
	check(IdxMaxAckDelay, tp.MaxAckDelay, 0, MaxMaxAckDelay)
	check(IdxMaxCryptoBuffer, tp.MaxCryptoBuffer, MinMaxCryptoBuffer, 1<<62)

	return errs.ErrorOrNil()
}

// FromSessionConfig reconstructs the TransportParams of all flagged entries.
func FromSessionConfig(cfg SessionConfig) (tp TransportParams) {
	for idx, field := range tp.fields() {
		if cfg.Flags.Has(ParamIndex(idx)) {
			v := cfg.Values[idx]
			*field = &v
		}
	}
	return
}

// MarshalCbor writes the present parameters as a CBOR map from ParamIndex to value.
func (tp *TransportParams) MarshalCbor(w io.Writer) error {
	fields := tp.fields()

	var n uint64
	for _, field := range fields {
		if *field != nil {
			n++
		}
	}

	if err := cboring.WriteMapPairLength(n, w); err != nil {
		return err
	}

	for idx, field := range fields {
		if *field == nil {
			continue
		}

		if err := cboring.WriteUInt(uint64(idx), w); err != nil {
			return err
		}
		if err := cboring.WriteUInt(**field, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a CBOR map written by MarshalCbor. Unknown indices are an error.
func (tp *TransportParams) UnmarshalCbor(r io.Reader) error {
	*tp = TransportParams{}
	fields := tp.fields()

	n, err := cboring.ReadMapPairLength(r)
	if err != nil {
		return err
	}

	for i := uint64(0); i < n; i++ {
		idx, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		if idx >= uint64(ParamCount) {
			return fmt.Errorf("unknown transport parameter %d", idx)
		}

		v, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*fields[idx] = &v
	}

	return nil
}

// EncodeTransportParams returns the CBOR representation of tp.
func EncodeTransportParams(tp TransportParams) ([]byte, error) {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&tp, buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

// DecodeTransportParams parses the output of EncodeTransportParams.
func DecodeTransportParams(data []byte) (tp TransportParams, err error) {
	err = cboring.Unmarshal(&tp, bytes.NewReader(data))
	return
}
