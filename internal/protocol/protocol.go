// Package protocol ties the three wire schemas together: it peeks the
// version of a document, decodes it into the matching closed union and
// converts between that union and the internal message model.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/philsphicas/beacon/internal/beacon"
	"github.com/philsphicas/beacon/internal/blockchain"
	v1 "github.com/philsphicas/beacon/internal/protocol/v1"
	v2 "github.com/philsphicas/beacon/internal/protocol/v2"
	v3 "github.com/philsphicas/beacon/internal/protocol/v3"
)

// Versions lists the supported protocol generations, oldest first.
var Versions = []string{v1.Version, v2.Version, v3.Version}

// Latest is the version used when a peer did not advertise one.
const Latest = v3.Version

// Versioned holds exactly one decoded wire message.
type Versioned struct {
	V1 v1.Message
	V2 v2.Message
	V3 v3.Message
}

// Version returns the generation of the held message.
func (v Versioned) Version() string {
	switch {
	case v.V1 != nil:
		return v1.Version
	case v.V2 != nil:
		return v2.Version
	case v.V3 != nil:
		return v3.Version
	}
	return ""
}

// ID returns the message id.
func (v Versioned) ID() string {
	switch {
	case v.V1 != nil:
		return v.V1.Head().ID
	case v.V2 != nil:
		return v.V2.Head().ID
	case v.V3 != nil:
		return v.V3.Head().ID
	}
	return ""
}

// Type returns the wire discriminator of the held message.
func (v Versioned) Type() string {
	switch {
	case v.V1 != nil:
		return v.V1.Head().Type
	case v.V2 != nil:
		return v.V2.Head().Type
	case v.V3 != nil:
		return v.V3.Head().Type
	}
	return ""
}

// MarshalJSON encodes the held message in its own schema.
func (v Versioned) MarshalJSON() ([]byte, error) {
	switch {
	case v.V1 != nil:
		return v1.Encode(v.V1)
	case v.V2 != nil:
		return v2.Encode(v.V2)
	case v.V3 != nil:
		return v3.Encode(v.V3)
	}
	return nil, errors.New("empty versioned message")
}

// MajorVersion normalizes a version string to its major component. An
// empty version is a legacy version 1 document.
func MajorVersion(version string) string {
	if version == "" {
		return v1.Version
	}
	major, _, _ := strings.Cut(version, ".")
	return major
}

// PeekVersion reads the version field of a document without committing to
// a schema.
func PeekVersion(raw []byte) (string, error) {
	var peek struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return "", fmt.Errorf("peek version: %w", err)
	}
	if len(peek.Version) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(peek.Version, &s); err != nil {
		// Some senders write the version as a number.
		var n json.Number
		if err := json.Unmarshal(peek.Version, &n); err != nil {
			return "", &beacon.UnsupportedVersionError{Version: string(peek.Version)}
		}
		s = n.String()
	}
	return s, nil
}

// Decode peeks the version of raw and decodes it with the matching schema.
func Decode(raw []byte, reg *blockchain.Registry) (Versioned, error) {
	version, err := PeekVersion(raw)
	if err != nil {
		return Versioned{}, err
	}
	switch MajorVersion(version) {
	case v1.Version:
		m, err := v1.Decode(raw)
		if err != nil {
			return Versioned{}, err
		}
		return Versioned{V1: m}, nil
	case v2.Version:
		codec, err := reg.Default()
		if err != nil {
			return Versioned{}, err
		}
		m, err := v2.Decode(raw, codec)
		if err != nil {
			return Versioned{}, err
		}
		return Versioned{V2: m}, nil
	case v3.Version:
		m, err := v3.Decode(raw, reg)
		if err != nil {
			return Versioned{}, err
		}
		return Versioned{V3: m}, nil
	}
	return Versioned{}, &beacon.UnsupportedVersionError{Version: version}
}

// ToBeacon converts v into the internal model.
func ToBeacon(v Versioned, reg *blockchain.Registry, origin beacon.ConnectionID) (beacon.Message, error) {
	switch {
	case v.V1 != nil:
		codec, err := reg.Default()
		if err != nil {
			return nil, err
		}
		return v1.ToBeacon(v.V1, codec, origin)
	case v.V2 != nil:
		codec, err := reg.Default()
		if err != nil {
			return nil, err
		}
		return v2.ToBeacon(v.V2, codec, origin)
	case v.V3 != nil:
		return v3.ToBeacon(v.V3, reg, origin)
	}
	return nil, errors.New("empty versioned message")
}

// FromBeacon converts msg into the given protocol version. Versions 1 and
// 2 use the codec of the message's blockchain.
func FromBeacon(version string, msg beacon.Message, reg *blockchain.Registry) (Versioned, error) {
	legacyCodec := func() (blockchain.Codec, error) {
		if id := msg.Head().Blockchain; id != "" {
			return reg.Get(id)
		}
		return reg.Default()
	}

	switch MajorVersion(version) {
	case v1.Version:
		codec, err := legacyCodec()
		if err != nil {
			return Versioned{}, err
		}
		m, err := v1.FromBeacon(msg, codec)
		if err != nil {
			return Versioned{}, err
		}
		return Versioned{V1: m}, nil
	case v2.Version:
		codec, err := legacyCodec()
		if err != nil {
			return Versioned{}, err
		}
		m, err := v2.FromBeacon(msg, codec)
		if err != nil {
			return Versioned{}, err
		}
		return Versioned{V2: m}, nil
	case v3.Version:
		m, err := v3.FromBeacon(msg, reg)
		if err != nil {
			return Versioned{}, err
		}
		return Versioned{V3: m}, nil
	}
	return Versioned{}, &beacon.UnsupportedVersionError{Version: version}
}
