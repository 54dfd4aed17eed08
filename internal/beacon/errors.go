package beacon

import (
	"fmt"
	"sort"
	"strings"
)

// PeerFailure pairs a peer with the error an operation hit for it.
type PeerFailure struct {
	Peer Peer
	Err  error
}

// PeersError reports the subset of peers an aggregate operation failed for
// so callers can retry only those.
type PeersError struct {
	Op       string // "pair", "connect", "disconnect"
	Failures []PeerFailure
}

func (e *PeersError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Peer, f.Err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("peers not %s: %s", pastTense(e.Op), strings.Join(parts, "; "))
}

func (e *PeersError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Peers returns the peers that failed.
func (e *PeersError) Peers() []Peer {
	out := make([]Peer, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Peer)
	}
	return out
}

func pastTense(op string) string {
	switch op {
	case "pair":
		return "paired"
	case "connect":
		return "connected"
	case "disconnect":
		return "disconnected"
	}
	return op
}

// UnknownMessageTypeError is returned when a document's discriminator does
// not name any variant of its protocol version.
type UnknownMessageTypeError struct {
	Type    string
	Version string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q for version %s", e.Type, e.Version)
}

// UnexpectedBlockchainIdentifierError is returned when a message names a
// blockchain the decoder does not expect.
type UnexpectedBlockchainIdentifierError struct {
	Expected string // empty when any registered blockchain was acceptable
	Got      string
}

func (e *UnexpectedBlockchainIdentifierError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("unexpected blockchain identifier %q", e.Got)
	}
	return fmt.Sprintf("unexpected blockchain identifier %q, want %q", e.Got, e.Expected)
}

// UnsupportedVersionError is returned for documents whose version field is
// missing or names no known protocol generation.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q", e.Version)
}

// UnsupportedMessageError is returned when a message has no representation
// in the protocol version it must be sent in.
type UnsupportedMessageError struct {
	Message string
	Version string
}

func (e *UnsupportedMessageError) Error() string {
	return fmt.Sprintf("%s cannot be expressed in version %s", e.Message, e.Version)
}
