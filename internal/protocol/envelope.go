package protocol

import "github.com/philsphicas/beacon/internal/beacon"

// InboundEnvelope is what the connection layer hands upward: the serialized
// content of one message and where it came from.
type InboundEnvelope struct {
	Origin beacon.ConnectionID `json:"origin"`

	// Content is Serializer output. Transports never inspect it.
	Content string `json:"content"`
}

// OutboundEnvelope is a serialized message addressed to a connection.
type OutboundEnvelope struct {
	Destination beacon.ConnectionID `json:"destination"`
	Content     string              `json:"content"`
}

// Seal serializes a versioned message into an outbound envelope.
func Seal(s Serializer, dest beacon.ConnectionID, v Versioned) (OutboundEnvelope, error) {
	doc, err := v.MarshalJSON()
	if err != nil {
		return OutboundEnvelope{}, err
	}
	content, err := s.Serialize(doc)
	if err != nil {
		return OutboundEnvelope{}, err
	}
	return OutboundEnvelope{Destination: dest, Content: content}, nil
}
