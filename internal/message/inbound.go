package message

import "unicode/utf8"

// Inbound is the closed set of wire shapes the normalizer accepts. The
// transport picks the variant when it hands a message off.
type Inbound interface {
	inbound()
}

// Envelope is the canonical mapping form: a "topic" and a "body" mapping.
// Normalization rewrites the map in place.
type Envelope map[string]any

func (Envelope) inbound() {}

// Encoding describes how a wrapper body was delivered.
type Encoding int

const (
	// EncodingText marks a body known to be UTF-8 text.
	EncodingText Encoding = iota
	// EncodingBinary marks a body delivered as opaque bytes.
	EncodingBinary
)

func (e Encoding) String() string {
	switch e {
	case EncodingText:
		return "text"
	case EncodingBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Wrapper is the bus-native form: a transport topic next to a raw JSON body.
type Wrapper struct {
	Topic    string
	Body     []byte
	Encoding Encoding
}

func (Wrapper) inbound() {}

// TextWrapper builds a wrapper around a text body.
func TextWrapper(topic, body string) Wrapper {
	return Wrapper{Topic: topic, Body: []byte(body), Encoding: EncodingText}
}

// BinaryWrapper builds a wrapper around a binary body.
func BinaryWrapper(topic string, body []byte) Wrapper {
	return Wrapper{Topic: topic, Body: body, Encoding: EncodingBinary}
}

// DetectWrapper builds a wrapper for bytes read off a transport that does
// not label its payloads. Valid UTF-8 is treated as text.
func DetectWrapper(topic string, body []byte) Wrapper {
	if utf8.Valid(body) {
		return Wrapper{Topic: topic, Body: body, Encoding: EncodingText}
	}
	return BinaryWrapper(topic, body)
}
