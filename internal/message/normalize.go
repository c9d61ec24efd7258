package message

import (
	"encoding/json"
	"errors"
	"io"
	"maps"
	"strings"
	"unicode/utf8"
)

// Normalize converts an inbound message into its canonical form. Envelopes
// are rewritten in place so callers holding the map observe the same body
// as the returned message.
//
// A body without its own "topic" key is wrapped as
// {"topic": <transport topic or nil>, "msg": <body>}.
func Normalize(in Inbound) (*Message, error) {
	switch v := in.(type) {
	case Envelope:
		return normalizeEnvelope(v)
	case *Envelope:
		if v == nil {
			return nil, normalizationf("envelope is nil")
		}
		return normalizeEnvelope(*v)
	case Wrapper:
		return normalizeWrapper(v)
	case *Wrapper:
		if v == nil {
			return nil, normalizationf("wrapper is nil")
		}
		return normalizeWrapper(*v)
	case nil:
		return nil, normalizationf("no inbound message")
	default:
		return nil, normalizationf("unsupported inbound type %T", in)
	}
}

func normalizeEnvelope(env Envelope) (*Message, error) {
	if env == nil {
		return nil, normalizationf("envelope is nil")
	}

	msg := &Message{State: StateReceived}

	raw, hasBody := env[KeyBody]
	if !hasBody {
		// Bare payload: every original key moves under "msg".
		payload := maps.Clone(map[string]any(env))
		clear(env)
		body := map[string]any{KeyTopic: nil, KeyMsg: payload}
		env[KeyBody] = body
		msg.Body = body
		msg.State = StateNormalized
		return msg, nil
	}

	topic, err := envelopeTopic(env)
	if err != nil {
		return nil, err
	}

	body, err := decodeBody(msg, raw)
	if err != nil {
		return nil, err
	}
	body = wrapBody(topic, body)
	env[KeyBody] = body

	msg.Topic = topic
	msg.Body = body
	msg.State = StateNormalized
	return msg, nil
}

func normalizeWrapper(w Wrapper) (*Message, error) {
	// A wrapper always carries its transport topic, including "".
	msg := &Message{State: StateReceived, Topic: stringPtr(w.Topic)}

	text := string(w.Body)
	if w.Encoding != EncodingText || !utf8.ValidString(text) {
		msg.warn(ErrNonTextualBody)
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}

	body, err := decodeObject(text)
	if err != nil {
		return nil, err
	}

	msg.Body = wrapBody(msg.Topic, body)
	msg.State = StateNormalized
	return msg, nil
}

func envelopeTopic(env Envelope) (*string, error) {
	raw, ok := env[KeyTopic]
	if !ok || raw == nil {
		return nil, nil
	}
	topic, ok := raw.(string)
	if !ok {
		return nil, normalizationf("envelope topic has type %T, want string", raw)
	}
	return stringPtr(topic), nil
}

func decodeBody(msg *Message, raw any) (map[string]any, error) {
	switch b := raw.(type) {
	case map[string]any:
		return b, nil
	case Envelope:
		return map[string]any(b), nil
	case string:
		return decodeObject(b)
	case []byte:
		msg.warn(ErrNonTextualBody)
		return decodeObject(strings.ToValidUTF8(string(b), string(utf8.RuneError)))
	case nil:
		return nil, normalizationf("body is null")
	default:
		return nil, normalizationf("body has unsupported type %T", raw)
	}
}

// decodeObject parses text as a single JSON object. Numbers are kept as
// json.Number so re-encoding reproduces the producer's digits.
func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, normalizationf("decode body: %v", err)
	}
	if out == nil {
		return nil, normalizationf("body is not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, normalizationf("body has trailing data after JSON object")
	}
	return out, nil
}

func wrapBody(topic *string, body map[string]any) map[string]any {
	if _, ok := body[KeyTopic]; ok {
		return body
	}
	var t any
	if topic != nil {
		t = *topic
	}
	return map[string]any{KeyTopic: t, KeyMsg: body}
}
