package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/example/busguard/internal/message"
)

// Unsigned returns a shallow copy of payload without the signature fields.
func Unsigned(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == message.KeySignature || k == message.KeyCertificate {
			continue
		}
		out[k] = v
	}
	return out
}

// Canonical returns the bytes a signature over payload covers: the payload
// minus its signature fields, encoded as JSON with sorted keys and no HTML
// escaping. json.Number values keep their original digits.
func Canonical(payload map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Unsigned(payload)); err != nil {
		return nil, fmt.Errorf("crypto: canonical encoding: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
