package notify

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// CompressionThreshold is the encoded size past which payloads are gzipped.
// PostgreSQL caps NOTIFY payloads at 8000 bytes, so large insert batches
// must shrink before hitting the wire.
const CompressionThreshold = 4096

// envelope wraps a compressed payload. Uncompressed payloads travel as plain
// JSON and are recognized by the absence of the compressed marker.
type envelope struct {
	Compressed bool   `json:"compressed"`
	Data       string `json:"data"`
}

func encodePayload(payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode notification payload: %w", err)
	}

	if len(encoded) <= CompressionThreshold {
		return encoded, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(encoded); err != nil {
		return nil, fmt.Errorf("failed to compress notification payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress notification payload: %w", err)
	}

	wrapped, err := json.Marshal(envelope{
		Compressed: true,
		Data:       base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap compressed payload: %w", err)
	}
	return wrapped, nil
}

func decodePayload(payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || !env.Compressed {
		// Plain payload; delivered as-is.
		return payload, nil
	}

	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode compressed payload: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	defer gz.Close()

	decoded, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return decoded, nil
}

// scopeMatches applies ident filtering: payloads carrying an ident key reach
// only the listener with that identity, or everyone when the ident is "any".
func scopeMatches(payload []byte, ident string) bool {
	var probe struct {
		Ident string `json:"ident"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		// Non-object payloads are unfiltered.
		return true
	}
	return probe.Ident == "" || probe.Ident == IdentAny || probe.Ident == ident
}
