// Package signature signs and verifies webhook payloads with HMAC-SHA256
// over a canonical JSON encoding.
//
// The canonical encoding is compact JSON: no extra whitespace, "," and ":"
// separators with no padding, and no HTML escaping. Key order is whatever
// the serializer emits — struct fields in declaration order, map keys
// sorted — so encoding the same value always yields the same bytes.
// Receivers verify against the raw request body, which is exactly these
// bytes, so they never need to re-canonicalize.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Prefix identifies the digest algorithm in signature strings.
const Prefix = "sha256="

// Canonicalize returns the canonical byte encoding of payload.
func Canonicalize(payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	// Encode appends a trailing newline; it is not part of the encoding.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign computes the signature of payload under secret, returning a string of
// the form "sha256=<hex-digest>" for the X-Webhook-Signature header.
func Sign(payload any, secret string) (string, error) {
	raw, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return SignBytes(raw, secret), nil
}

// SignBytes signs an already-canonical byte encoding. The delivery engine
// uses this to sign the exact bytes it sends, fixed once per sequence.
func SignBytes(raw []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of payload under secret.
// It recomputes the signature over the canonical encoding and compares in
// constant time. Malformed input never panics or errors — it simply fails
// to match.
func Verify(payload any, sig, secret string) bool {
	raw, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return VerifyBytes(raw, sig, secret)
}

// VerifyBytes reports whether sig is a valid signature of the raw bytes.
// Receivers should pass the request body exactly as received.
func VerifyBytes(raw []byte, sig, secret string) bool {
	if !strings.HasPrefix(sig, Prefix) {
		return false
	}
	expected := SignBytes(raw, secret)
	// hmac.Equal is constant time; never compare secret-derived
	// material with ==.
	return hmac.Equal([]byte(sig), []byte(expected))
}
