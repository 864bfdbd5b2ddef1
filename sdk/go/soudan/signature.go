package soudan

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix identifies the HMAC algorithm in the signature header.
const signaturePrefix = "sha256="

// SignatureHeader is the HTTP header carrying the payload signature on
// webhook callbacks.
const SignatureHeader = "X-Webhook-Signature"

// VerifySignature checks a webhook callback against the shared secret the
// request was created with. body must be the raw request body bytes, exactly
// as received — re-serializing the JSON can reorder fields and break the
// signature. header is the X-Webhook-Signature value.
func VerifySignature(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
