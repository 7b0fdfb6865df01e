package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature header format: "sha256=<hex digest of HMAC-SHA256(secret, body)>".
const signaturePrefix = "sha256="

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the delivery signature in constant time.
func VerifySignature(secret string, body []byte, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("malformed signature header")
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("malformed signature header")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
