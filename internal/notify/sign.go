package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature on outbound deliveries.
const SignatureHeader = "X-Patchbay-Signature"

// Sign computes the HMAC-SHA256 of body keyed by secret, formatted as
// "sha256=<hex>" for the signature header.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the body and secret.
//
// Comparison is constant-time (crypto/subtle) and errors are generic so a
// receiver leaks nothing about what failed. Both the "sha256=<hex>" form and
// plain hex are accepted.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("signature verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("signature verification failed")
	}

	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func parseSignature(signature string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(signature, "sha256="); ok {
		return hex.DecodeString(rest)
	}
	return hex.DecodeString(signature)
}
