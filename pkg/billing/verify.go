// Package billing normalizes and applies inbound billing-provider webhooks:
// verify signature, dedupe by external event id, map the event kind to a
// desired-state change, and enqueue a reconcile pass.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SignatureHeader is the header carrying the provider's HMAC-SHA256
// signature of the raw request body, hex-encoded.
const SignatureHeader = "X-Billing-Signature"

// VerifySignature compares the HMAC-SHA256 of body under secret against sig
// (hex-encoded) in constant time. An empty secret disables verification,
// matching the teacher's dev-mode convention for webhook verifiers.
func VerifySignature(secret string, body []byte, sig string) error {
	if secret == "" {
		return nil
	}
	if sig == "" {
		return fmt.Errorf("missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}

	if subtle.ConstantTimeCompare(want, got) != 1 {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
