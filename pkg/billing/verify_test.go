package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"event_id":"evt_1","type":"checkout.completed"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	validSig := hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name    string
		secret  string
		body    []byte
		sig     string
		wantErr bool
	}{
		{"valid signature", secret, body, validSig, false},
		{"wrong signature", secret, body, "00", true},
		{"missing signature", secret, body, "", true},
		{"empty secret skips verification", "", body, "", false},
		{"malformed hex", secret, body, "not-hex!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.secret, tt.body, tt.sig)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifySignature() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
