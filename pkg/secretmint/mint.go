package secretmint

import (
	"encoding/json"
	"fmt"
)

// Secrets is the plaintext bundle generated for a newly provisioned
// instance. It is sealed into Instance.SecretsEnvelope immediately and never
// persisted unsealed.
type Secrets struct {
	AdminPassword string `json:"admin_password"`
}

// Mint ties secret generation to envelope sealing so callers never handle an
// unsealed value longer than necessary.
type Mint struct {
	envelope *Envelope
}

// NewMint creates a Mint sealing with the given operator-supplied key.
func NewMint(envelopeKey string) *Mint {
	return &Mint{envelope: NewEnvelope(envelopeKey)}
}

// GenerateSealed mints a fresh admin password and returns it both in the
// clear (for one-time injection into the container's environment) and sealed
// (for storage in Instance.SecretsEnvelope).
func (m *Mint) GenerateSealed() (plain Secrets, sealed []byte, err error) {
	password, err := GenerateAdminPassword(20)
	if err != nil {
		return Secrets{}, nil, fmt.Errorf("generating admin password: %w", err)
	}

	plain = Secrets{AdminPassword: password}
	body, err := json.Marshal(plain)
	if err != nil {
		return Secrets{}, nil, fmt.Errorf("marshaling secrets: %w", err)
	}

	sealed, err = m.envelope.Seal(body)
	if err != nil {
		return Secrets{}, nil, fmt.Errorf("sealing secrets: %w", err)
	}
	return plain, sealed, nil
}

// Open reveals the plaintext secrets bundle previously sealed by GenerateSealed.
func (m *Mint) Open(sealed []byte) (Secrets, error) {
	body, err := m.envelope.Open(sealed)
	if err != nil {
		return Secrets{}, fmt.Errorf("opening sealed secrets: %w", err)
	}

	var s Secrets
	if err := json.Unmarshal(body, &s); err != nil {
		return Secrets{}, fmt.Errorf("unmarshaling secrets: %w", err)
	}
	return s, nil
}

// RotatePassword generates a replacement admin password and returns both
// forms, for callers that need to push the new plaintext into a running
// container and persist the new sealed value.
func (m *Mint) RotatePassword() (plain Secrets, sealed []byte, err error) {
	return m.GenerateSealed()
}
