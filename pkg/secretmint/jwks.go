package secretmint

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// SSOClaims are the claims embedded in a one-time single-sign-on token
// handed to a tenant's provisioned instance so it can auto-authenticate the
// tenant without re-prompting for a password.
type SSOClaims struct {
	Subject    string `json:"sub"`
	InstanceID string `json:"instance_id"`
	TenantID   string `json:"tenant_id"`
}

// SSOSigner mints and exposes the Ed25519 keypair tenant instances use to
// verify single-sign-on tokens issued by this control plane. The instance
// fetches the public key from the JWKS endpoint rather than trusting a
// shared secret, so compromise of one instance cannot forge tokens for
// another.
type SSOSigner struct {
	keyID      string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	maxAge     time.Duration
}

// NewSSOSigner generates a fresh Ed25519 keypair. Keys are held in memory
// only; restarting the process rotates them, invalidating outstanding SSO
// links (acceptable, since they are minted on demand and consumed
// immediately). Prefer NewSSOSignerFromSeed in any deployment with more than
// one API replica, since each replica would otherwise mint and verify
// against a different key.
func NewSSOSigner(maxAge time.Duration) (*SSOSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return &SSOSigner{
		keyID:      uuid.New().String(),
		privateKey: priv,
		publicKey:  pub,
		maxAge:     maxAge,
	}, nil
}

// NewSSOSignerFromSeed derives a stable Ed25519 keypair from a 32-byte seed,
// so the signing key survives restarts and is shared across replicas. The
// key ID is derived from the seed too, so every replica advertises the same
// JWKS entry.
func NewSSOSignerFromSeed(seed []byte, maxAge time.Duration) (*SSOSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("sso signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &SSOSigner{
		keyID:      uuid.NewSHA1(uuid.Nil, seed).String(),
		privateKey: priv,
		publicKey:  pub,
		maxAge:     maxAge,
	}, nil
}

// Mint issues a short-lived SSO token for subject scoped to instanceID/tenantID.
func (s *SSOSigner) Mint(subject, instanceID, tenantID string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: s.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(s.maxAge)),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    "instancectl",
	}
	claims := SSOClaims{Subject: subject, InstanceID: instanceID, TenantID: tenantID}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing SSO token: %w", err)
	}
	return token, nil
}

// JWKS returns the public JSON Web Key Set instances fetch to verify SSO
// tokens.
func (s *SSOSigner) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{
				Key:       s.publicKey,
				KeyID:     s.keyID,
				Algorithm: string(jose.EdDSA),
				Use:       "sig",
			},
		},
	}
}
