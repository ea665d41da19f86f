package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-market/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-market/pkg/contracts"
)

const attestationIssuer = "helm-market"

// AttestationClaims certify that an agreement reached a state. PayloadHash
// binds the token to the agreement's signing payload.
type AttestationClaims struct {
	jwt.RegisteredClaims
	AgreementID string                   `json:"agreement_id"`
	State       contracts.AgreementState `json:"state"`
	ProviderID  string                   `json:"provider_id"`
	RequestorID string                   `json:"requestor_id"`
	PayloadHash string                   `json:"payload_hash"`
}

// IssueAttestation signs a JWT (EdDSA) asserting the current state of a.
// The subject is the owner-independent agreement hash.
func IssueAttestation(id *Ed25519Identity, a *contracts.Agreement, ttl time.Duration, now time.Time) (string, error) {
	payload, err := a.SigningPayload()
	if err != nil {
		return "", fmt.Errorf("attestation payload: %w", err)
	}
	now = now.UTC()
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    attestationIssuer,
			Subject:   a.ID.Hash,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  jwt.ClaimStrings{a.ProviderID, a.RequestorID},
		},
		AgreementID: a.ID.Hash,
		State:       a.State,
		ProviderID:  a.ProviderID,
		RequestorID: a.RequestorID,
		PayloadHash: canonicalize.HashBytes(payload),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = id.NodeID()
	signed, err := token.SignedString(id.privKey)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// VerifyAttestation checks a token issued by issuerNodeID and returns its
// claims. The issuer must be one of the agreement parties.
func VerifyAttestation(token, issuerNodeID string, now time.Time) (*AttestationClaims, error) {
	pub, err := PublicKeyFromNodeID(issuerNodeID)
	if err != nil {
		return nil, err
	}
	parsed, err := jwt.ParseWithClaims(token, &AttestationClaims{}, func(t *jwt.Token) (interface{}, error) {
		return ed25519.PublicKey(pub), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(attestationIssuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("verify attestation: %w", err)
	}
	claims, ok := parsed.Claims.(*AttestationClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.ProviderID != issuerNodeID && claims.RequestorID != issuerNodeID {
		return nil, errors.New("verify attestation: issuer is not a party to the agreement")
	}
	return claims, nil
}
