package auth

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

// IdentityProof is produced by the external account/key system: the sponsor
// signs RegistrationMessage(sponsor) with its key.
type IdentityProof struct {
	Sponsor   model.SponsorID
	PublicKey []byte
	Signature []byte
}

func RegistrationMessage(sponsor model.SponsorID) []byte {
	return []byte("bounty-escrow/register/" + string(sponsor))
}

type IdentityVerifier interface {
	Verify(proof IdentityProof) error
}

type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(proof IdentityProof) error {
	if proof.Sponsor == "" {
		return errors.Wrap(model.ErrInvalidArgument, "empty sponsor id")
	}
	if len(proof.PublicKey) != ed25519.PublicKeySize {
		return errors.Wrapf(model.ErrInvalidArgument, "public key must be %d bytes", ed25519.PublicKeySize)
	}
	if !ed25519.Verify(proof.PublicKey, RegistrationMessage(proof.Sponsor), proof.Signature) {
		return errors.Wrapf(model.ErrUnauthorized, "identity proof for %s does not verify", proof.Sponsor)
	}
	return nil
}

// SignRegistration builds a proof from a private key, used by tooling and tests
func SignRegistration(sponsor model.SponsorID, key ed25519.PrivateKey) IdentityProof {
	return IdentityProof{
		Sponsor:   sponsor,
		PublicKey: key.Public().(ed25519.PublicKey),
		Signature: ed25519.Sign(key, RegistrationMessage(sponsor)),
	}
}

func (p IdentityProof) PublicKeyHex() string {
	return hex.EncodeToString(p.PublicKey)
}
