package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const tokenSize = 32

// Capability is the bearer half of an authorization binding. The zero value
// authorizes nothing. The gate only ever stores the token hash, so a capability
// cannot be reconstructed from ledger state.
type Capability struct {
	token [tokenSize]byte
}

func newCapability() (Capability, error) {
	var c Capability
	if _, err := rand.Read(c.token[:]); err != nil {
		return Capability{}, errors.Wrap(err, "failed generating capability token")
	}
	return c, nil
}

// Token encodes the capability for transport
func (c Capability) Token() string {
	return base64.RawURLEncoding.EncodeToString(c.token[:])
}

// String never reveals the token, capabilities end up in log fields
func (c Capability) String() string {
	return "capability(" + c.hash()[:8] + ")"
}

func (c Capability) isZero() bool {
	return c.token == [tokenSize]byte{}
}

func (c Capability) hash() string {
	sum := blake2b.Sum256(c.token[:])
	return hex.EncodeToString(sum[:])
}

func ParseCapability(token string) (Capability, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenSize {
		return Capability{}, errors.Wrap(model.ErrUnauthorized, "malformed capability")
	}
	var c Capability
	copy(c.token[:], raw)
	return c, nil
}
