package auth

import (
	"sync"
	"time"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

// Gate binds capabilities to sponsor identities, once per identity
type Gate struct {
	verifier IdentityVerifier
	lock     sync.RWMutex
	byHash   map[string]model.SponsorID
	bindings map[model.SponsorID]model.CapabilityBinding
}

func NewGate(verifier IdentityVerifier) *Gate {
	return &Gate{
		verifier: verifier,
		byHash:   map[string]model.SponsorID{},
		bindings: map[model.SponsorID]model.CapabilityBinding{},
	}
}

// Prepare verifies the proof and mints a capability without activating it.
// The binding becomes live once Bind is called, after it has been journaled.
func (g *Gate) Prepare(proof IdentityProof) (Capability, model.CapabilityBinding, error) {
	if err := g.verifier.Verify(proof); err != nil {
		return Capability{}, model.CapabilityBinding{}, err
	}
	if g.IsRegistered(proof.Sponsor) {
		return Capability{}, model.CapabilityBinding{}, errors.Wrapf(model.ErrAlreadyExists, "identity %s", proof.Sponsor)
	}
	c, err := newCapability()
	if err != nil {
		return Capability{}, model.CapabilityBinding{}, err
	}
	return c, model.CapabilityBinding{
		Sponsor:   proof.Sponsor,
		TokenHash: c.hash(),
		PublicKey: proof.PublicKeyHex(),
		Created:   time.Now().UTC(),
	}, nil
}

// Bind activates a binding. A sponsor can only ever be bound once.
func (g *Gate) Bind(binding model.CapabilityBinding) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if _, exists := g.bindings[binding.Sponsor]; exists {
		return errors.Wrapf(model.ErrAlreadyExists, "identity %s", binding.Sponsor)
	}
	if _, exists := g.byHash[binding.TokenHash]; exists {
		return errors.Wrap(model.ErrAlreadyExists, "capability already bound")
	}
	g.bindings[binding.Sponsor] = binding
	g.byHash[binding.TokenHash] = binding.Sponsor
	return nil
}

// Register is Prepare followed by Bind, for callers without a journal
func (g *Gate) Register(proof IdentityProof) (Capability, error) {
	c, binding, err := g.Prepare(proof)
	if err != nil {
		return Capability{}, err
	}
	if err := g.Bind(binding); err != nil {
		return Capability{}, err
	}
	return c, nil
}

func (g *Gate) IsRegistered(sponsor model.SponsorID) bool {
	g.lock.RLock()
	defer g.lock.RUnlock()
	_, exists := g.bindings[sponsor]
	return exists
}

// Require fails with ErrUnauthorized unless c is live and bound to sponsor
func (g *Gate) Require(c Capability, sponsor model.SponsorID) error {
	if c.isZero() {
		return errors.Wrap(model.ErrUnauthorized, "missing capability")
	}
	g.lock.RLock()
	bound, ok := g.byHash[c.hash()]
	g.lock.RUnlock()
	if !ok {
		return errors.Wrapf(model.ErrUnauthorized, "%s is not live", c)
	}
	if bound != sponsor {
		return errors.Wrapf(model.ErrUnauthorized, "%s is not bound to %s", c, sponsor)
	}
	return nil
}
