package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

func newKey(t *testing.T) ed25519.PrivateKey {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestRegisterOncePerIdentity(t *testing.T) {
	gate := NewGate(Ed25519Verifier{})
	key := newKey(t)
	c, err := gate.Register(SignRegistration("acme", key))
	if err != nil {
		t.Fatal(err)
	}
	if err := gate.Require(c, "acme"); err != nil {
		t.Fatalf("fresh capability should be live: %s", err)
	}
	if _, err := gate.Register(SignRegistration("acme", newKey(t))); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected already exists on second registration, got %v", err)
	}
	if _, err := gate.Register(SignRegistration("acme", key)); !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("same key may not register twice either, got %v", err)
	}
}

func TestRequireWrongSponsor(t *testing.T) {
	gate := NewGate(Ed25519Verifier{})
	acme, err := gate.Register(SignRegistration("acme", newKey(t)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Register(SignRegistration("globex", newKey(t))); err != nil {
		t.Fatal(err)
	}
	if err := gate.Require(acme, "globex"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("acme capability must not authorize globex, got %v", err)
	}
	if err := gate.Require(Capability{}, "acme"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("zero capability must be rejected, got %v", err)
	}
	forged, _ := newCapability()
	if err := gate.Require(forged, "acme"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("unbound capability must be rejected, got %v", err)
	}
}

func TestBadProof(t *testing.T) {
	gate := NewGate(Ed25519Verifier{})
	proof := SignRegistration("acme", newKey(t))
	proof.Sponsor = "globex" // signature was over acme
	if _, err := gate.Register(proof); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for mismatched proof, got %v", err)
	}
	if gate.IsRegistered("globex") {
		t.Fatal("failed registration must not bind")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	gate := NewGate(Ed25519Verifier{})
	c, err := gate.Register(SignRegistration("acme", newKey(t)))
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseCapability(c.Token())
	if err != nil {
		t.Fatal(err)
	}
	if err := gate.Require(parsed, "acme"); err != nil {
		t.Fatalf("parsed token should authorize: %s", err)
	}
	if _, err := ParseCapability("not-a-token"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for garbage token, got %v", err)
	}
}

func TestPrepareDoesNotBind(t *testing.T) {
	gate := NewGate(Ed25519Verifier{})
	c, binding, err := gate.Prepare(SignRegistration("acme", newKey(t)))
	if err != nil {
		t.Fatal(err)
	}
	if err := gate.Require(c, "acme"); !errors.Is(err, model.ErrUnauthorized) {
		t.Fatal("prepared capability must not be live before Bind")
	}
	if binding.TokenHash == "" || binding.TokenHash == c.Token() {
		t.Fatal("binding must carry the token hash, never the token")
	}
	if err := gate.Bind(binding); err != nil {
		t.Fatal(err)
	}
	if err := gate.Require(c, "acme"); err != nil {
		t.Fatal(err)
	}
}
