package identity

import (
	"testing"
	"time"
)

// TestSignatureIntegrity is property 4: verify(did, bytes, sign(secret, bytes))
// is true, and any single-bit flip of bytes yields false.
func TestSignatureIntegrity(t *testing.T) {
	for _, alg := range []Algorithm{AlgEd25519, AlgSecp256k1} {
		did, secret, err := Generate(alg)
		if err != nil {
			t.Fatalf("%s: generate: %v", alg, err)
		}
		reg := NewRegistry()
		if err := reg.Register(did, PublicKeyOf(secret), ScopeIndividual, time.Now().UTC()); err != nil {
			t.Fatalf("%s: register: %v", alg, err)
		}

		msg := []byte("a proposal to ratify")
		sig, err := Sign(secret, msg)
		if err != nil {
			t.Fatalf("%s: sign: %v", alg, err)
		}
		if !reg.Verify(did, msg, sig) {
			t.Fatalf("%s: expected signature to verify", alg)
		}

		flipped := append([]byte(nil), msg...)
		flipped[0] ^= 0x01
		if reg.Verify(did, flipped, sig) {
			t.Fatalf("%s: expected flipped message to fail verification", alg)
		}
	}
}

func TestVerifyNeverPanicsOnGarbage(t *testing.T) {
	did, secret, err := Generate(AlgEd25519)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	if err := reg.Register(did, PublicKeyOf(secret), ScopeIndividual, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if reg.Verify(did, []byte("msg"), []byte{0x01, 0x02}) {
		t.Fatal("expected malformed signature to fail verification")
	}
	if reg.Verify("did:gov:unknown", []byte("msg"), make([]byte, 64)) {
		t.Fatal("expected unknown DID to fail verification")
	}
}

func TestCredentialRevocation(t *testing.T) {
	issuer, secret, err := Generate(AlgEd25519)
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	now := time.Now().UTC()
	if err := reg.Register(issuer, PublicKeyOf(secret), ScopeFederation, now); err != nil {
		t.Fatal(err)
	}

	cred := Credential{
		ID:         "cred-1",
		Issuer:     issuer,
		Subject:    "did:gov:subject",
		Type:       "membership",
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
	}
	if !VerifyCredential(reg, cred, now) {
		t.Fatal("expected credential to verify before revocation")
	}
	reg.MarkCredentialRevoked(cred.ID)
	if VerifyCredential(reg, cred, now) {
		t.Fatal("expected credential to fail verification after revocation")
	}
}
