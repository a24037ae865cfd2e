package webhook

import (
	"errors"
	"testing"
)

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); !errors.Is(err, ErrSecretNotConfigured) {
		t.Fatalf("expected ErrSecretNotConfigured, got %v", err)
	}
}

func TestSignVerifyRoundtrip(t *testing.T) {
	v, err := NewVerifier("super-secret")
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"txHash":"0xabc","status":"CONFIRMED"}`)
	sig := v.Sign(body)

	if !v.Verify(body, sig) {
		t.Error("signature should verify against the body it was computed over")
	}
	if !v.Verify(body, "sha256="+sig) {
		t.Error("prefixed signature should verify")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	v, _ := NewVerifier("super-secret")
	body := []byte(`{"txHash":"0xabc","status":"CONFIRMED"}`)
	sig := v.Sign(body)

	// flip one byte of the body
	tampered := append([]byte(nil), body...)
	tampered[10] ^= 0x01
	if v.Verify(tampered, sig) {
		t.Error("modified body must not verify")
	}

	// flip one character of the signature
	mutated := []byte(sig)
	if mutated[0] == 'a' {
		mutated[0] = 'b'
	} else {
		mutated[0] = 'a'
	}
	if v.Verify(body, string(mutated)) {
		t.Error("modified signature must not verify")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer, _ := NewVerifier("secret-a")
	verifier, _ := NewVerifier("secret-b")

	body := []byte(`{"txHash":"0xabc"}`)
	if verifier.Verify(body, signer.Sign(body)) {
		t.Error("signature from a different secret must not verify")
	}
}
