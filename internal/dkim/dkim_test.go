package dkim

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
)

const sample = "From: a@sign.test\r\nSubject: test\r\n\r\nhello\r\n"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &Signer{Domain: "sign.test", Selector: "sel", Signer: priv}
}

func TestSign(t *testing.T) {
	s := testSigner(t)

	signed, err := s.Sign([]byte(sample))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	out := string(signed)
	if !strings.Contains(out, "DKIM-Signature:") {
		t.Errorf("no signature header in %q", out)
	}
	if !strings.Contains(out, "d=sign.test") {
		t.Errorf("signature missing domain: %q", out)
	}
	if !strings.Contains(out, "s=sel") {
		t.Errorf("signature missing selector: %q", out)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("message content lost: %q", out)
	}
}

func TestSignNormalizesLineEndings(t *testing.T) {
	s := testSigner(t)

	// Bare-LF input must not break signing.
	if _, err := s.Sign([]byte("From: a@sign.test\n\nhello\n")); err != nil {
		t.Fatalf("Sign with LF endings: %v", err)
	}
}

func TestVerifyUnsigned(t *testing.T) {
	// No signatures at all summarizes as none; verification never fails
	// the message outright.
	if got := Verify(nil, []byte(sample)); got != ResultNone {
		t.Errorf("Verify(unsigned) = %q, expected none", got)
	}
}

func TestSignerString(t *testing.T) {
	s := &Signer{Domain: "d", Selector: "s"}
	if s.String() != "d:s" {
		t.Errorf("String() = %q", s.String())
	}
}
