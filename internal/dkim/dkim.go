// Package dkim signs outgoing messages and verifies the signatures of
// incoming ones, wrapping github.com/emersion/go-msgauth. Signing happens
// in the working processor for locally-originated mail; verification
// results are surfaced read-only to postq policy scripts.
package dkim

import (
	"bytes"
	"crypto"
	"fmt"

	msgauth "github.com/emersion/go-msgauth/dkim"

	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/trace"
)

// Signer signs messages for one domain and selector.
type Signer struct {
	Domain   string
	Selector string
	Signer   crypto.Signer
}

func (s *Signer) String() string {
	return fmt.Sprintf("%s:%s", s.Domain, s.Selector)
}

// Sign returns the message with a DKIM-Signature header prepended. The
// input may use bare-LF line endings; signing normalizes to CRLF (which is
// what goes on the wire anyway).
func (s *Signer) Sign(data []byte) ([]byte, error) {
	opts := &msgauth.SignOptions{
		Domain:   s.Domain,
		Selector: s.Selector,
		Signer:   s.Signer,

		HeaderCanonicalization: msgauth.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauth.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	err := msgauth.Sign(&signed, bytes.NewReader(normalize.ToCRLF(data)), opts)
	if err != nil {
		return nil, err
	}
	return signed.Bytes(), nil
}

// VerifyResult is the summarized outcome of verifying a message.
type VerifyResult string

const (
	ResultNone VerifyResult = "none"
	ResultPass VerifyResult = "pass"
	ResultFail VerifyResult = "fail"
)

// Verify checks the DKIM signatures of the message, if any. One passing
// signature is enough for a pass; signatures present but all failing is a
// fail; no signatures is none.
func Verify(tr *trace.Trace, data []byte) VerifyResult {
	verifications, err := msgauth.Verify(bytes.NewReader(normalize.ToCRLF(data)))
	if err != nil {
		if tr != nil {
			tr.Debugf("dkim verification error: %v", err)
		}
		return ResultNone
	}
	if len(verifications) == 0 {
		return ResultNone
	}

	result := ResultFail
	for _, v := range verifications {
		if v.Err == nil {
			result = ResultPass
		} else if tr != nil {
			tr.Debugf("dkim signature for %s failed: %v", v.Domain, v.Err)
		}
	}
	return result
}
