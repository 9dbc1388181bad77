// Package sasl drives the server side of the AUTH command: mechanism
// negotiation and challenge/response handling, built on
// github.com/emersion/go-sasl and bound to an internal/auth.Authenticator.
package sasl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	gosasl "github.com/emersion/go-sasl"

	"hermannmta.dev/mtad/internal/auth"
	"hermannmta.dev/mtad/internal/envelope"
)

// ErrUnsupportedMechanism is returned by NewServer for a mechanism other
// than PLAIN or LOGIN.
var ErrUnsupportedMechanism = errors.New("sasl: unsupported mechanism")

// Mechanisms lists the mechanisms this driver supports, in advertisement
// order.
var Mechanisms = []string{gosasl.Plain, gosasl.Login}

// Result is the outcome of a completed exchange.
type Result struct {
	User   string
	Domain string
}

// NewServer returns a gosasl.Server for mechanism, driven against authr.
// The authenticator callback is invoked once the full identity/password
// pair has been collected by the mechanism's state machine; it records the
// outcome into result so the caller can read it back after Next reports
// done.
func NewServer(mechanism string, authr *auth.Authenticator, result *Result) (gosasl.Server, error) {
	switch strings.ToUpper(mechanism) {
	case gosasl.Plain:
		return gosasl.NewPlainServer(func(identity, username, password string) error {
			return authenticate(authr, username, password, result)
		}), nil
	case gosasl.Login:
		return gosasl.NewLoginServer(func(username, password string) error {
			return authenticate(authr, username, password, result)
		}), nil
	default:
		return nil, ErrUnsupportedMechanism
	}
}

// AllowsClientFirst reports whether mechanism permits an initial response
// on the AUTH command line itself (both PLAIN and LOGIN do, per RFC 4954).
func AllowsClientFirst(mechanism string) bool {
	switch strings.ToUpper(mechanism) {
	case gosasl.Plain, gosasl.Login:
		return true
	default:
		return false
	}
}

var errBadCredentials = errors.New("sasl: incorrect user or password")

func authenticate(authr *auth.Authenticator, username, password string, result *Result) error {
	user, domain := splitUsername(username)
	ok, err := authr.Authenticate(user, domain, password)
	if err != nil {
		return err
	}
	if !ok {
		return errBadCredentials
	}
	result.User = user
	result.Domain = domain
	return nil
}

// splitUsername accepts either "user@domain" or a bare "user" (in which
// case domain is left empty, and the authenticator's fallback backend, if
// any, is expected to resolve it).
func splitUsername(username string) (user, domain string) {
	if strings.Contains(username, "@") {
		return envelope.Split(username)
	}
	return username, ""
}

// IsBadCredentials reports whether err is the "incorrect user or password"
// sentinel, as opposed to a backend error that should be surfaced as a
// temporary authentication failure (454) instead of a permanent one (535).
func IsBadCredentials(err error) bool {
	return errors.Is(err, errBadCredentials)
}

// ErrCanceled is returned by Exchange when the client sends the RFC 4954
// "*" cancellation response in place of a challenge response.
var ErrCanceled = errors.New("sasl: authentication canceled")

// Exchange drives server through to completion, reading further
// challenge/response lines via readLine and sending each intermediate
// challenge via sendChallenge (base64-encoded, "334 "-prefixed, is the
// caller's job -- Exchange only deals in decoded bytes). initial is the
// already-decoded initial response from the AUTH command line, or nil if
// the client didn't supply one (in which case the mechanism is server-first
// and the first Next call primes the opening challenge).
func Exchange(server gosasl.Server, initial []byte, readLine func() (string, error), sendChallenge func(challenge []byte) error) error {
	resp := initial
	for {
		challenge, done, err := server.Next(resp)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := sendChallenge(challenge); err != nil {
			return err
		}

		line, err := readLine()
		if err != nil {
			return err
		}
		if line == "*" {
			return ErrCanceled
		}

		decoded, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return fmt.Errorf("sasl: invalid base64 response: %w", err)
		}
		resp = decoded
	}
}
