// Package normalize contains functions to normalize usernames, addresses,
// domains, and line endings.
package normalize

import (
	"bytes"
	"strings"

	"hermannmta.dev/mtad/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalices a DNS domain into a unicode form: lowercase, with IDNA
// applied (punycode gets decoded) and NFC-normalized.
// On error, it will also return the original domain to simplify callers.
func Domain(domain string) (string, error) {
	domain = strings.ToLower(domain)

	domainU, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}

	return norm.NFC.String(domainU), nil
}

// Addr normalices an email address using PRECIS for the user part and
// Domain for the domain part.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// DomainToUnicode converts the domain of an user@domain address to
// unicode, using Domain. The user part is left as-is. On error, it will
// also return the original address to simplify callers.
func DomainToUnicode(addr string) (string, error) {
	if addr == "<>" {
		return addr, nil
	}
	user, domain := envelope.Split(addr)

	domain, err := Domain(domain)
	return user + "@" + domain, err
}

// ToCRLF rewrites data so every line ending is CRLF, tolerating input that
// already uses CRLF, bare LF, or a mix of both. Local delivery agents and
// mbox files expect RFC-compliant line endings regardless of how the body
// was stored internally.
func ToCRLF(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
