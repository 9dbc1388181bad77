// Package mailctx implements the data model shared by the receiver, the
// queue, and the delivery pipeline: addresses, envelopes, recipients,
// connection and message metadata, and the mail body value.
package mailctx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Address is a validated mail address, with a cached split of the local
// part and domain. Once parsed, it is immutable.
type Address struct {
	full   string
	local  string
	domain string
}

// NullAddress is the special "<>" reverse-path used for bounces and DSNs.
var NullAddress = Address{full: "<>"}

// ParseAddress validates and splits "user@domain" into an Address. The
// caller is expected to have already stripped the surrounding "<...>" (the
// SMTP command parser and the policy engine are the only callers).
func ParseAddress(s string) (Address, error) {
	if s == "<>" || s == "" {
		return NullAddress, nil
	}

	i := strings.LastIndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("mailctx: malformed address %q", s)
	}

	local, domain := s[:i], s[i+1:]
	return Address{full: local + "@" + domain, local: local, domain: domain}, nil
}

// IsNull reports whether this is the null reverse-path ("<>").
func (a Address) IsNull() bool { return a.full == "<>" || a.full == "" }

// String returns the full "user@domain" form (or "<>").
func (a Address) String() string { return a.full }

// Local returns the local part, empty for the null address.
func (a Address) Local() string { return a.local }

// Domain returns the domain part, empty for the null address.
func (a Address) Domain() string { return a.domain }

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.full)
}

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
