// Package transport implements the outbound delivery mechanisms a
// recipient's TransferMethod can select: opportunistic-TLS SMTP relay,
// direct-to-MX delivery, local mbox and Maildir drops, an external
// delivery agent pipe, and a no-op sink. The delivery processor picks one
// per recipient by its TransferMethod.Kind.
package transport

import "hermannmta.dev/mtad/internal/mailctx"

// Transport delivers a single message to a single recipient.
type Transport interface {
	// Deliver attempts delivery of data to rcpt, on behalf of from. The
	// full recipient (not just its address) is passed so transports that
	// need it, like Forward, can read rcpt.TransferMethod.Target. It
	// returns an error (nil on success) and whether that error is
	// permanent (true) or worth retrying later (false).
	Deliver(from mailctx.Address, rcpt *mailctx.Recipient, data []byte) (err error, permanent bool)
}

// Registry maps a mailctx.TransferKind to the Transport that handles it.
type Registry map[mailctx.TransferKind]Transport

// Get looks up the transport for a recipient's TransferMethod.
func (r Registry) Get(kind mailctx.TransferKind) (Transport, bool) {
	t, ok := r[kind]
	return t, ok
}
