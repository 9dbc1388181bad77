package transport

import "hermannmta.dev/mtad/internal/mailctx"

// None is a no-op sink transport: it reports success without doing
// anything, for recipients whose TransferMethod is deliberately discarded
// (e.g. a policy verdict that accepts mail but routes it to /dev/null).
type None struct{}

// Deliver implements Transport.
func (None) Deliver(mailctx.Address, *mailctx.Recipient, []byte) (error, bool) {
	return nil, false
}
