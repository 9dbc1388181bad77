package mailctx

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MailContext is the envelope, metadata, and connection context passed
// between the receiver and the queue pipeline stages. It is what gets
// serialized (as JSON) into a queue file; the body payload itself lives
// separately in the mails/<id> store, referenced here only by a
// BodyMarker and by Metadata.MessageID.
type MailContext struct {
	Connection ConnContext `json:"connection"`
	ClientAddr string      `json:"client_addr"`
	Envelope   Envelope    `json:"envelope"`
	Body       BodyMarker  `json:"body"`
	Metadata   Metadata    `json:"metadata"`
}

// idCounter is the per-process monotonic counter mixed into message ids, so
// that two ids minted in the same process can never collide even if clocks
// do not advance between them.
var idCounter uint64

// NewMessageID mints a message id embedding the connection timestamp and
// a per-process monotonic counter, so ids cannot collide within a process
// lifetime even if the clock stands still.
func NewMessageID(connectedAt time.Time) string {
	n := atomic.AddUint64(&idCounter, 1)
	return fmt.Sprintf("%x.%x", connectedAt.UnixNano(), n)
}
