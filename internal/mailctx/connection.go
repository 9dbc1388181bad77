package mailctx

import "time"

// Credentials is the authenticated identity bound to a connection by a
// successful SASL exchange.
type Credentials struct {
	User   string `json:"user"`
	Domain string `json:"domain"`
}

// ConnContext is the per-connection context: who connected, when, and
// whether (and as whom) they have authenticated or secured the channel.
// It is created at socket accept and mutated in place as the receiver
// state machine progresses; it is embedded (by value, at the time of
// queueing) into every MailContext produced on that connection.
type ConnContext struct {
	Timestamp     time.Time    `json:"timestamp"`
	ServerName    string       `json:"server_name"`
	ServerAddress string       `json:"server_address"`
	ClientAddress string       `json:"client_address"`
	Credentials   *Credentials `json:"credentials,omitempty"`
	IsAuthenticated bool       `json:"is_authenticated"`
	IsSecured     bool         `json:"is_secured"`
}

// Metadata carries the message identity and any policy-assigned skip
// marker that must bypass later stages (e.g. a fast-accept or quarantine
// verdict recorded before the working/delivery stages run).
type Metadata struct {
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Skipped   *TransferStatus `json:"skipped,omitempty"`

	// QuarantinePath is set by a preq quarantine verdict: the message is
	// queued into working as usual, and the working processor moves it
	// into this quarantine sub-path once postq has had its chance to
	// confirm or override.
	QuarantinePath string `json:"quarantine_path,omitempty"`
}
