package smtp

import "net/textproto"

// IsPermanent reports whether err, as surfaced by a Client command, is a
// permanent (5xx) SMTP failure rather than a transient (4xx) one. Errors
// that are not en-route SMTP protocol errors (connection failures, etc.)
// are treated as transient, since retrying later may succeed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*textproto.Error); ok {
		return pe.Code >= 500 && pe.Code < 600
	}
	return false
}
