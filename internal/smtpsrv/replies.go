package smtpsrv

import (
	"fmt"
	"strings"
)

// ReplyTable maps an SMTP reply code to its text. The text may span
// multiple lines (separated by "\n"); the writer takes care of the "-" vs
// " " column-4 convention. "{domain}" and "{id}" placeholders are expanded
// at send time; any other "{...}" token is left as literal text.
type ReplyTable map[int]string

var defaultReplies = ReplyTable{
	214: "See RFC 5321 for command reference",
	220: "{domain} Service ready",
	221: "Service closing transmission channel",
	235: "Authentication successful",
	250: "Ok",
	354: "Start mail input; end with <CRLF>.<CRLF>",
	421: "{domain} Service not available, closing transmission channel",
	450: "Requested mail action not taken: mailbox unavailable",
	451: "Requested action aborted: local error in processing",
	452: "Too many recipients",
	454: "Temporary authentication failure",
	500: "Syntax error, command unrecognized",
	501: "Syntax error in parameters or arguments",
	502: "Command not implemented",
	503: "Bad sequence of commands",
	530: "Authentication required",
	534: "Authentication mechanism is too weak",
	535: "Authentication credentials invalid",
	550: "Requested action not taken: mailbox unavailable",
	552: "Message size exceeds fixed maximum message size",
	554: "Transaction failed",
}

// Reply texts with no code of their own: the error-budget cutoff and the
// per-phase timeout notice.
const (
	tooManyErrorsText = "Too many errors from the client"
	timeoutText       = "Timeout waiting for command"
)

// NewReplyTable returns the default reply texts overlaid with the given
// per-code overrides (typically from the configuration file).
func NewReplyTable(overrides map[int]string) ReplyTable {
	t := ReplyTable{}
	for code, text := range defaultReplies {
		t[code] = text
	}
	for code, text := range overrides {
		t[code] = text
	}
	return t
}

// Text returns the table text for code, falling back to a generic line so
// an unconfigured code never produces an empty reply.
func (t ReplyTable) Text(code int) string {
	if text, ok := t[code]; ok {
		return text
	}
	if code >= 400 {
		return "Requested action not taken"
	}
	return "Ok"
}

// expandReply substitutes the {domain} and {id} placeholders. Unknown
// placeholders stay as literal text.
func expandReply(text, domain, id string) string {
	r := strings.NewReplacer("{domain}", domain, "{id}", id)
	return r.Replace(text)
}

// formatReply renders a (possibly multi-line) reply into wire format, with
// "-" in column 4 on all but the last line. If forceContinue is set, the
// last line also gets the "-" (used when the error budget cutoff appends
// its own final line after this reply).
func formatReply(code int, msg string, forceContinue bool) string {
	lines := strings.Split(msg, "\n")
	b := &strings.Builder{}
	for i, l := range lines {
		sep := " "
		if i < len(lines)-1 || forceContinue {
			sep = "-"
		}
		fmt.Fprintf(b, "%d%s%s\r\n", code, sep, l)
	}
	// Trim the trailing CRLF; the framer adds it back per line.
	return strings.TrimSuffix(b.String(), "\r\n")
}
