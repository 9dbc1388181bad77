package queue

import (
	"bytes"
	"net/mail"
	"text/template"
	"time"

	"hermannmta.dev/mtad/internal/mailctx"
)

// maxOrigMsgLen bounds how much of the original message is echoed back in
// a DSN: the recipient of the DSN might accept smaller messages than we
// did, so the original is truncated to something generous but bounded.
const maxOrigMsgLen = 256 * 1024

// DSN builds a delivery status notification body (RFC 3464, RFC 6533) for
// the given context's current recipient statuses, addressed back to the
// envelope sender.
func DSN(domainFrom string, ctx *mailctx.MailContext, body []byte) ([]byte, error) {
	info := dsnInfo{
		OurDomain:   domainFrom,
		Destination: ctx.Envelope.MailFrom.String(),
		MessageID:   "mtad-dsn-" + mailctx.NewMessageID(time.Now()) + "@" + domainFrom,
		Date:        time.Now().Format(time.RFC1123Z),
		FailedTo:    map[string]string{},
	}

	for _, rcpt := range ctx.Envelope.Rcpt {
		if rcpt.Status.Kind == mailctx.StatusSent {
			continue
		}
		addr := rcpt.OriginalAddr.String()
		info.FailedTo[addr] = addr
		switch rcpt.Status.Kind {
		case mailctx.StatusFailed:
			info.FailedRecipients = append(info.FailedRecipients, rcpt)
		case mailctx.StatusWaiting, mailctx.StatusHeldBack:
			info.PendingRecipients = append(info.PendingRecipients, rcpt)
		}
	}

	if len(body) > maxOrigMsgLen {
		info.OriginalMessage = string(body[:maxOrigMsgLen])
	} else {
		info.OriginalMessage = string(body)
	}

	info.OriginalMessageID = getMessageID(body)
	info.Boundary = mailctx.NewMessageID(time.Now())

	buf := &bytes.Buffer{}
	err := dsnTemplate.Execute(buf, info)
	return buf.Bytes(), err
}

func getMessageID(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

func reasonOf(r *mailctx.Recipient) string {
	if r.Status.Reason != "" {
		return r.Status.Reason
	}
	return "unknown error"
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	FailedTo          map[string]string
	FailedRecipients  []*mailctx.Recipient
	PendingRecipients []*mailctx.Recipient
	OriginalMessage   string

	// Message-ID of the original message.
	OriginalMessageID string

	// MIME boundary to use to form the message.
	Boundary string
}

var dsnTemplate = template.Must(
	template.New("dsn").Funcs(template.FuncMap{"reason": reasonOf}).Parse(
		`From: Mail Delivery System <postmaster-dsn@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
X-Failed-Recipients: {{range .FailedTo}}{{.}}, {{end}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient(s) failed permanently:

  {{range .FailedTo -}} - {{.}}
  {{- end}}

Technical details:
{{- range .FailedRecipients}}
- "{{.Address}}" ({{.TransferMethod.Kind}}) failed permanently with error:
    {{reason .}}
{{- end}}
{{- range .PendingRecipients}}
- "{{.Address}}" ({{.TransferMethod.Kind}}) failed repeatedly and timed out, last error:
    {{reason .}}
{{- end}}


--{{.Boundary}}
Content-Type: message/global-delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .FailedRecipients -}}
Original-Recipient: utf-8; {{.OriginalAddr}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{reason .}}
{{end}}
{{range .PendingRecipients -}}
Original-Recipient: utf-8; {{.OriginalAddr}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: 4.0.0
Diagnostic-Code: smtp; {{reason .}}
{{end}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))
