package smtpsrv

import (
	"bytes"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"hermannmta.dev/mtad/internal/aliases"
	"hermannmta.dev/mtad/internal/auth"
	"hermannmta.dev/mtad/internal/domaininfo"
	"hermannmta.dev/mtad/internal/envelope"
	"hermannmta.dev/mtad/internal/haproxy"
	"hermannmta.dev/mtad/internal/ioframer"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/maillog"
	"hermannmta.dev/mtad/internal/metrics"
	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/policy"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/sasl"
	"hermannmta.dev/mtad/internal/set"
	"hermannmta.dev/mtad/internal/tlsconst"
	"hermannmta.dev/mtad/internal/trace"
	"blitiri.com.ar/go/spf"

	"crypto/tls"
)

var (
	maxReceivedHeaders = flag.Int("testing__max_received_headers", 50,
		"max Received headers, for loop detection; ONLY FOR TESTING")

	// Some go tests disable SPF, to avoid leaking DNS lookups.
	disableSPFForTesting = false
)

// SocketMode represents the mode for a socket (listening or connection).
// We keep them distinct, as policies can differ between them.
type SocketMode struct {
	// Is this mode submission? Submission mandates authentication before
	// MAIL FROM is accepted.
	IsSubmission bool

	// Is this mode TLS-wrapped? That means that we don't use STARTTLS, the
	// connection is directly established over TLS (like HTTPS).
	TLS bool
}

func (mode SocketMode) String() string {
	s := "SMTP"
	if mode.IsSubmission {
		s = "submission"
	}
	if mode.TLS {
		s += "+TLS"
	}
	return s
}

// Valid socket modes.
var (
	ModeSMTP          = SocketMode{IsSubmission: false, TLS: false}
	ModeSubmission    = SocketMode{IsSubmission: true, TLS: false}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
)

// phase is the dialogue stage the connection is currently in; it selects
// which timeout applies to the next read.
type phase int

const (
	phaseConnect phase = iota
	phaseHelo
	phaseMailFrom
	phaseRcptTo
	phaseData
)

// Timeouts holds the per-phase read deadlines.
type Timeouts struct {
	Connect  time.Duration
	Helo     time.Duration
	MailFrom time.Duration
	RcptTo   time.Duration
	Data     time.Duration
}

// DefaultTimeouts are used when the config leaves a phase timeout unset.
var DefaultTimeouts = Timeouts{
	Connect:  1 * time.Minute,
	Helo:     1 * time.Minute,
	MailFrom: 1 * time.Minute,
	RcptTo:   1 * time.Minute,
	Data:     10 * time.Minute,
}

// ErrorBudget is the per-connection error policy: once SoftLimit error
// replies have been sent, every further error reply is preceded by
// SoftDelay; once HardLimit is reached, the offending reply is turned into
// a continuation and followed by a "too many errors" line, and the
// connection is aborted. A zero limit disables that threshold.
type ErrorBudget struct {
	SoftLimit int
	HardLimit int
	SoftDelay time.Duration
}

// errTooManyErrors terminates a connection that ran over its hard error
// limit.
var errTooManyErrors = errors.New("smtpsrv: connection aborted: too many errors")

// Conn represents an incoming SMTP connection.
type Conn struct {
	// Main hostname, used for display and {domain} expansion.
	hostname string

	// Maximum DATA size and per-transaction recipient count.
	maxDataSize int64
	maxRcpt     int

	// Connection information.
	framer       *ioframer.Framer
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	// Tracer to use.
	tr *trace.Trace

	// TLS configuration, for STARTTLS.
	tlsConfig *tls.Config

	// In-flight mail context: connection metadata plus the envelope being
	// built. Queue files are snapshots of this value.
	mctx mailctx.MailContext

	// Raw body as read in DATA, empty outside of it.
	rawBody string

	// SPF results for the current MAIL FROM.
	spfResult spf.Result
	spfError  error

	// Are we using TLS?
	onTLS bool

	// Have we used EHLO?
	isESMTP bool

	// Collaborators, taken from the server at creation time.
	authr        *auth.Authenticator
	localDomains *set.String
	aliasesR     *aliases.Resolver
	dinfo        *domaininfo.DB
	engine       *policy.Engine

	// Queue tree and the processor channels we signal after a write.
	queues     *queue.Manager
	workingCh  chan<- string
	deliveryCh chan<- string

	// Transfer method for local recipients (mbox or maildir), and the
	// optional smarthost remote mail is forwarded through.
	localKind mailctx.TransferKind
	smartHost []string

	// Have we successfully completed AUTH?
	completedAuth bool

	// Allow AUTH before TLS is established.
	allowPlaintextAuth bool

	// Error budget and running count of error replies.
	budget   ErrorBudget
	errCount int

	// Reply text table.
	replies ReplyTable

	// Per-phase timeouts, current phase, and the overall deadline after
	// which we close no matter what.
	timeouts Timeouts
	phase    phase
	deadline time.Time

	// Enable HAProxy on incoming connections.
	haproxyEnabled bool
}

// Close the connection.
func (c *Conn) Close() {
	c.framer.Conn().Close()
}

func (c *Conn) phaseTimeout() time.Duration {
	switch c.phase {
	case phaseConnect:
		return c.timeouts.Connect
	case phaseHelo:
		return c.timeouts.Helo
	case phaseMailFrom:
		return c.timeouts.MailFrom
	case phaseRcptTo:
		return c.timeouts.RcptTo
	case phaseData:
		return c.timeouts.Data
	}
	return c.timeouts.Helo
}

// readDeadline is the deadline for the next read: the current phase's
// timeout, capped by the connection-wide deadline.
func (c *Conn) readDeadline() time.Time {
	d := time.Now().Add(c.phaseTimeout())
	if d.After(c.deadline) {
		return c.deadline
	}
	return d
}

func (c *Conn) writeDeadline() time.Time {
	return time.Now().Add(30 * time.Second)
}

// Handle implements the main protocol loop (reading commands, sending
// replies).
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.framer.Conn().RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected, mode: %s", c.mode)

	c.phase = phaseConnect

	if tc, ok := c.framer.Conn().(*tls.Conn); ok {
		// Tunneled port: complete the handshake before any SMTP byte is
		// exchanged, and get the state so we can say hello below.
		tc.SetDeadline(c.readDeadline())
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		if name := cstate.ServerName; name != "" {
			c.hostname = name
		}
		c.onTLS = true
	}

	c.remoteAddr = c.framer.Conn().RemoteAddr()
	if c.haproxyEnabled {
		c.framer.Conn().SetReadDeadline(c.readDeadline())
		src, dst, err := haproxy.Handshake(c.framer.Buffered())
		if err != nil {
			c.tr.Errorf("error in haproxy handshake: %v", err)
			return
		}
		c.remoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	c.mctx = mailctx.MailContext{
		Connection: mailctx.ConnContext{
			Timestamp:     time.Now(),
			ServerName:    c.hostname,
			ServerAddress: c.framer.Conn().LocalAddr().String(),
			ClientAddress: c.remoteAddr.String(),
			IsSecured:     c.onTLS,
		},
		ClientAddr: c.remoteAddr.String(),
	}

	if v := c.runCheckpoint(policy.Connect, nil); v.Kind == policy.VDeny {
		_ = c.reply(denyCode(v), "")
		return
	}

	if err := c.replyNoBudget(220, ""); err != nil {
		return
	}
	c.phase = phaseHelo

	var err error

loop:
	for {
		if !time.Now().Before(c.deadline) {
			c.tr.Errorf("connection deadline exceeded")
			_ = c.replyNoBudget(421, "")
			break
		}

		line, rerr := c.framer.ReadLine(c.readDeadline())
		if rerr != nil {
			switch {
			case errors.Is(rerr, ioframer.ErrEOF):
				c.tr.Debugf("client closed the connection")
			case errors.Is(rerr, ioframer.ErrTimeout):
				c.tr.Errorf("timeout in phase %d", c.phase)
				_ = c.replyNoBudget(451, timeoutText)
			case errors.Is(rerr, ioframer.ErrLineTooLong),
				errors.Is(rerr, ioframer.ErrEmbeddedNUL):
				if err = c.reply(500, ""); err == nil {
					continue
				}
			default:
				c.tr.Errorf("error reading command: %v", rerr)
			}
			break
		}

		cmd, perr := ParseCommand(line)
		if perr != nil {
			c.tr.Debugf("-> %.40q (unparseable: %v)", line, perr)
			metrics.ReceiverCommands.WithLabelValues("unknown", "5xx").Inc()
			if err = c.reply(501, ""); err != nil {
				break
			}
			continue
		}

		if cmd.Verb == AUTH {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s", line)
		}

		var code int
		var msg string

		switch cmd.Verb {
		case HELO:
			code, msg = c.HELO(cmd)
		case EHLO:
			code, msg = c.EHLO(cmd)
		case HELP:
			code, msg = c.HELP(cmd)
		case NOOP:
			code, msg = c.NOOP(cmd)
		case RSET:
			code, msg = c.RSET(cmd)
		case VRFY:
			code, msg = c.VRFY(cmd)
		case EXPN:
			code, msg = c.EXPN(cmd)
		case MAIL:
			code, msg = c.MAIL(cmd)
		case RCPT:
			code, msg = c.RCPT(cmd)
		case DATA:
			// DATA handles the whole body sequence.
			code, msg = c.DATA(cmd)
		case STARTTLS:
			code, msg = c.STARTTLS(cmd)
		case AUTH:
			code, msg = c.AUTHCmd(cmd)
		case QUIT:
			_ = c.replyNoBudget(221, "")
			break loop
		}

		if code > 0 {
			metrics.ReceiverCommands.WithLabelValues(
				string(cmd.Verb), fmt.Sprintf("%dxx", code/100)).Inc()

			c.tr.Debugf("<- %d  %s", code, msg)
			if code >= 400 {
				// Be verbose about errors, to help troubleshooting.
				c.tr.Errorf("%s failed: %d  %s", cmd.Verb, code, msg)
			}

			if err = c.reply(code, msg); err != nil {
				break
			}
		}
	}

	if err != nil && err != errTooManyErrors {
		c.tr.Errorf("exiting with error: %v", err)
	}
}

// reply sends the given code, using the table text when msg is empty, and
// charges the error budget for 4xx/5xx codes.
func (c *Conn) reply(code int, msg string) error {
	if msg == "" {
		msg = c.replies.Text(code)
	}
	msg = expandReply(msg, c.hostname, c.mctx.Metadata.MessageID)

	if code >= 400 {
		c.errCount++
		if c.budget.SoftLimit > 0 && c.errCount > c.budget.SoftLimit {
			time.Sleep(c.budget.SoftDelay)
		}
		if c.budget.HardLimit > 0 && c.errCount >= c.budget.HardLimit {
			// Rewrite this reply as a continuation, append the cutoff
			// notice, and abort the connection.
			c.tr.Errorf("too many errors, aborting connection")
			wire := formatReply(code, msg, true) + "\r\n" +
				formatReply(451, expandReply(
					tooManyErrorsText, c.hostname, ""), false)
			_ = c.framer.WriteLine(c.writeDeadline(), wire)
			return errTooManyErrors
		}
	}

	return c.framer.WriteLine(c.writeDeadline(), formatReply(code, msg, false))
}

// replyNoBudget sends a reply without charging the error budget: transient
// server-side failures (a queue write error, a timeout notice) are not the
// client's fault.
func (c *Conn) replyNoBudget(code int, msg string) error {
	if msg == "" {
		msg = c.replies.Text(code)
	}
	msg = expandReply(msg, c.hostname, c.mctx.Metadata.MessageID)
	return c.framer.WriteLine(c.writeDeadline(), formatReply(code, msg, false))
}

// runCheckpoint invokes the policy engine at the given checkpoint over the
// in-flight mail context. A nil engine (policy disabled) accepts
// everything. setup, when given, can attach stage-specific extras to the
// state before the script runs.
func (c *Conn) runCheckpoint(cp policy.Checkpoint, setup func(*policy.State)) policy.Verdict {
	if c.engine == nil {
		return policy.Accept
	}

	st := policy.NewState(&c.mctx, c.tr)
	st.ServerName = c.hostname
	st.SPFResult = string(c.spfResult)
	if setup != nil {
		setup(st)
	}

	v, err := c.engine.Run(cp, st)
	if err != nil {
		c.tr.Errorf("policy %s: %v", cp, err)
	}
	return v
}

func denyCode(v policy.Verdict) int {
	if v.Code > 0 {
		return v.Code
	}
	return 554
}

// HELO SMTP command handler.
func (c *Conn) HELO(cmd *Command) (code int, msg string) {
	c.mctx.Envelope.Helo = cmd.Domain
	c.isESMTP = false

	if v := c.runCheckpoint(policy.Helo, nil); v.Kind == policy.VDeny {
		return denyCode(v), ""
	}

	c.phase = phaseMailFrom
	return 250, ""
}

// EHLO SMTP command handler.
func (c *Conn) EHLO(cmd *Command) (code int, msg string) {
	c.mctx.Envelope.Helo = cmd.Domain
	c.isESMTP = true

	if v := c.runCheckpoint(policy.Helo, nil); v.Kind == policy.VDeny {
		return denyCode(v), ""
	}

	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%s at your service\n", c.hostname)
	fmt.Fprintf(buf, "8BITMIME\n")
	fmt.Fprintf(buf, "PIPELINING\n")
	fmt.Fprintf(buf, "SMTPUTF8\n")
	fmt.Fprintf(buf, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(buf, "SIZE %d\n", c.maxDataSize)
	if c.tlsConfig != nil && !c.onTLS {
		fmt.Fprintf(buf, "STARTTLS\n")
	}
	if c.onTLS || c.allowPlaintextAuth {
		fmt.Fprintf(buf, "AUTH %s\n", strings.Join(sasl.Mechanisms, " "))
	}
	fmt.Fprintf(buf, "HELP")

	c.phase = phaseMailFrom
	return 250, buf.String()
}

// HELP SMTP command handler.
func (c *Conn) HELP(cmd *Command) (code int, msg string) {
	return 214, ""
}

// RSET SMTP command handler. It always succeeds, and returns the dialogue
// to its post-HELO state.
func (c *Conn) RSET(cmd *Command) (code int, msg string) {
	c.resetEnvelope()
	if c.mctx.Envelope.Helo != "" {
		c.phase = phaseMailFrom
	}
	return 250, ""
}

// VRFY SMTP command handler.
func (c *Conn) VRFY(cmd *Command) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, ""
}

// EXPN SMTP command handler.
func (c *Conn) EXPN(cmd *Command) (code int, msg string) {
	// We intentionally don't implement this command.
	return 502, ""
}

// NOOP SMTP command handler.
func (c *Conn) NOOP(cmd *Command) (code int, msg string) {
	return 250, ""
}

// MAIL SMTP command handler.
func (c *Conn) MAIL(cmd *Command) (code int, msg string) {
	if c.mctx.Envelope.Helo == "" {
		return 503, "Polite people say hello first"
	}
	if c.mode.IsSubmission && !c.completedAuth {
		return 530, "Mail to the submission port must be authenticated"
	}

	if code, msg := c.checkESMTPParams(cmd.Params); code > 0 {
		return code, msg
	}

	// Note some servers check (and fail) if we had a previous MAIL command,
	// but that's not according to the RFC. We reset the envelope instead.
	c.resetEnvelope()

	// A null reverse-path is explicitly allowed and used for notification
	// messages.
	addr := "<>"
	if cmd.Addr != "" {
		e, err := mail.ParseAddress(cmd.Addr)
		if err != nil || e.Address == "" {
			return 501, "Sender address malformed"
		}
		addr = e.Address

		if !strings.Contains(addr, "@") {
			return 501, "Sender address must contain a domain"
		}

		// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
		if len(addr) > 256 {
			return 501, "Sender address too long"
		}

		// SPF check - https://tools.ietf.org/html/rfc7208#section-2.4
		// We opt not to fail on errors, to avoid accidents from preventing
		// delivery.
		c.spfResult, c.spfError = c.checkSPF(addr)
		if c.spfResult == spf.Fail {
			// https://tools.ietf.org/html/rfc7208#section-8.4
			maillog.Rejected(c.remoteAddr, addr, nil,
				fmt.Sprintf("failed SPF: %v", c.spfError))
			return 550, fmt.Sprintf("SPF check failed: %v", c.spfError)
		}

		if !c.secLevelCheck(addr) {
			maillog.Rejected(c.remoteAddr, addr, nil,
				"security level check failed")
			return 550, "Security level check failed"
		}

		var err2 error
		addr, err2 = normalize.DomainToUnicode(addr)
		if err2 != nil {
			maillog.Rejected(c.remoteAddr, addr, nil,
				fmt.Sprintf("malformed address: %v", err2))
			return 501, "Malformed sender domain (IDNA conversion failed)"
		}
	}

	from, err := mailctx.ParseAddress(addr)
	if err != nil {
		return 501, "Sender address malformed"
	}
	c.mctx.Envelope.MailFrom = from

	if v := c.runCheckpoint(policy.MailFrom, nil); v.Kind == policy.VDeny {
		c.resetEnvelope()
		return denyCode(v), ""
	}

	// The message identity is minted here, at MAIL FROM acceptance.
	c.mctx.Metadata = mailctx.Metadata{
		Timestamp: time.Now(),
		MessageID: mailctx.NewMessageID(c.mctx.Connection.Timestamp),
	}

	c.phase = phaseRcptTo
	return 250, ""
}

// checkESMTPParams validates the MAIL/RCPT parameter list: the ones we
// advertise are checked or ignored as appropriate, anything else is a 501.
func (c *Conn) checkESMTPParams(params map[string]string) (code int, msg string) {
	for k, v := range params {
		switch k {
		case "BODY", "SMTPUTF8":
			// Advertised and accepted; nothing to adjust.
		case "SIZE":
			var size int64
			if _, err := fmt.Sscanf(v, "%d", &size); err != nil {
				return 501, "Malformed SIZE parameter"
			}
			if size > c.maxDataSize {
				return 552, ""
			}
		default:
			return 501, fmt.Sprintf("Unrecognized parameter %s", k)
		}
	}
	return 0, ""
}

// checkSPF for the given address, based on the current connection.
func (c *Conn) checkSPF(addr string) (spf.Result, error) {
	// Does not apply to authenticated connections, they're allowed
	// regardless.
	if c.completedAuth {
		return "", nil
	}

	if disableSPFForTesting {
		return "", nil
	}

	if tcp, ok := c.remoteAddr.(*net.TCPAddr); ok {
		res, err := spf.CheckHostWithSender(
			tcp.IP, envelope.DomainOf(addr), addr)

		c.tr.Debugf("SPF %v (%v)", res, err)
		return res, err
	}

	return "", nil
}

// secLevelCheck checks if the security level is acceptable for the given
// address.
func (c *Conn) secLevelCheck(addr string) bool {
	if c.dinfo == nil {
		return true
	}

	// Only check if SPF passes. This serves two purposes:
	//  - Skip for authenticated connections (we trust them implicitly).
	//  - Don't apply this if we can't be sure the sender is authorized.
	//    Otherwise anyone could raise the level of any domain.
	if c.spfResult != spf.Pass {
		c.tr.Debugf("SPF did not pass, skipping security level check")
		return true
	}

	domain := envelope.DomainOf(addr)
	level := domaininfo.SecLevelPlain
	if c.onTLS {
		level = domaininfo.SecLevelTLSInsecure
	}

	ok := c.dinfo.IncomingSecLevel(domain, level)
	if ok {
		c.tr.Debugf("security level check for %s passed (%s)", domain, level)
	} else {
		c.tr.Errorf("security level check for %s failed (%s)", domain, level)
	}

	return ok
}

// RCPT SMTP command handler.
func (c *Conn) RCPT(cmd *Command) (code int, msg string) {
	if c.mctx.Envelope.MailFrom.String() == "" {
		return 503, "Sender not yet given"
	}

	if code, msg := c.checkESMTPParams(cmd.Params); code > 0 {
		return code, msg
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.8
	if len(c.mctx.Envelope.Rcpt) >= c.maxRcpt {
		return 452, ""
	}

	if cmd.Addr == "" {
		return 501, "Malformed destination address"
	}
	e, err := mail.ParseAddress(cmd.Addr)
	if err != nil || e.Address == "" {
		return 501, "Malformed destination address"
	}

	addr, err := normalize.DomainToUnicode(e.Address)
	if err != nil {
		return 501, "Malformed destination domain (IDNA conversion failed)"
	}

	// https://tools.ietf.org/html/rfc5321#section-4.5.3.1.3
	if len(addr) > 256 {
		return 501, "Destination address too long"
	}

	// Note relay restrictions are not hardcoded here: the rcpt_to policy
	// checkpoint below is the place to reject unauthorized relaying (see
	// etc/mtad/policy/rcpt_to.lua for the stock script).
	if envelope.DomainIn(addr, c.localDomains) {
		addr, err = normalize.Addr(addr)
		if err != nil {
			maillog.Rejected(c.remoteAddr, c.mctx.Envelope.MailFrom.String(),
				[]string{addr}, fmt.Sprintf("invalid address: %v", err))
			return 550, "Destination address is invalid"
		}

		ok, err := c.localUserExists(addr)
		if err != nil {
			c.tr.Errorf("error checking if user %q exists: %v", addr, err)
			maillog.Rejected(c.remoteAddr, c.mctx.Envelope.MailFrom.String(),
				[]string{addr}, fmt.Sprintf("error checking user: %v", err))
			return 451, "Temporary error checking address"
		}
		if !ok {
			maillog.Rejected(c.remoteAddr, c.mctx.Envelope.MailFrom.String(),
				[]string{addr}, "local user does not exist")
			return 550, "Destination address is unknown (user does not exist)"
		}
	}

	to, err := mailctx.ParseAddress(addr)
	if err != nil {
		return 501, "Malformed destination address"
	}

	c.mctx.Envelope.Rcpt = append(c.mctx.Envelope.Rcpt, &mailctx.Recipient{
		Address:      to,
		OriginalAddr: to,
		Status:       mailctx.Waiting(),
	})

	if v := c.runCheckpoint(policy.RcptTo, nil); v.Kind == policy.VDeny {
		c.mctx.Envelope.Rcpt = c.mctx.Envelope.Rcpt[:len(c.mctx.Envelope.Rcpt)-1]
		return denyCode(v), ""
	}

	return 250, ""
}

// DATA SMTP command handler.
func (c *Conn) DATA(cmd *Command) (code int, msg string) {
	if c.mctx.Envelope.Helo == "" {
		return 503, "Polite people say hello first"
	}
	if c.mctx.Envelope.MailFrom.String() == "" {
		return 503, "Sender not yet given"
	}
	if len(c.mctx.Envelope.Rcpt) == 0 {
		return 503, "Need an address to send to"
	}

	// We're going ahead.
	if err := c.replyNoBudget(354, ""); err != nil {
		return 554, fmt.Sprintf("Error writing DATA response: %v", err)
	}

	c.phase = phaseData
	defer func() { c.phase = phaseMailFrom }()

	body, err := c.framer.ReadBody(c.readDeadline(), c.maxDataSize)
	if err != nil {
		if errors.Is(err, ioframer.ErrBodyTooBig) {
			return 552, ""
		}
		// A client that disappears mid-DATA discards the partial message;
		// there is nobody left to reply to, but we return the code anyway
		// so the handler path stays uniform.
		c.tr.Errorf("error reading DATA: %v", err)
		return 554, fmt.Sprintf("Error reading DATA: %v", err)
	}

	c.tr.Debugf("-> ... %d bytes of data", len(body))

	data := []byte(body)
	if len(data) > 0 {
		if err := checkData(data); err != nil {
			maillog.Rejected(c.remoteAddr, c.mctx.Envelope.MailFrom.String(),
				c.rcptStrings(), err.Error())
			return 554, err.Error()
		}
		data = c.addReceivedHeader(data)
	}
	c.rawBody = string(data)

	v := c.runCheckpoint(policy.PreQ, func(st *policy.State) {
		st.SetRawBody(c.rawBody)
	})
	switch v.Kind {
	case policy.VDeny:
		maillog.Rejected(c.remoteAddr, c.mctx.Envelope.MailFrom.String(),
			c.rcptStrings(), fmt.Sprintf("policy denied (%d)", denyCode(v)))
		c.rawBody = ""
		return denyCode(v), ""
	case policy.VQuarantine:
		// Record the skip; the message is still queued into working, and
		// the move under quarantine/ happens after the postq checkpoint
		// confirms it.
		c.mctx.Metadata.QuarantinePath = v.Path
	}

	dest := queue.Working
	if v.Kind == policy.VFaccept {
		dest = queue.Deliver
		c.mctx.Metadata.Skipped = &mailctx.TransferStatus{
			Kind: mailctx.StatusWaiting, Reason: "faccept",
		}
	}

	id, err := c.enqueue(dest)
	if err != nil {
		c.tr.Errorf("failed to enqueue: %v", err)
		// Transient: do not charge the client for our disk problems.
		_ = c.replyNoBudget(451, "Failed to queue message, try again later")
		c.rawBody = ""
		return 0, ""
	}

	c.tr.Printf("queued from %s to %v - %s",
		c.mctx.Envelope.MailFrom, c.rcptStrings(), id)
	maillog.Queued(c.remoteAddr, c.mctx.Envelope.MailFrom.String(),
		c.rcptStrings(), id)

	// It is very important that we reset the envelope before returning, so
	// clients can send other emails right away without needing to RSET.
	c.resetEnvelope()

	return 250, ""
}

// enqueue snapshots the in-flight context into the given queue, writes the
// body store entry, and signals the matching processor.
func (c *Conn) enqueue(dest queue.Name) (string, error) {
	id := c.mctx.Metadata.MessageID

	c.resolveTransferMethods()

	kind := mailctx.BodyRaw
	if c.rawBody == "" {
		kind = mailctx.BodyEmpty
	}
	c.mctx.Body = mailctx.BodyMarker{Kind: kind}

	if err := c.queues.WriteBody(id, &mailctx.MailBody{
		Kind: kind, Raw: c.rawBody,
	}); err != nil {
		return "", err
	}

	snapshot := c.mctx
	if err := c.queues.Put(dest, &snapshot); err != nil {
		_ = c.queues.RemoveBody(id)
		return "", err
	}

	// The channel send blocks when the processor is saturated; that
	// back-pressure is what caps concurrent in-flight messages.
	switch dest {
	case queue.Working:
		if c.workingCh != nil {
			c.workingCh <- id
		}
	case queue.Deliver:
		if c.deliveryCh != nil {
			c.deliveryCh <- id
		}
	}

	return id, nil
}

// resolveTransferMethods assigns each recipient its transport tag:
// local recipients resolve through the aliases database into mbox/maildir
// drops, pipes, or remote addresses; remote recipients relay directly or
// through the configured smarthost.
func (c *Conn) resolveTransferMethods() {
	env := &c.mctx.Envelope
	resolved := make([]*mailctx.Recipient, 0, len(env.Rcpt))

	for _, rcpt := range env.Rcpt {
		if rcpt.TransferMethod.Kind != "" {
			// Already tagged (e.g. by a policy script).
			resolved = append(resolved, rcpt)
			continue
		}

		if !envelope.DomainIn(rcpt.Address.String(), c.localDomains) {
			rcpt.TransferMethod = c.remoteTransferMethod()
			resolved = append(resolved, rcpt)
			continue
		}

		targets, err := c.aliasesR.Resolve(rcpt.Address.String())
		if err != nil {
			c.tr.Errorf("alias resolution for %q failed: %v",
				rcpt.Address, err)
			rcpt.TransferMethod = mailctx.TransferMethod{Kind: c.localKind}
			resolved = append(resolved, rcpt)
			continue
		}

		for _, t := range targets {
			nr := &mailctx.Recipient{
				OriginalAddr: rcpt.OriginalAddr,
				Status:       mailctx.Waiting(),
			}
			switch t.Type {
			case aliases.PIPE:
				nr.Address = rcpt.Address
				nr.TransferMethod = mailctx.TransferMethod{
					Kind:   mailctx.TransferPipe,
					Target: []string{t.Addr},
				}
			default:
				addr, err := mailctx.ParseAddress(t.Addr)
				if err != nil {
					c.tr.Errorf("bad alias target %q: %v", t.Addr, err)
					continue
				}
				nr.Address = addr
				if envelope.DomainIn(t.Addr, c.localDomains) {
					nr.TransferMethod = mailctx.TransferMethod{Kind: c.localKind}
				} else {
					nr.TransferMethod = c.remoteTransferMethod()
				}
			}
			resolved = append(resolved, nr)
		}
	}

	env.Rcpt = resolved
}

func (c *Conn) remoteTransferMethod() mailctx.TransferMethod {
	if len(c.smartHost) > 0 {
		return mailctx.TransferMethod{
			Kind:   mailctx.TransferForward,
			Target: c.smartHost,
		}
	}
	return mailctx.TransferMethod{Kind: mailctx.TransferRelay}
}

func (c *Conn) rcptStrings() []string {
	s := make([]string, 0, len(c.mctx.Envelope.Rcpt))
	for _, r := range c.mctx.Envelope.Rcpt {
		s = append(s, r.Address.String())
	}
	return s
}

func (c *Conn) addReceivedHeader(data []byte) []byte {
	var v string

	// Format is semi-structured, defined by
	// https://tools.ietf.org/html/rfc5321#section-4.4

	if c.completedAuth {
		// For authenticated users, only show the EHLO domain they gave;
		// explicitly hide their network address.
		v += fmt.Sprintf("from %s\n", c.mctx.Envelope.Helo)
	} else {
		// For non-authenticated users we show the real address as
		// canonical, and then the given EHLO domain for convenience and
		// troubleshooting.
		v += fmt.Sprintf("from [%s] (%s)\n",
			addrLiteral(c.remoteAddr), c.mctx.Envelope.Helo)
	}

	v += fmt.Sprintf("by %s (mtad) ", c.hostname)

	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	if c.completedAuth {
		with += "A"
	}
	v += fmt.Sprintf("with %s\n", with)

	if c.tlsConnState != nil {
		// https://tools.ietf.org/html/rfc8314#section-4.3
		v += fmt.Sprintf("tls %s\n",
			tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	v += fmt.Sprintf("(over %s, ", c.mode)
	if c.tlsConnState != nil {
		v += fmt.Sprintf("%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		v += "plain text!, "
	}

	// Note we must NOT include the recipients, that would leak BCCs.
	v += fmt.Sprintf("envelope from %q)\n", c.mctx.Envelope.MailFrom.String())

	// This should be the last part in the Received header, by RFC.
	// The ";" is a mandatory separator. The date format is not standard but
	// this one seems to be widely used.
	// https://tools.ietf.org/html/rfc5322#section-3.6.7
	v += fmt.Sprintf("; %s\n", time.Now().Format(time.RFC1123Z))
	data = envelope.AddHeader(data, "Received", v)

	if c.spfResult != "" {
		// https://tools.ietf.org/html/rfc7208#section-9.1
		v = fmt.Sprintf("%s (%v)", c.spfResult, c.spfError)
		data = envelope.AddHeader(data, "Received-SPF", v)
	}

	return data
}

// addrLiteral converts a net.Addr (must be TCP) into a string for use as
// address literal, compliant with
// https://tools.ietf.org/html/rfc5321#section-4.1.3.
func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		// Fall back to Go's string representation; non-compliant but
		// better than anything for our purposes.
		return addr.String()
	}

	// IPv6 addresses take the "IPv6:" prefix.
	// IPv4 addresses are used literally.
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}

	return s
}

// checkData performs very basic checks on the body of the email, to help
// detect very broad problems like email loops. It does not fully check the
// sanity of the headers or the structure of the payload.
func checkData(data []byte) error {
	msg, err := mail.ReadMessage(bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("error parsing message: %v", err)
	}

	// This serves as a basic form of loop prevention. It's not infallible
	// but should catch most instances of accidental looping.
	// https://tools.ietf.org/html/rfc5321#section-6.3
	if len(msg.Header["Received"]) > *maxReceivedHeaders {
		return fmt.Errorf("loop detected (%d hops)", *maxReceivedHeaders)
	}

	return nil
}

// STARTTLS SMTP command handler.
func (c *Conn) STARTTLS(cmd *Command) (code int, msg string) {
	if c.onTLS || c.tlsConfig == nil {
		return 503, ""
	}

	if err := c.replyNoBudget(220, "Ready to start TLS"); err != nil {
		return 554, fmt.Sprintf("Error writing STARTTLS response: %v", err)
	}

	c.tr.Debugf("<- 220  Ready to start TLS")

	framer, cstate, err := c.framer.UpgradeTLS(
		c.readDeadline(), c.tlsConfig, ioframer.RoleServer)
	if err != nil {
		c.tr.Errorf("TLS handshake failed: %v", err)
		return 554, fmt.Sprintf("Error in TLS handshake: %v", err)
	}

	c.tr.Debugf("<> ...  jump to TLS was successful")

	c.framer = framer
	c.tlsConnState = cstate

	// The envelope and the authentication state are cleared; the client
	// must start over with a fresh EHLO.
	c.resetEnvelope()
	c.resetAuth()
	c.mctx.Envelope.Helo = ""
	c.phase = phaseHelo

	c.onTLS = true
	c.mctx.Connection.IsSecured = true

	// If the client requested a specific server and we complied, that's
	// our identity from now on.
	if name := cstate.ServerName; name != "" {
		c.hostname = name
		c.mctx.Connection.ServerName = name
	}

	// 0 indicates not to send back a reply.
	return 0, ""
}

// AUTHCmd is the AUTH SMTP command handler. It drives the SASL exchange
// through to completion: mechanism negotiation, 334 challenges, and the
// base64 response decoding, against the server's authenticator.
func (c *Conn) AUTHCmd(cmd *Command) (code int, msg string) {
	if !c.onTLS && !c.allowPlaintextAuth {
		return 530, "Must issue a STARTTLS command first"
	}

	if c.completedAuth {
		// After a successful AUTH command completes, a server MUST reject
		// any further AUTH commands with a 503 reply.
		// https://tools.ietf.org/html/rfc4954#section-4
		return 503, ""
	}

	result := &sasl.Result{}
	server, err := sasl.NewServer(cmd.Mechanism, c.authr, result)
	if err != nil {
		return 534, ""
	}

	var initial []byte
	if cmd.InitialResponse != "" {
		// "=" denotes a present-but-empty initial response.
		// https://tools.ietf.org/html/rfc4954#section-4
		if cmd.InitialResponse == "=" {
			initial = []byte{}
		} else {
			initial, err = base64.StdEncoding.DecodeString(cmd.InitialResponse)
			if err != nil {
				return 501, "Malformed initial response"
			}
		}
	}

	err = sasl.Exchange(server, initial,
		func() (string, error) {
			return c.framer.ReadLine(c.readDeadline())
		},
		func(challenge []byte) error {
			return c.replyNoBudget(334,
				base64.StdEncoding.EncodeToString(challenge))
		})

	user := result.User + "@" + result.Domain
	switch {
	case err == nil:
		// Success; handled below.
	case errors.Is(err, sasl.ErrCanceled):
		return 501, "Authentication canceled"
	case sasl.IsBadCredentials(err):
		maillog.Auth(c.remoteAddr, user, false)
		return 535, ""
	default:
		c.tr.Errorf("error authenticating: %v", err)
		maillog.Auth(c.remoteAddr, user, false)
		return 454, ""
	}

	c.completedAuth = true
	c.mctx.Connection.IsAuthenticated = true
	c.mctx.Connection.Credentials = &mailctx.Credentials{
		User: result.User, Domain: result.Domain,
	}
	maillog.Auth(c.remoteAddr, user, true)

	if v := c.runCheckpoint(policy.Authenticate, nil); v.Kind == policy.VDeny {
		c.resetAuth()
		maillog.Auth(c.remoteAddr, user, false)
		return denyCode(v), ""
	}

	return 235, ""
}

func (c *Conn) resetEnvelope() {
	c.mctx.Envelope.Reset()
	c.mctx.Metadata = mailctx.Metadata{}
	c.mctx.Body = mailctx.BodyMarker{}
	c.rawBody = ""
	c.spfResult = ""
	c.spfError = nil
}

func (c *Conn) resetAuth() {
	c.completedAuth = false
	c.mctx.Connection.IsAuthenticated = false
	c.mctx.Connection.Credentials = nil
}

func (c *Conn) localUserExists(addr string) (bool, error) {
	if _, ok := c.aliasesR.Exists(addr); ok {
		return true, nil
	}

	user, domain := envelope.Split(addr)
	return c.authr.Exists(user, domain)
}

