// Package working implements the background processor for the working
// queue: the first post-receiver stage. For each queued message it
// promotes the raw body to its parsed form, runs the postq policy
// checkpoint, signs locally-originated mail with DKIM, and routes the
// message to the deliver, dead or quarantine queue.
package working

import (
	"context"
	"strings"
	"time"

	"hermannmta.dev/mtad/internal/dedup"
	"hermannmta.dev/mtad/internal/dkim"
	"hermannmta.dev/mtad/internal/envelope"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/maillog"
	"hermannmta.dev/mtad/internal/policy"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/set"
	"hermannmta.dev/mtad/internal/trace"
)

// sweepPeriod is how often the processor re-lists the working directory to
// pick up files left over by a crash or missed channel signals.
var sweepPeriod = 1 * time.Minute

// Processor drains the working queue.
type Processor struct {
	Queues *queue.Manager
	Engine *policy.Engine
	Dedup  *dedup.Cache

	// Signers, keyed by domain, for outbound DKIM.
	Signers map[string][]*dkim.Signer

	LocalDomains *set.String

	// In carries message ids from the receiver; DeliveryCh signals the
	// delivery processor after a move to the deliver queue.
	In         <-chan string
	DeliveryCh chan<- string
}

// Run processes the working queue until ctx is canceled. Files already on
// disk (from a previous process) are picked up on the first sweep.
func (p *Processor) Run(ctx context.Context) {
	p.sweep()

	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case id := <-p.In:
			p.process(id)
		case <-ticker.C:
			p.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) sweep() {
	ids, err := p.Queues.List(queue.Working)
	if err != nil {
		trace.New("Working.Sweep", "list").Errorf("listing working: %v", err)
		return
	}
	for _, id := range ids {
		p.process(id)
	}
}

// process runs one message through the working stage. Any I/O error leaves
// the file in working, to be retried on the next sweep; a malformed
// message or a policy denial moves it to dead.
func (p *Processor) process(id string) {
	tr := trace.New("Working.Process", id)
	defer tr.Finish()

	mctx, err := p.Queues.Load(queue.Working, id)
	if err != nil {
		tr.Errorf("loading context: %v", err)
		return
	}

	if !p.Dedup.FirstSeen(context.Background(), id) {
		tr.Printf("duplicate message id, dropping")
		_ = p.Queues.Remove(queue.Working, id)
		_ = p.Queues.RemoveBody(id)
		return
	}

	body, err := p.Queues.LoadBody(id)
	if err != nil {
		tr.Errorf("loading body: %v", err)
		return
	}

	dkimResult := dkim.ResultNone
	if body.Kind == mailctx.BodyRaw {
		parsed, err := ParseMail(body.Raw)
		if err != nil {
			// A message we cannot parse will never become parseable;
			// that's fatal for the message, not for the processor.
			tr.Errorf("unparseable message: %v", err)
			maillog.Rejected(nil, mctx.Envelope.MailFrom.String(), nil,
				"unparseable message")
			p.moveOrWarn(tr, queue.Working, queue.Dead, id)
			return
		}

		dkimResult = dkim.Verify(tr, []byte(body.Raw))

		body.Kind = mailctx.BodyParsed
		body.Parsed = parsed
		body.Raw = ""
		mctx.Body = mailctx.BodyMarker{Kind: mailctx.BodyParsed}
	}

	verdict := p.runPostQ(tr, mctx, body, string(dkimResult))

	switch verdict.Kind {
	case policy.VDeny:
		tr.Printf("postq denied, moving to dead")
		p.moveOrWarn(tr, queue.Working, queue.Dead, id)
		return

	case policy.VQuarantine:
		p.quarantine(tr, mctx, id, verdict.Path)
		return
	}

	// A quarantine verdict recorded at preq is honored here, after postq
	// had its chance to confirm or override it.
	if mctx.Metadata.QuarantinePath != "" {
		p.quarantine(tr, mctx, id, mctx.Metadata.QuarantinePath)
		return
	}

	if body.Kind == mailctx.BodyParsed {
		p.maybeSign(tr, mctx, body)
	}

	// Persist the (possibly script-mutated) context and body, then hand
	// over to delivery.
	if err := p.Queues.WriteBody(id, body); err != nil {
		tr.Errorf("writing body back: %v", err)
		return
	}
	if err := p.Queues.Save(queue.Working, mctx); err != nil {
		tr.Errorf("saving context: %v", err)
		return
	}
	if err := p.Queues.Move(queue.Working, queue.Deliver, id); err != nil {
		tr.Errorf("moving to deliver: %v", err)
		return
	}

	tr.Debugf("forwarded to delivery")
	if p.DeliveryCh != nil {
		p.DeliveryCh <- id
	}
}

func (p *Processor) runPostQ(tr *trace.Trace, mctx *mailctx.MailContext, body *mailctx.MailBody, dkimResult string) policy.Verdict {
	if p.Engine == nil {
		return policy.Accept
	}

	st := policy.NewState(mctx, tr)
	st.DKIMResult = dkimResult
	if body.Kind == mailctx.BodyParsed {
		st.SetParsedBody(body.Parsed)
	}

	v, err := p.Engine.Run(policy.PostQ, st)
	if err != nil {
		tr.Errorf("postq policy: %v", err)
	}
	return v
}

// quarantine moves the message's context under quarantine/<subpath>/; the
// body store entry is retained for operator inspection.
func (p *Processor) quarantine(tr *trace.Trace, mctx *mailctx.MailContext, id, subpath string) {
	if err := p.Queues.PutQuarantine(subpath, id, mctx); err != nil {
		tr.Errorf("writing quarantine copy: %v", err)
		return
	}
	if err := p.Queues.Remove(queue.Working, id); err != nil {
		tr.Errorf("removing working original: %v", err)
		return
	}
	tr.Printf("quarantined under %q", subpath)
	maillog.Rejected(nil, mctx.Envelope.MailFrom.String(), nil,
		"quarantined: "+subpath)
}

// maybeSign DKIM-signs the message when the envelope sender belongs to one
// of our domains and a signer is configured for it.
func (p *Processor) maybeSign(tr *trace.Trace, mctx *mailctx.MailContext, body *mailctx.MailBody) {
	from := mctx.Envelope.MailFrom
	if from.IsNull() || p.LocalDomains == nil ||
		!envelope.DomainIn(from.String(), p.LocalDomains) {
		return
	}

	signers := p.Signers[from.Domain()]
	for _, signer := range signers {
		signed, err := signer.Sign(body.Parsed.Render())
		if err != nil {
			tr.Errorf("dkim signing with %s failed: %v", signer, err)
			continue
		}

		parsed, err := ParseMail(string(signed))
		if err != nil {
			tr.Errorf("re-parsing signed message failed: %v", err)
			continue
		}
		body.Parsed = parsed
		tr.Debugf("dkim signed with %s", signer)
	}
}

func (p *Processor) moveOrWarn(tr *trace.Trace, from, to queue.Name, id string) {
	if err := p.Queues.Move(from, to, id); err != nil {
		tr.Errorf("moving %s -> %s: %v", from, to, err)
	}
}

// ParseMail splits a raw RFC 5322 message into its header list and
// content, preserving header order and unfolding continuation lines. This
// is the promotion from the as-received form to the structured one; only
// this processor performs it.
func ParseMail(raw string) (*mailctx.ParsedMail, error) {
	p := &mailctx.ParsedMail{}

	rest := raw
	for len(rest) > 0 {
		line, nrest := nextLine(rest)

		if line == "" {
			// Blank separator: everything after is content.
			p.Content = nrest
			return p, nil
		}

		if line[0] == ' ' || line[0] == '\t' {
			// Continuation of the previous header.
			if len(p.Headers) == 0 {
				return nil, errBadHeader(line)
			}
			p.Headers[len(p.Headers)-1].Value += "\n" + line
			rest = nrest
			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, errBadHeader(line)
		}
		p.Headers = append(p.Headers, mailctx.Header{
			Name:  name,
			Value: strings.TrimLeft(value, " \t"),
		})
		rest = nrest
	}

	// Headers with no body at all is fine (e.g. an empty notification).
	return p, nil
}

func nextLine(s string) (line, rest string) {
	i := strings.IndexByte(s, '\n')
	if i < 0 {
		return strings.TrimSuffix(s, "\r"), ""
	}
	return strings.TrimSuffix(s[:i], "\r"), s[i+1:]
}

type errBadHeader string

func (e errBadHeader) Error() string {
	return "malformed header line: " + strings.TrimSpace(string(e))
}
