package working

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/policy"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/testlib"

	"github.com/google/go-cmp/cmp"
)

func TestParseMail(t *testing.T) {
	raw := "From: a@b\r\nSubject: hi\n there\nX-Empty:\n\nbody line 1\nbody line 2\n"
	p, err := ParseMail(raw)
	if err != nil {
		t.Fatalf("ParseMail failed: %v", err)
	}

	want := &mailctx.ParsedMail{
		Headers: []mailctx.Header{
			{Name: "From", Value: "a@b"},
			{Name: "Subject", Value: "hi\n there"},
			{Name: "X-Empty", Value: ""},
		},
		Content: "body line 1\nbody line 2\n",
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("ParseMail mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMailErrors(t *testing.T) {
	cases := []string{
		" leading continuation\nFrom: x\n\n",
		"not a header line\n\nbody\n",
		"Bad Header: has space in name\n\n",
	}
	for _, raw := range cases {
		if _, err := ParseMail(raw); err == nil {
			t.Errorf("ParseMail(%q) unexpectedly succeeded", raw)
		}
	}
}

func TestParseMailHeadersOnly(t *testing.T) {
	p, err := ParseMail("From: a@b\n")
	if err != nil {
		t.Fatalf("ParseMail failed: %v", err)
	}
	if len(p.Headers) != 1 || p.Content != "" {
		t.Errorf("unexpected result: %+v", p)
	}
}

func TestParseRenderRoundTrip(t *testing.T) {
	raw := "From: a@b\nSubject: hi\n\nbody\n"
	p, err := ParseMail(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(p.Render()); got != raw {
		t.Errorf("round trip mismatch: %q != %q", got, raw)
	}
}

// newProc builds a processor over a fresh queue tree, with one raw message
// already sitting in working.
func newProc(t *testing.T, mods ...func(*Processor)) (*Processor, *queue.Manager, string) {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	q, err := queue.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	id := mailctx.NewMessageID(time.Now())
	mctx := &mailctx.MailContext{
		Envelope: mailctx.Envelope{
			Helo:     "client",
			MailFrom: mustAddr(t, "from@remote"),
			Rcpt: []*mailctx.Recipient{{
				Address:        mustAddr(t, "to@remote"),
				OriginalAddr:   mustAddr(t, "to@remote"),
				TransferMethod: mailctx.TransferMethod{Kind: mailctx.TransferRelay},
				Status:         mailctx.Waiting(),
			}},
		},
		Body:     mailctx.BodyMarker{Kind: mailctx.BodyRaw},
		Metadata: mailctx.Metadata{MessageID: id},
	}
	raw := "From: from@remote\nSubject: test\n\nhello\n"
	if err := q.WriteBody(id, &mailctx.MailBody{
		Kind: mailctx.BodyRaw, Raw: raw,
	}); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(queue.Working, mctx); err != nil {
		t.Fatal(err)
	}

	p := &Processor{
		Queues:     q,
		DeliveryCh: make(chan string, 4),
	}
	for _, mod := range mods {
		mod(p)
	}
	return p, q, id
}

func mustAddr(t *testing.T, s string) mailctx.Address {
	t.Helper()
	a, err := mailctx.ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestProcessPromotesAndForwards(t *testing.T) {
	ch := make(chan string, 4)
	p, q, id := newProc(t, func(p *Processor) { p.DeliveryCh = ch })
	p.process(id)

	if ids, _ := q.List(queue.Working); len(ids) != 0 {
		t.Errorf("message still in working: %v", ids)
	}
	ids, _ := q.List(queue.Deliver)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected %s in deliver, got %v", id, ids)
	}

	body, err := q.LoadBody(id)
	if err != nil {
		t.Fatal(err)
	}
	if body.Kind != mailctx.BodyParsed {
		t.Errorf("body not promoted: %q", body.Kind)
	}
	if got := body.Parsed.Get("Subject"); got != "test" {
		t.Errorf("subject = %q", got)
	}

	select {
	case got := <-ch:
		if got != id {
			t.Errorf("signaled %q, expected %q", got, id)
		}
	default:
		t.Errorf("delivery channel not signaled")
	}
}

func TestProcessUnparseableGoesDead(t *testing.T) {
	p, q, id := newProc(t)
	if err := q.WriteBody(id, &mailctx.MailBody{
		Kind: mailctx.BodyRaw, Raw: "this is not mail at all\n\nx",
	}); err != nil {
		t.Fatal(err)
	}

	p.process(id)

	if ids, _ := q.List(queue.Dead); len(ids) != 1 {
		t.Errorf("expected message in dead, got %v", ids)
	}
	if ids, _ := q.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("unparseable message forwarded: %v", ids)
	}
}

func TestProcessPostQDeny(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)
	if err := testlib.Rewrite(t, dir+"/postq.lua", "mail.deny(554)"); err != nil {
		t.Fatal(err)
	}

	p, q, id := newProc(t, func(p *Processor) {
		p.Engine = policy.New(dir, nil, nil)
	})
	p.process(id)

	if ids, _ := q.List(queue.Dead); len(ids) != 1 {
		t.Errorf("expected denied message in dead, got %v", ids)
	}
}

func TestProcessQuarantine(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)
	if err := testlib.Rewrite(t, dir+"/postq.lua",
		`mail.quarantine("virus")`); err != nil {
		t.Fatal(err)
	}

	p, q, id := newProc(t, func(p *Processor) {
		p.Engine = policy.New(dir, nil, nil)
	})
	p.process(id)

	// Context ends up under quarantine/virus/<id>; the body is retained.
	qfile := filepath.Join(q.Root(), "quarantine", "virus", id)
	if _, err := os.Stat(qfile); err != nil {
		t.Errorf("quarantined context missing: %v", err)
	}
	if _, err := q.LoadBody(id); err != nil {
		t.Errorf("quarantined body missing: %v", err)
	}
	if ids, _ := q.List(queue.Working); len(ids) != 0 {
		t.Errorf("message still in working: %v", ids)
	}
	if ids, _ := q.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("quarantined message delivered: %v", ids)
	}
}

func TestProcessPreQQuarantineMarker(t *testing.T) {
	p, q, id := newProc(t)

	// Simulate a preq quarantine verdict recorded by the receiver.
	mctx, err := q.Load(queue.Working, id)
	if err != nil {
		t.Fatal(err)
	}
	mctx.Metadata.QuarantinePath = "spam/late"
	if err := q.Save(queue.Working, mctx); err != nil {
		t.Fatal(err)
	}

	p.process(id)

	qfile := filepath.Join(q.Root(), "quarantine", "spam", "late", id)
	if _, err := os.Stat(qfile); err != nil {
		t.Errorf("quarantined context missing: %v", err)
	}
}

func TestPostQHeaderMutation(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)
	if err := testlib.Rewrite(t, dir+"/postq.lua",
		`mail.set_header("X-Filter", "seen")`); err != nil {
		t.Fatal(err)
	}

	p, q, id := newProc(t, func(p *Processor) {
		p.Engine = policy.New(dir, nil, nil)
	})
	p.process(id)

	body, err := q.LoadBody(id)
	if err != nil {
		t.Fatal(err)
	}
	if got := body.Parsed.Get("X-Filter"); got != "seen" {
		t.Errorf("script header mutation lost: %q", got)
	}
}

func TestSweepPicksUpLeftovers(t *testing.T) {
	p, q, id := newProc(t)

	// A sweep (e.g. at startup) must find the file without any channel
	// signal.
	p.sweep()

	if ids, _ := q.List(queue.Deliver); len(ids) != 1 || ids[0] != id {
		t.Errorf("sweep did not forward the message: %v", ids)
	}
}
