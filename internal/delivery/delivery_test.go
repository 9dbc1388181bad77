package delivery

import (
	"errors"
	"testing"
	"time"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/set"
	"hermannmta.dev/mtad/internal/testlib"
	"hermannmta.dev/mtad/internal/transport"
)

// fakeTransport scripts per-recipient outcomes and records every attempt.
type fakeTransport struct {
	results  map[string]fakeResult
	attempts []string
}

type fakeResult struct {
	err       error
	permanent bool
}

func (f *fakeTransport) Deliver(from mailctx.Address, rcpt *mailctx.Recipient, data []byte) (error, bool) {
	f.attempts = append(f.attempts, rcpt.Address.String())
	r := f.results[rcpt.Address.String()]
	return r.err, r.permanent
}

func mustAddr(t *testing.T, s string) mailctx.Address {
	t.Helper()
	a, err := mailctx.ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

type env struct {
	t  *testing.T
	d  *Deliverer
	q  *queue.Manager
	ft *fakeTransport
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	q, err := queue.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	ft := &fakeTransport{results: map[string]fakeResult{}}
	d := &Deliverer{
		Queues: q,
		Transports: transport.Registry{
			mailctx.TransferRelay: ft,
		},
		RetryMax:     3,
		RetryPeriod:  10 * time.Millisecond,
		Hostname:     "mx.test",
		LocalDomains: set.NewString("local"),
		LocalKind:    mailctx.TransferMbox,
	}
	return &env{t: t, d: d, q: q, ft: ft}
}

// enqueue puts a message with the given recipients into deliver.
func (e *env) enqueue(from string, rcpts ...*mailctx.Recipient) string {
	e.t.Helper()
	id := mailctx.NewMessageID(time.Now())
	mctx := &mailctx.MailContext{
		Envelope: mailctx.Envelope{
			MailFrom: mustAddr(e.t, from),
			Rcpt:     rcpts,
		},
		Body:     mailctx.BodyMarker{Kind: mailctx.BodyRaw},
		Metadata: mailctx.Metadata{MessageID: id, Timestamp: time.Now()},
	}
	if err := e.q.WriteBody(id, &mailctx.MailBody{
		Kind: mailctx.BodyRaw,
		Raw:  "Subject: t\n\nhello\n",
	}); err != nil {
		e.t.Fatal(err)
	}
	if err := e.q.Put(queue.Deliver, mctx); err != nil {
		e.t.Fatal(err)
	}
	return id
}

func rcpt(t *testing.T, addr string) *mailctx.Recipient {
	return &mailctx.Recipient{
		Address:        mustAddr(t, addr),
		OriginalAddr:   mustAddr(t, addr),
		TransferMethod: mailctx.TransferMethod{Kind: mailctx.TransferRelay},
		Status:         mailctx.Waiting(),
	}
}

func TestDeliverySuccessCleansUp(t *testing.T) {
	e := newEnv(t)
	id := e.enqueue("from@remote", rcpt(t, "ok@remote"))

	e.d.processDeliver(id)

	if ids, _ := e.q.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("deliver not cleaned up: %v", ids)
	}
	if ids, _ := e.q.List(queue.Deferred); len(ids) != 0 {
		t.Errorf("unexpected deferred entries: %v", ids)
	}
	if _, err := e.q.LoadBody(id); err == nil {
		t.Errorf("body not removed after terminal delivery")
	}
	if len(e.ft.attempts) != 1 {
		t.Errorf("expected 1 attempt, got %v", e.ft.attempts)
	}
}

func TestTransientFailureDefers(t *testing.T) {
	e := newEnv(t)
	e.ft.results["slow@remote"] = fakeResult{err: errors.New("later"), permanent: false}
	id := e.enqueue("from@remote", rcpt(t, "slow@remote"), rcpt(t, "ok@remote"))

	e.d.processDeliver(id)

	ids, _ := e.q.List(queue.Deferred)
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected %s in deferred, got %v", id, ids)
	}

	mctx, err := e.q.Load(queue.Deferred, id)
	if err != nil {
		t.Fatal(err)
	}
	statuses := map[string]mailctx.StatusKind{}
	for _, r := range mctx.Envelope.Rcpt {
		statuses[r.Address.String()] = r.Status.Kind
	}
	if statuses["ok@remote"] != mailctx.StatusSent {
		t.Errorf("ok status = %v", statuses["ok@remote"])
	}
	if statuses["slow@remote"] != mailctx.StatusHeldBack {
		t.Errorf("slow status = %v", statuses["slow@remote"])
	}

	// The body must stay while a hold remains.
	if _, err := e.q.LoadBody(id); err != nil {
		t.Errorf("body removed while holds remain: %v", err)
	}
}

func TestSentRecipientsAreNotReattempted(t *testing.T) {
	e := newEnv(t)
	e.ft.results["slow@remote"] = fakeResult{err: errors.New("later")}
	id := e.enqueue("from@remote", rcpt(t, "slow@remote"), rcpt(t, "ok@remote"))

	e.d.processDeliver(id)
	e.ft.attempts = nil

	// Retry: only the held-back recipient may be attempted again.
	e.d.SweepDeferred()
	if len(e.ft.attempts) != 1 || e.ft.attempts[0] != "slow@remote" {
		t.Errorf("unexpected attempts on retry: %v", e.ft.attempts)
	}
}

func TestDeferredPromotionToFailed(t *testing.T) {
	e := newEnv(t)
	e.ft.results["gone@remote"] = fakeResult{err: errors.New("never")}
	id := e.enqueue("from@remote", rcpt(t, "gone@remote"))

	e.d.processDeliver(id)

	// Sweep up to the retry limit: the file must then leave deferred.
	for i := 0; i < e.d.RetryMax; i++ {
		if ids, _ := e.q.List(queue.Deferred); len(ids) != 1 {
			t.Fatalf("sweep %d: expected deferred entry, got %v", i, ids)
		}

		mctx, err := e.q.Load(queue.Deferred, id)
		if err != nil {
			t.Fatal(err)
		}
		if got := mctx.Envelope.Rcpt[0].RetryCount; got != i {
			t.Errorf("sweep %d: retry count = %d", i, got)
		}

		e.d.SweepDeferred()
	}

	if ids, _ := e.q.List(queue.Deferred); len(ids) != 0 {
		t.Errorf("file still in deferred after max retries: %v", ids)
	}
	if _, err := e.q.LoadBody(id); err == nil {
		t.Errorf("body not removed after promotion")
	}
}

func TestPermanentFailureBounces(t *testing.T) {
	e := newEnv(t)
	e.ft.results["bad@remote"] = fakeResult{
		err: errors.New("no such user"), permanent: true}
	id := e.enqueue("sender@remote", rcpt(t, "bad@remote"))

	e.d.processDeliver(id)

	// The original is cleaned up, and the bounce was delivered to the
	// sender through the relay transport (second attempt recorded).
	if ids, _ := e.q.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("deliver not cleaned up: %v", ids)
	}
	if len(e.ft.attempts) != 2 || e.ft.attempts[1] != "sender@remote" {
		t.Errorf("expected bounce attempt to sender, got %v", e.ft.attempts)
	}
	_ = id
}

func TestNullSenderNeverBounces(t *testing.T) {
	e := newEnv(t)
	e.ft.results["bad@remote"] = fakeResult{
		err: errors.New("no such user"), permanent: true}
	id := e.enqueue("<>", rcpt(t, "bad@remote"))

	e.d.processDeliver(id)

	if len(e.ft.attempts) != 1 {
		t.Errorf("null-sender message generated a bounce: %v", e.ft.attempts)
	}
	if ids, _ := e.q.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("deliver not cleaned up: %v", ids)
	}
	_ = id
}

func TestMissingTransportFails(t *testing.T) {
	e := newEnv(t)
	r := rcpt(t, "odd@remote")
	r.TransferMethod.Kind = "wormhole"
	id := e.enqueue("<>", r)

	e.d.processDeliver(id)

	if ids, _ := e.q.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("deliver not cleaned up: %v", ids)
	}
	if ids, _ := e.q.List(queue.Deferred); len(ids) != 0 {
		t.Errorf("unroutable recipient deferred instead of failed: %v", ids)
	}
	_ = id
}
