// Package delivery implements the last two pipeline stages: the delivery
// processor, which dispatches each recipient of a queued message to its
// transport and merges the per-recipient outcomes back into the envelope,
// and the deferred scheduler, which periodically retries held-back
// recipients and promotes them to permanent failure after too many
// attempts.
package delivery

import (
	"context"
	"time"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/maillog"
	"hermannmta.dev/mtad/internal/metrics"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/set"
	"hermannmta.dev/mtad/internal/trace"
	"hermannmta.dev/mtad/internal/transport"
)

// Deliverer drains the deliver queue and sweeps the deferred one.
type Deliverer struct {
	Queues     *queue.Manager
	Transports transport.Registry

	// In carries message ids from the receiver (fast-accepted mail) and
	// the working processor.
	In <-chan string

	// RetryMax is how many deferred sweeps a recipient survives before
	// being promoted to permanent failure; RetryPeriod is the sweep
	// interval.
	RetryMax    int
	RetryPeriod time.Duration

	// Hostname is the reporting MTA domain used in bounces.
	Hostname string

	// Where to direct a bounce for a local / remote sender.
	LocalDomains *set.String
	LocalKind    mailctx.TransferKind
}

// sweepPeriod is how often the deliver directory itself is re-listed, to
// pick up files left over by a crash.
var sweepPeriod = 1 * time.Minute

// Run processes deliveries until ctx is canceled.
func (d *Deliverer) Run(ctx context.Context) {
	d.sweepDeliver()

	deliverTicker := time.NewTicker(sweepPeriod)
	defer deliverTicker.Stop()
	deferredTicker := time.NewTicker(d.RetryPeriod)
	defer deferredTicker.Stop()

	for {
		select {
		case id := <-d.In:
			d.processDeliver(id)
		case <-deliverTicker.C:
			d.sweepDeliver()
		case <-deferredTicker.C:
			d.SweepDeferred()
		case <-ctx.Done():
			return
		}
	}
}

func (d *Deliverer) sweepDeliver() {
	ids, err := d.Queues.List(queue.Deliver)
	if err != nil {
		trace.New("Delivery.Sweep", "list").Errorf("listing deliver: %v", err)
		return
	}
	for _, id := range ids {
		d.processDeliver(id)
	}
}

// processDeliver runs one delivery pass over the message: every recipient
// not yet in a terminal state gets one attempt. Fully-terminal messages
// are cleaned up (bouncing the failures); messages with held-back
// recipients move to the deferred queue.
func (d *Deliverer) processDeliver(id string) {
	tr := trace.New("Delivery.Process", id)
	defer tr.Finish()

	mctx, err := d.Queues.Load(queue.Deliver, id)
	if err != nil {
		tr.Errorf("loading context: %v", err)
		return
	}
	body, err := d.Queues.LoadBody(id)
	if err != nil {
		tr.Errorf("loading body: %v", err)
		return
	}
	data := body.Bytes()

	d.dispatch(tr, id, mctx, data)

	if queue.AllTerminal(mctx) {
		d.finish(tr, queue.Deliver, id, mctx, data)
		return
	}

	// Held-back recipients remain: persist the updated statuses and park
	// the message in the deferred queue for the scheduler.
	if err := d.Queues.Save(queue.Deliver, mctx); err != nil {
		tr.Errorf("saving context: %v", err)
		return
	}
	if err := d.Queues.Move(queue.Deliver, queue.Deferred, id); err != nil {
		tr.Errorf("moving to deferred: %v", err)
		return
	}
	tr.Printf("deferred")
	maillog.QueueLoop(id, mctx.Envelope.MailFrom.String(), d.RetryPeriod)
}

// dispatch attempts delivery for every non-terminal recipient, updating
// each status in place. Recipients already Sent or Failed are never
// re-attempted, which is what makes re-processing a deliver file after a
// crash idempotent.
func (d *Deliverer) dispatch(tr *trace.Trace, id string, mctx *mailctx.MailContext, data []byte) {
	from := mctx.Envelope.MailFrom

	for _, rcpt := range mctx.Envelope.Rcpt {
		if rcpt.Status.Terminal() {
			continue
		}

		t, ok := d.Transports.Get(rcpt.TransferMethod.Kind)
		if !ok {
			tr.Errorf("no transport for %q", rcpt.TransferMethod.Kind)
			rcpt.Status = mailctx.Failed(
				"no transport for " + string(rcpt.TransferMethod.Kind))
			continue
		}

		err, permanent := t.Deliver(from, rcpt, data)
		maillog.SendAttempt(id, from.String(), rcpt.Address.String(),
			err, permanent)

		switch {
		case err == nil:
			rcpt.Status = mailctx.Sent()
			metrics.DeliveryAttempts.WithLabelValues(
				string(rcpt.TransferMethod.Kind), "sent").Inc()
		case permanent:
			rcpt.Status = mailctx.Failed(err.Error())
			metrics.DeliveryAttempts.WithLabelValues(
				string(rcpt.TransferMethod.Kind), "failed").Inc()
		default:
			// Held back; the retry count only advances on deferred
			// sweeps, so a fresh failure starts at the current count.
			rcpt.Status = mailctx.HeldBack(rcpt.Status.N)
			metrics.DeliveryAttempts.WithLabelValues(
				string(rcpt.TransferMethod.Kind), "deferred").Inc()
		}
	}
}

// SweepDeferred walks the deferred queue, re-attempting every held-back
// recipient. Each sweep visit increments the recipient's retry count; at
// RetryMax the recipient is promoted to a permanent failure.
func (d *Deliverer) SweepDeferred() {
	ids, err := d.Queues.List(queue.Deferred)
	if err != nil {
		trace.New("Delivery.SweepDeferred", "list").Errorf(
			"listing deferred: %v", err)
		return
	}
	for _, id := range ids {
		d.retryDeferred(id)
	}
}

func (d *Deliverer) retryDeferred(id string) {
	tr := trace.New("Delivery.Retry", id)
	defer tr.Finish()

	mctx, err := d.Queues.Load(queue.Deferred, id)
	if err != nil {
		tr.Errorf("loading context: %v", err)
		return
	}
	body, err := d.Queues.LoadBody(id)
	if err != nil {
		tr.Errorf("loading body: %v", err)
		return
	}
	data := body.Bytes()

	d.dispatch(tr, id, mctx, data)

	// Account the sweep visit, and promote the recipients that have run
	// out of retries.
	for _, rcpt := range mctx.Envelope.Rcpt {
		if rcpt.Status.Kind != mailctx.StatusHeldBack {
			continue
		}
		rcpt.RetryCount++
		rcpt.Status = mailctx.HeldBack(rcpt.Status.N + 1)
		if rcpt.Status.N >= d.RetryMax {
			tr.Printf("%s exhausted retries", rcpt.Address)
			rcpt.Status = mailctx.Failed("max retries")
		}
	}

	if queue.AllTerminal(mctx) {
		d.finish(tr, queue.Deferred, id, mctx, data)
		return
	}

	// Still held back: re-persist in place and wait for the next sweep.
	if err := d.Queues.Save(queue.Deferred, mctx); err != nil {
		tr.Errorf("saving context: %v", err)
	}
	maillog.QueueLoop(id, mctx.Envelope.MailFrom.String(), d.RetryPeriod)
}

// finish cleans up a message whose recipients are all terminal: bounce the
// failed ones back to the sender, then drop the queue file and the body.
func (d *Deliverer) finish(tr *trace.Trace, from queue.Name, id string, mctx *mailctx.MailContext, data []byte) {
	if anyFailed(mctx) {
		d.emitDSN(tr, mctx, data)
	}

	if err := d.Queues.Remove(from, id); err != nil {
		tr.Errorf("removing from %s: %v", from, err)
		return
	}
	if err := d.Queues.RemoveBody(id); err != nil {
		tr.Errorf("removing body: %v", err)
	}
	tr.Printf("all done")
	maillog.QueueLoop(id, mctx.Envelope.MailFrom.String(), 0)
}

func anyFailed(mctx *mailctx.MailContext) bool {
	for _, rcpt := range mctx.Envelope.Rcpt {
		if rcpt.Status.Kind == mailctx.StatusFailed {
			return true
		}
	}
	return false
}

// emitDSN queues a delivery status notification back to the envelope
// sender. Bounces themselves come from the null sender, so a failing
// bounce never generates another one.
func (d *Deliverer) emitDSN(tr *trace.Trace, mctx *mailctx.MailContext, data []byte) {
	from := mctx.Envelope.MailFrom
	if from.IsNull() {
		return
	}

	msg, err := queue.DSN(d.Hostname, mctx, data)
	if err != nil {
		tr.Errorf("building DSN: %v", err)
		return
	}

	id := mailctx.NewMessageID(time.Now())
	dsnCtx := &mailctx.MailContext{
		Envelope: mailctx.Envelope{
			MailFrom: mailctx.NullAddress,
			Rcpt: []*mailctx.Recipient{{
				Address:        from,
				OriginalAddr:   from,
				TransferMethod: d.senderTransferMethod(from),
				Status:         mailctx.Waiting(),
			}},
		},
		Body: mailctx.BodyMarker{Kind: mailctx.BodyRaw},
		Metadata: mailctx.Metadata{
			Timestamp: time.Now(),
			MessageID: id,
		},
	}

	if err := d.Queues.WriteBody(id, &mailctx.MailBody{
		Kind: mailctx.BodyRaw, Raw: string(msg),
	}); err != nil {
		tr.Errorf("writing DSN body: %v", err)
		return
	}
	if err := d.Queues.Put(queue.Deliver, dsnCtx); err != nil {
		tr.Errorf("queueing DSN: %v", err)
		_ = d.Queues.RemoveBody(id)
		return
	}

	tr.Printf("DSN queued as %s", id)
	d.processDeliver(id)
}

func (d *Deliverer) senderTransferMethod(from mailctx.Address) mailctx.TransferMethod {
	if d.LocalDomains != nil && d.LocalDomains.Has(from.Domain()) {
		return mailctx.TransferMethod{Kind: d.LocalKind}
	}
	return mailctx.TransferMethod{Kind: mailctx.TransferRelay}
}
