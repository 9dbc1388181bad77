package transport

import (
	"os"

	"github.com/emersion/go-maildir"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/trace"
)

// Maildir delivers local mail into a per-user qmail-style Maildir, via
// github.com/emersion/go-maildir: the message is written under tmp/ and
// renamed into new/ only once complete, so readers never see partial
// files.
type Maildir struct {
	// Root maps a local user name to its Maildir root path.
	Root func(user string) string
}

// Deliver implements Transport.
func (d *Maildir) Deliver(from mailctx.Address, rcpt *mailctx.Recipient, data []byte) (error, bool) {
	tr := trace.New("Transport.Maildir", rcpt.Address.String())
	defer tr.Finish()

	root := d.Root(rcpt.Address.Local())
	dir := maildir.Dir(root)

	if err := dir.Init(); err != nil {
		return tr.Errorf("initializing maildir %q: %v", root, err), false
	}
	chownMaildir(tr, root, rcpt.Address.Local())

	delivery, err := dir.NewDelivery()
	if err != nil {
		return tr.Errorf("opening delivery: %v", err), false
	}

	if _, err := delivery.Write(normalize.ToCRLF(data)); err != nil {
		delivery.Abort()
		return tr.Errorf("writing message: %v", err), false
	}

	if err := delivery.Close(); err != nil {
		return tr.Errorf("closing delivery: %v", err), false
	}

	tr.Debugf("delivered to %s", root)
	return nil, false
}

// chownMaildir hands the maildir tree over to the recipient, so their MUA
// can read and flag messages. Best-effort: when running unprivileged (or
// for a recipient with no system account) the files stay owned by us.
func chownMaildir(tr *trace.Trace, root, user string) {
	uid, gid, ok := lookupLocalUser(user)
	if !ok {
		return
	}
	for _, sub := range []string{"", "/tmp", "/new", "/cur"} {
		if err := os.Chown(root+sub, uid, gid); err != nil {
			tr.Debugf("chown %q failed (continuing): %v", root+sub, err)
			return
		}
	}
}
