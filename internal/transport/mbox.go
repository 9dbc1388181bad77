package transport

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/trace"
)

// Mbox delivers local mail by appending to the recipient's mbox file,
// separated by a "From " line per the traditional mbox format. The file is
// chown'd to the recipient when the local user exists.
type Mbox struct {
	// Dir is the directory mbox files live in, one per local user.
	Dir string
}

// Deliver implements Transport.
func (m *Mbox) Deliver(from mailctx.Address, rcpt *mailctx.Recipient, data []byte) (error, bool) {
	tr := trace.New("Transport.Mbox", rcpt.Address.String())
	defer tr.Finish()

	local := rcpt.Address.Local()
	uid, gid, ok := lookupLocalUser(local)
	if !ok {
		// A recipient without a system account will never become
		// deliverable to an mbox; fail it rather than retry.
		return tr.Errorf("unknown local user %q", local), true
	}

	path := m.Dir + "/" + local
	tr.Debugf("delivering to %s", path)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return tr.Errorf("opening mbox: %v", err), false
	}
	defer f.Close()

	if err := f.Chown(uid, gid); err != nil {
		tr.Debugf("chown mbox failed (continuing): %v", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From %s %s\n", fromLine(from), time.Now().Format(time.ANSIC))
	buf.Write(escapeFromLines(normalize.ToCRLF(data)))
	buf.WriteString("\n")

	if _, err := f.Write(buf.Bytes()); err != nil {
		return tr.Errorf("writing mbox: %v", err), false
	}

	tr.Debugf("delivered")
	return nil, false
}

func fromLine(from mailctx.Address) string {
	if from.IsNull() {
		return "MAILER-DAEMON"
	}
	return from.String()
}

// escapeFromLines prepends ">" to any body line starting with "From ", the
// standard mbox quoting rule to keep the next message's separator
// unambiguous.
func escapeFromLines(data []byte) []byte {
	lines := strings.Split(string(data), "\r\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "From ") {
			lines[i] = ">" + l
		}
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func lookupLocalUser(name string) (uid, gid int, ok bool) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, false
	}
	uidN, err1 := strconv.Atoi(u.Uid)
	gidN, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uidN, gidN, true
}
