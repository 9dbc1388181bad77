package transport

import (
	"os"
	"os/user"
	"strings"
	"testing"
	"time"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/testlib"
)

func mustAddr(t *testing.T, s string) mailctx.Address {
	t.Helper()
	a, err := mailctx.ParseAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func newRcpt(t *testing.T, addr string, kind mailctx.TransferKind) *mailctx.Recipient {
	return &mailctx.Recipient{
		Address:        mustAddr(t, addr),
		OriginalAddr:   mustAddr(t, addr),
		TransferMethod: mailctx.TransferMethod{Kind: kind},
		Status:         mailctx.Waiting(),
	}
}

func TestRegistry(t *testing.T) {
	r := Registry{mailctx.TransferNone: None{}}
	if _, ok := r.Get(mailctx.TransferNone); !ok {
		t.Errorf("registered transport not found")
	}
	if _, ok := r.Get(mailctx.TransferMbox); ok {
		t.Errorf("unregistered transport found")
	}
}

func TestNone(t *testing.T) {
	err, perm := None{}.Deliver(
		mustAddr(t, "a@b"), newRcpt(t, "c@d", mailctx.TransferNone), []byte("x"))
	if err != nil || perm {
		t.Errorf("None.Deliver = %v, %v", err, perm)
	}
}

func TestMbox(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	// Deliver to the user running the test, so the account lookup works.
	me, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}

	m := &Mbox{Dir: dir}
	rcpt := newRcpt(t, me.Username+"@local", mailctx.TransferMbox)
	data := []byte("Subject: test\n\nhello\nFrom here to there\n")

	err, _ = m.Deliver(mustAddr(t, "from@remote"), rcpt, data)
	if err != nil {
		t.Fatalf("mbox delivery failed: %v", err)
	}
	err, _ = m.Deliver(mailctx.NullAddress, rcpt, data)
	if err != nil {
		t.Fatalf("second mbox delivery failed: %v", err)
	}

	// An address with no system account behind it fails permanently.
	err, perm := m.Deliver(mailctx.NullAddress,
		newRcpt(t, "no-such-user-here@local", mailctx.TransferMbox), data)
	if err == nil || !perm {
		t.Errorf("unknown user: err=%v perm=%v, expected permanent error",
			err, perm)
	}

	content, err := os.ReadFile(dir + "/" + me.Username)
	if err != nil {
		t.Fatal(err)
	}
	s := string(content)

	if !strings.HasPrefix(s, "From from@remote ") {
		t.Errorf("missing separator line: %q", s)
	}
	if !strings.Contains(s, "\nFrom MAILER-DAEMON ") {
		t.Errorf("null sender not written as MAILER-DAEMON: %q", s)
	}
	if !strings.Contains(s, ">From here to there") {
		t.Errorf("body From-line not escaped: %q", s)
	}
}

func TestMaildir(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	md := &Maildir{Root: func(user string) string { return dir + "/" + user }}
	rcpt := newRcpt(t, "pelican@local", mailctx.TransferMaildir)

	err, _ := md.Deliver(mustAddr(t, "from@remote"), rcpt,
		[]byte("Subject: test\n\nhello\n"))
	if err != nil {
		t.Fatalf("maildir delivery failed: %v", err)
	}

	entries, err := os.ReadDir(dir + "/pelican/new")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one message in new/, got %d", len(entries))
	}

	// tmp/ must not retain anything after the rename.
	tmps, err := os.ReadDir(dir + "/pelican/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if len(tmps) != 0 {
		t.Errorf("leftover files in tmp/: %d", len(tmps))
	}
}

func TestPipe(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	p := &Pipe{
		Binary:  "tee",
		Args:    []string{dir + "/%to_user%"},
		Timeout: time.Minute,
	}
	rcpt := newRcpt(t, "teeuser@local", mailctx.TransferPipe)

	err, _ := p.Deliver(mustAddr(t, "from@remote"), rcpt,
		[]byte("Subject: test\n\nhello\n"))
	if err != nil {
		t.Fatalf("pipe delivery failed: %v", err)
	}

	content, err := os.ReadFile(dir + "/teeuser")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "hello") {
		t.Errorf("piped content wrong: %q", content)
	}
}

func TestPipePermanentVsTransient(t *testing.T) {
	// Exit 75 (EX_TEMPFAIL) is transient, any other failure permanent.
	p := &Pipe{Binary: "sh", Args: []string{"-c", "exit 75"},
		Timeout: time.Minute}
	err, perm := p.Deliver(mustAddr(t, "a@b"),
		newRcpt(t, "c@d", mailctx.TransferPipe), nil)
	if err == nil || perm {
		t.Errorf("exit 75: err=%v perm=%v, expected transient error", err, perm)
	}

	p = &Pipe{Binary: "sh", Args: []string{"-c", "exit 1"},
		Timeout: time.Minute}
	err, perm = p.Deliver(mustAddr(t, "a@b"),
		newRcpt(t, "c@d", mailctx.TransferPipe), nil)
	if err == nil || !perm {
		t.Errorf("exit 1: err=%v perm=%v, expected permanent error", err, perm)
	}
}

func TestEscapeFromLines(t *testing.T) {
	in := []byte("From a\r\nnot From\r\n>From quoted\r\n")
	out := string(escapeFromLines(in))
	if out != ">From a\r\nnot From\r\n>From quoted\r\n" {
		t.Errorf("escapeFromLines = %q", out)
	}
}

func TestSanitizeForPipe(t *testing.T) {
	cases := []struct{ in, want string }{
		{"user@domain", "user@domain"},
		{"user;rm -rf@x", "userrm-rf@x"},
		{"a$b`c|d", "abcd"},
	}
	for _, c := range cases {
		if got := sanitizeForPipe(c.in); got != c.want {
			t.Errorf("sanitizeForPipe(%q) = %q, expected %q", c.in, got, c.want)
		}
	}
}
