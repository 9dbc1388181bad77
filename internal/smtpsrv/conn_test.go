package smtpsrv

import (
	"crypto/tls"
	"net"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"hermannmta.dev/mtad/internal/auth"
	"hermannmta.dev/mtad/internal/domaininfo"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/policy"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/testlib"
	"hermannmta.dev/mtad/internal/trace"
	"blitiri.com.ar/go/spf"
)

func TestMain(m *testing.M) {
	disableSPFForTesting = true
	os.Exit(m.Run())
}

// env is a scripted-dialogue test environment: a Conn handled over one end
// of a pipe, a textproto client on the other.
type env struct {
	t      *testing.T
	srv    *Server
	queues *queue.Manager

	workingCh  chan string
	deliveryCh chan string

	raw    net.Conn
	client *textproto.Conn
	done   chan struct{}
}

func newEnv(t *testing.T, mode SocketMode, mods ...func(*Server)) *env {
	t.Helper()

	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	q, err := queue.Open(dir)
	if err != nil {
		t.Fatalf("opening queue tree: %v", err)
	}

	e := &env{
		t:          t,
		queues:     q,
		workingCh:  make(chan string, 8),
		deliveryCh: make(chan string, 8),
		done:       make(chan struct{}),
	}

	s := NewServer()
	s.Hostname = "testserver"
	s.MaxDataSize = 1 << 20
	s.SetPipeline(q, e.workingCh, e.deliveryCh)
	for _, mod := range mods {
		mod(s)
	}
	e.srv = s

	cconn, sconn := net.Pipe()
	conn := s.newConn(sconn, mode)
	go func() {
		conn.Handle()
		close(e.done)
	}()

	e.raw = cconn
	e.client = textproto.NewConn(cconn)
	t.Cleanup(func() { e.client.Close() })
	return e
}

// expect reads one (possibly multi-line) reply and checks its code, and
// that the first line matches want exactly when want is non-empty.
func (e *env) expect(code int, want string) string {
	e.t.Helper()
	gotCode, msg, err := e.client.ReadResponse(code)
	if err != nil && gotCode != code {
		e.t.Fatalf("expected code %d, got %d (%q, err: %v)",
			code, gotCode, msg, err)
	}
	first := strings.SplitN(msg, "\n", 2)[0]
	if want != "" && first != want {
		e.t.Fatalf("expected reply %q, got %q", want, first)
	}
	return msg
}

func (e *env) send(line string) {
	e.t.Helper()
	if err := e.client.PrintfLine("%s", line); err != nil {
		e.t.Fatalf("error sending %q: %v", line, err)
	}
}

func newTestEngine(dir string) *policy.Engine {
	return policy.New(dir, nil, nil)
}

func TestMinimalDialogue(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "testserver Service ready")
	e.send("HELO foobar")
	e.expect(250, "Ok")
	e.send("MAIL FROM:<john@doe>")
	e.expect(250, "Ok")
	e.send("RCPT TO:<aa@bb>")
	e.expect(250, "Ok")
	e.send("DATA")
	e.expect(354, "Start mail input; end with <CRLF>.<CRLF>")
	e.send(".")
	e.expect(250, "Ok")
	e.send("QUIT")
	e.expect(221, "Service closing transmission channel")

	<-e.done

	id := <-e.workingCh
	ctx, err := e.queues.Load(queue.Working, id)
	if err != nil {
		t.Fatalf("loading queued context: %v", err)
	}

	if ctx.Envelope.Helo != "foobar" {
		t.Errorf("helo = %q, expected foobar", ctx.Envelope.Helo)
	}
	if got := ctx.Envelope.MailFrom.String(); got != "john@doe" {
		t.Errorf("mail_from = %q, expected john@doe", got)
	}
	if len(ctx.Envelope.Rcpt) != 1 ||
		ctx.Envelope.Rcpt[0].Address.String() != "aa@bb" {
		t.Errorf("unexpected rcpt: %+v", ctx.Envelope.Rcpt)
	}
	if ctx.Envelope.Rcpt[0].TransferMethod.Kind != mailctx.TransferRelay {
		t.Errorf("transfer method = %q, expected relay",
			ctx.Envelope.Rcpt[0].TransferMethod.Kind)
	}
	if ctx.Body.Kind != mailctx.BodyEmpty {
		t.Errorf("body kind = %q, expected empty", ctx.Body.Kind)
	}

	// Exactly one queue file may exist across working/deliver.
	if ids, _ := e.queues.List(queue.Deliver); len(ids) != 0 {
		t.Errorf("unexpected deliver entries: %v", ids)
	}
	if ids, _ := e.queues.List(queue.Working); len(ids) != 1 {
		t.Errorf("expected one working entry, got %v", ids)
	}
}

func TestDataBody(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("EHLO client")
	e.expect(250, "")
	e.send("MAIL FROM:<from@from>")
	e.expect(250, "")
	e.send("RCPT TO:<to@to>")
	e.expect(250, "")
	e.send("DATA")
	e.expect(354, "")
	e.send("Subject: hola")
	e.send("")
	e.send("..dots and such")
	e.send(".")
	e.expect(250, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done

	id := <-e.workingCh
	body, err := e.queues.LoadBody(id)
	if err != nil {
		t.Fatalf("loading body: %v", err)
	}
	if body.Kind != mailctx.BodyRaw {
		t.Fatalf("body kind = %q, expected raw", body.Kind)
	}
	if !strings.HasPrefix(body.Raw, "Received: ") {
		t.Errorf("missing Received header: %q", body.Raw)
	}
	if !strings.Contains(body.Raw, "Subject: hola\n") {
		t.Errorf("missing subject: %q", body.Raw)
	}
	if !strings.Contains(body.Raw, "\n.dots and such\n") {
		t.Errorf("dot-unstuffing failed: %q", body.Raw)
	}
}

func TestSyntaxErrorKeepsConnection(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("foo")
	e.expect(501, "Syntax error in parameters or arguments")

	// The connection stays open and usable.
	e.send("NOOP")
	e.expect(250, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestHardErrorBudget(t *testing.T) {
	e := newEnv(t, ModeSMTP, func(s *Server) {
		s.Budget = ErrorBudget{HardLimit: 3}
	})

	e.expect(220, "")
	e.send("foo")
	e.expect(501, "")
	e.send("bar")
	e.expect(501, "")
	e.send("baz")

	// The third error reply is rewritten into a continuation, followed by
	// the cutoff notice, and then the server hangs up.
	line1, err := e.client.ReadLine()
	if err != nil {
		t.Fatalf("reading continuation line: %v", err)
	}
	if !strings.HasPrefix(line1, "501-") {
		t.Fatalf("expected 501- continuation, got %q", line1)
	}
	line2, err := e.client.ReadLine()
	if err != nil {
		t.Fatalf("reading cutoff line: %v", err)
	}
	if line2 != "451 Too many errors from the client" {
		t.Fatalf("expected too-many-errors reply, got %q", line2)
	}

	<-e.done
	if _, err := e.client.ReadLine(); err == nil {
		t.Errorf("expected connection to be closed")
	}
}

func TestWrongStateReplies(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("MAIL FROM:<a@b>")
	e.expect(503, "")
	e.send("DATA")
	e.expect(503, "")
	e.send("RCPT TO:<c@d>")
	e.expect(503, "")

	// RSET always succeeds, even this early.
	e.send("RSET")
	e.expect(250, "")

	e.send("VRFY x")
	e.expect(502, "")
	e.send("EXPN x")
	e.expect(502, "")
	e.send("HELP")
	e.expect(214, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestEhloAdvertisements(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("EHLO x")
	msg := e.expect(250, "")

	for _, ext := range []string{"8BITMIME", "PIPELINING", "SMTPUTF8",
		"SIZE 1048576", "STARTTLS"} {
		if !strings.Contains(msg, ext) {
			t.Errorf("EHLO response missing %q: %q", ext, msg)
		}
	}
	// No TLS and no plaintext auth: AUTH must not be advertised.
	if strings.Contains(msg, "AUTH") {
		t.Errorf("EHLO response advertises AUTH over plaintext: %q", msg)
	}
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestSubmissionRequiresAuth(t *testing.T) {
	e := newEnv(t, ModeSubmission)

	e.expect(220, "")
	e.send("EHLO x")
	e.expect(250, "")
	e.send("MAIL FROM:<a@b>")
	e.expect(530, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

// testBackend authenticates exactly one user / password pair. As an auth
// fallback backend it sees the full user@domain form.
type testBackend struct {
	addr, password string
}

func (b *testBackend) Authenticate(user, password string) (bool, error) {
	return user == b.addr && password == b.password, nil
}
func (b *testBackend) Exists(user string) (bool, error) { return user == b.addr, nil }
func (b *testBackend) Reload() error                    { return nil }

var _ auth.Backend = &testBackend{}

func TestAuthPlain(t *testing.T) {
	e := newEnv(t, ModeSubmission, func(s *Server) {
		s.AllowPlaintextAuth = true
		s.SetAuthFallback(&testBackend{addr: "user@domain", password: "pass"})
	})

	e.expect(220, "")
	e.send("EHLO x")
	msg := e.expect(250, "")
	if !strings.Contains(msg, "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO response missing AUTH: %q", msg)
	}

	// Bad credentials first.
	e.send("AUTH PLAIN AHVzZXJAZG9tYWluAG5vcGU=")
	e.expect(535, "")

	// Then the real ones, as initial response.
	e.send("AUTH PLAIN AHVzZXJAZG9tYWluAHBhc3M=")
	e.expect(235, "")

	// A second AUTH is rejected.
	e.send("AUTH PLAIN AHVzZXJAZG9tYWluAHBhc3M=")
	e.expect(503, "")

	// And MAIL FROM is now allowed on the submission port.
	e.send("MAIL FROM:<user@domain>")
	e.expect(250, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestAuthLoginChallenges(t *testing.T) {
	e := newEnv(t, ModeSubmission, func(s *Server) {
		s.AllowPlaintextAuth = true
		s.SetAuthFallback(&testBackend{addr: "user@domain", password: "pass"})
	})

	e.expect(220, "")
	e.send("EHLO x")
	e.expect(250, "")

	e.send("AUTH LOGIN")
	e.expect(334, "")
	e.send("dXNlckBkb21haW4=")
	e.expect(334, "")
	e.send("cGFzcw==")
	e.expect(235, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestAuthRequiresTLS(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("EHLO x")
	e.expect(250, "")
	e.send("AUTH PLAIN AHgAeQ==")
	e.expect(530, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestStartTLS(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)
	clientTLS, err := testlib.GenerateCert(dir)
	if err != nil {
		t.Fatalf("generating cert: %v", err)
	}

	e := newEnv(t, ModeSubmission, func(s *Server) {
		if err := s.AddCerts(dir+"/cert.pem", dir+"/key.pem"); err != nil {
			t.Fatalf("adding certs: %v", err)
		}
	})

	e.expect(220, "")
	e.send("EHLO x")
	msg := e.expect(250, "")
	if !strings.Contains(msg, "STARTTLS") {
		t.Fatalf("STARTTLS not advertised: %q", msg)
	}

	e.send("STARTTLS")
	e.expect(220, "Ready to start TLS")

	tlsConn := tls.Client(e.raw, clientTLS)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client TLS handshake: %v", err)
	}
	e.client = textproto.NewConn(tlsConn)

	e.send("EHLO x")
	msg = e.expect(250, "")
	if strings.Contains(msg, "STARTTLS") {
		t.Errorf("STARTTLS still advertised after upgrade: %q", msg)
	}
	if !strings.Contains(msg, "AUTH") {
		t.Errorf("AUTH not advertised after upgrade: %q", msg)
	}

	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestRecipientCeiling(t *testing.T) {
	e := newEnv(t, ModeSMTP, func(s *Server) {
		s.MaxRcpt = 2
	})

	e.expect(220, "")
	e.send("HELO x")
	e.expect(250, "")
	e.send("MAIL FROM:<a@b>")
	e.expect(250, "")
	e.send("RCPT TO:<r1@x>")
	e.expect(250, "")
	e.send("RCPT TO:<r2@x>")
	e.expect(250, "")
	e.send("RCPT TO:<r3@x>")
	e.expect(452, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestUnknownParam(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("HELO x")
	e.expect(250, "")
	e.send("MAIL FROM:<a@b> FUTUREEXT=1")
	e.expect(501, "")
	e.send("MAIL FROM:<a@b> BODY=8BITMIME")
	e.expect(250, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestSizeParam(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("HELO x")
	e.expect(250, "")
	e.send("MAIL FROM:<a@b> SIZE=99999999999")
	e.expect(552, "")
	e.send("MAIL FROM:<a@b> SIZE=100")
	e.expect(250, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestSecLevel(t *testing.T) {
	// We can't simulate this externally because of the SPF record
	// requirement, so do a narrow test on Conn.secLevelCheck.
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	dinfo, err := domaininfo.New(dir)
	if err != nil {
		t.Fatalf("Failed to create domain info: %v", err)
	}

	c := &Conn{
		tr:    trace.New("testconn", "testconn"),
		dinfo: dinfo,
	}

	// No SPF, skip security checks.
	c.spfResult = spf.None
	c.onTLS = true
	if !c.secLevelCheck("from@slc") {
		t.Fatalf("TLS seclevel failed")
	}

	c.onTLS = false
	if !c.secLevelCheck("from@slc") {
		t.Fatalf("plain seclevel failed, even though SPF does not exist")
	}

	// Now the real checks, once SPF passes.
	c.spfResult = spf.Pass

	if !c.secLevelCheck("from@slc") {
		t.Fatalf("plain seclevel failed")
	}

	c.onTLS = true
	if !c.secLevelCheck("from@slc") {
		t.Fatalf("TLS seclevel failed")
	}

	c.onTLS = false
	if c.secLevelCheck("from@slc") {
		t.Fatalf("plain seclevel worked, downgrade was allowed")
	}
}

func TestCheckData(t *testing.T) {
	ok := "Received: from x\nSubject: hi\n\nbody\n"
	if err := checkData([]byte(ok)); err != nil {
		t.Errorf("checkData rejected a fine message: %v", err)
	}

	loopy := strings.Repeat("Received: from hop\n", *maxReceivedHeaders+1) +
		"\nbody\n"
	if err := checkData([]byte(loopy)); err == nil {
		t.Errorf("checkData accepted a looping message")
	}
}

func TestTimeoutClosesConnection(t *testing.T) {
	e := newEnv(t, ModeSMTP, func(s *Server) {
		s.Timeouts.Helo = 50 * time.Millisecond
	})

	e.expect(220, "")

	// Say nothing; the server must reply 451 and hang up.
	code, _, err := e.client.ReadResponse(451)
	if err != nil && code != 451 {
		t.Fatalf("expected 451 timeout notice, got %d (%v)", code, err)
	}

	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close after timeout")
	}
}

func TestClientEOF(t *testing.T) {
	e := newEnv(t, ModeSMTP)
	e.expect(220, "")
	e.send("HELO x")
	e.expect(250, "")
	e.client.Close()

	select {
	case <-e.done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close after client EOF")
	}

	// Nothing must have been queued.
	if ids, _ := e.queues.List(queue.Working); len(ids) != 0 {
		t.Errorf("unexpected working entries: %v", ids)
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	base := time.Now()
	for i := 0; i < 1000; i++ {
		id := mailctx.NewMessageID(base)
		if seen[id] {
			t.Fatalf("duplicate message id %q", id)
		}
		seen[id] = true
	}
}

func TestEnqueueFailureIsTransient(t *testing.T) {
	e := newEnv(t, ModeSMTP)

	e.expect(220, "")
	e.send("HELO x")
	e.expect(250, "")
	e.send("MAIL FROM:<a@b>")
	e.expect(250, "")
	e.send("RCPT TO:<c@d>")
	e.expect(250, "")

	// Sabotage the queue tree so the Put fails.
	if err := os.RemoveAll(e.queues.Dir(queue.Working)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.queues.Dir(queue.Working), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	e.send("DATA")
	e.expect(354, "")
	e.send("oops")
	e.send(".")
	e.expect(451, "")

	// The failure must not have charged the error budget, and the
	// connection stays usable.
	e.send("NOOP")
	e.expect(250, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done
}

func TestConnectPolicyErrorIsDeny(t *testing.T) {
	// A broken policy script must behave as a deny, not an accept.
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)
	if err := testlib.Rewrite(t, dir+"/connect.lua",
		"this is not lua at all ("); err != nil {
		t.Fatal(err)
	}

	e := newEnv(t, ModeSMTP, func(s *Server) {
		s.SetPolicyEngine(newTestEngine(dir))
	})

	code, _, err := e.client.ReadResponse(554)
	if err != nil && code != 554 {
		t.Fatalf("expected 554 from broken connect policy, got %d (%v)",
			code, err)
	}
	<-e.done
}

func TestPreQVerdicts(t *testing.T) {
	cases := []struct {
		script string
		queue  queue.Name
	}{
		{"mail.accept()", queue.Working},
		{"mail.faccept()", queue.Deliver},
	}

	for _, c := range cases {
		t.Run(c.script, func(t *testing.T) {
			dir := testlib.MustTempDir(t)
			defer testlib.RemoveIfOk(t, dir)
			if err := testlib.Rewrite(t, dir+"/preq.lua", c.script); err != nil {
				t.Fatal(err)
			}

			e := newEnv(t, ModeSMTP, func(s *Server) {
				s.SetPolicyEngine(newTestEngine(dir))
			})

			e.expect(220, "")
			e.send("HELO x")
			e.expect(250, "")
			e.send("MAIL FROM:<a@b>")
			e.expect(250, "")
			e.send("RCPT TO:<c@d>")
			e.expect(250, "")
			e.send("DATA")
			e.expect(354, "")
			e.send(".")
			e.expect(250, "")
			e.send("QUIT")
			e.expect(221, "")
			<-e.done

			ids, err := e.queues.List(c.queue)
			if err != nil || len(ids) != 1 {
				t.Fatalf("expected one entry in %s, got %v (%v)",
					c.queue, ids, err)
			}
		})
	}
}

func TestPreQDeny(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)
	if err := testlib.Rewrite(t, dir+"/preq.lua", "mail.deny(554)"); err != nil {
		t.Fatal(err)
	}

	e := newEnv(t, ModeSMTP, func(s *Server) {
		s.SetPolicyEngine(newTestEngine(dir))
	})

	e.expect(220, "")
	e.send("HELO x")
	e.expect(250, "")
	e.send("MAIL FROM:<a@b>")
	e.expect(250, "")
	e.send("RCPT TO:<c@d>")
	e.expect(250, "")
	e.send("DATA")
	e.expect(354, "")
	e.send("spam")
	e.send(".")
	e.expect(554, "")
	e.send("QUIT")
	e.expect(221, "")
	<-e.done

	for _, q := range []queue.Name{queue.Working, queue.Deliver} {
		if ids, _ := e.queues.List(q); len(ids) != 0 {
			t.Errorf("denied message reached %s: %v", q, ids)
		}
	}
}
