// Package policy implements the host side of the policy engine: an
// embedded Lua runtime (github.com/yuin/gopher-lua) is invoked at each
// named checkpoint with a read-write view of the in-flight mail context,
// and returns a verdict that steers queue placement and reply codes.
//
// A checkpoint named e.g. "mail_from" is served by "mail_from.lua" in the
// policy directory; a missing script means the checkpoint accepts
// everything. Scripts see a "mail" global for the context and verdict
// primitives, and a "dns" global for resolver lookups.
package policy

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/metrics"
	"hermannmta.dev/mtad/internal/trace"
)

// Checkpoint names a point in the receiver or processors at which the
// policy engine is invoked.
type Checkpoint string

const (
	Connect      Checkpoint = "connect"
	Helo         Checkpoint = "helo"
	Authenticate Checkpoint = "authenticate"
	MailFrom     Checkpoint = "mail_from"
	RcptTo       Checkpoint = "rcpt_to"
	PreQ         Checkpoint = "preq"
	PostQ        Checkpoint = "postq"
	Delivery     Checkpoint = "delivery"
)

// suspendable reports whether checkpoint can tolerate a Delegated
// verdict: only preq and postq can, since their queue file remains on disk
// while the delegated copy is in flight.
func (c Checkpoint) suspendable() bool {
	return c == PreQ || c == PostQ
}

// VerdictKind is the outcome the policy engine returns to the core.
type VerdictKind string

const (
	VAccept     VerdictKind = "accept"
	VNext       VerdictKind = "next"
	VFaccept    VerdictKind = "faccept"
	VDeny       VerdictKind = "deny"
	VQuarantine VerdictKind = "quarantine"
	VInfo       VerdictKind = "info"
	VDelegated  VerdictKind = "delegated"
)

// Verdict is the value a checkpoint invocation resolves to.
type Verdict struct {
	Kind VerdictKind

	// Code is the SMTP reply code for VDeny; it defaults to 554 if unset.
	Code int

	// Path is the quarantine sub-path for VQuarantine.
	Path string

	// Packet is an opaque diagnostic string for VInfo.
	Packet string
}

// Accept is the default verdict when no script is registered for a
// checkpoint; it just continues the dialogue.
var Accept = Verdict{Kind: VAccept}

func deny(code int) Verdict {
	if code == 0 {
		code = 554
	}
	return Verdict{Kind: VDeny, Code: code}
}

// Service is a named external collaborator a script can invoke: shell
// commands, SMTP delegation, or key/value & CSV lookups.
type Service interface {
	Invoke(args ...string) (string, error)
}

// State is the read-write handle to the in-flight mail context that a
// checkpoint invocation operates on. Its lifetime equals one stage
// invocation; the caller must not mutate the underlying MailContext for
// the duration of the call.
type State struct {
	Ctx        *mailctx.MailContext
	ServerName string
	SPFResult  string
	DKIMResult string

	// parsedBody is set by the caller (the working processor, post-MIME
	// parse) so PostQ scripts can read and mutate headers; before that
	// stage it is nil, and rawBody (set at PreQ) is all a script can see.
	parsedBody *mailctx.ParsedMail
	rawBody    string

	tr       *trace.Trace
	resolver *net.Resolver
	services map[string]Service

	verdict    Verdict
	hasVerdict bool
	sendMails  []SendMailRequest
	logs       []string
}

// NewState builds the per-checkpoint handle over ctx. tr may be nil.
func NewState(ctx *mailctx.MailContext, tr *trace.Trace) *State {
	return &State{Ctx: ctx, tr: tr}
}

// SetParsedBody attaches the MIME-parsed body for checkpoints that run
// after promotion (PostQ).
func (s *State) SetParsedBody(p *mailctx.ParsedMail) { s.parsedBody = p }

// SetRawBody attaches the as-received message bytes, so PreQ scripts can
// read the content before the working processor has parsed it.
func (s *State) SetRawBody(raw string) { s.rawBody = raw }

// SendMailRequests returns the (from, to, path, relay) tuples the script
// queued via mail.send_mail(), for the caller to actually act on.
func (s *State) SendMailRequests() []SendMailRequest { return s.sendMails }

type SendMailRequest struct {
	from, to, path, relay string
}

// Engine loads and runs checkpoint scripts from a directory: a checkpoint
// named e.g. "mail_from" is served by "<dir>/mail_from.lua" if present; a
// missing file means the checkpoint is a no-op (Accept).
type Engine struct {
	dir      string
	resolver *net.Resolver
	services map[string]Service

	mu     sync.Mutex
	cache  map[Checkpoint]*lua.FunctionProto
}

// New returns an Engine serving scripts out of dir.
func New(dir string, resolver *net.Resolver, services map[string]Service) *Engine {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Engine{
		dir:      dir,
		resolver: resolver,
		services: services,
		cache:    map[Checkpoint]*lua.FunctionProto{},
	}
}

func (e *Engine) scriptPath(cp Checkpoint) string {
	return filepath.Join(e.dir, string(cp)+".lua")
}

// load compiles and caches the script for cp, or returns nil if none
// exists.
func (e *Engine) load(cp Checkpoint) (*lua.FunctionProto, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if proto, ok := e.cache[cp]; ok {
		return proto, nil
	}

	path := e.scriptPath(cp)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		e.cache[cp] = nil
		return nil, nil
	}

	chunk, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: reading %s: %w", path, err)
	}
	stmts, err := parse.Parse(bytes.NewReader(chunk), path)
	if err != nil {
		return nil, fmt.Errorf("policy: parsing %s: %w", path, err)
	}
	proto, err := lua.Compile(stmts, path)
	if err != nil {
		return nil, fmt.Errorf("policy: compiling %s: %w", path, err)
	}
	e.cache[cp] = proto
	return proto, nil
}

// Run invokes the checkpoint script (if any) against state and returns
// its verdict. A script runtime error is treated as a deny with a logged
// diagnostic, so a broken filter fails closed.
func (e *Engine) Run(cp Checkpoint, state *State) (v Verdict, err error) {
	proto, err := e.load(cp)
	if err != nil {
		metrics.PolicyVerdicts.WithLabelValues(string(cp), "load_error").Inc()
		return deny(554), err
	}
	if proto == nil {
		metrics.PolicyVerdicts.WithLabelValues(string(cp), "no_script").Inc()
		return Accept, nil
	}

	state.resolver = e.resolver
	state.services = e.services
	state.verdict = Accept
	state.hasVerdict = false

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	defer L.Close()

	registerMailAPI(L, state)

	defer func() {
		if r := recover(); r != nil {
			if state.tr != nil {
				state.tr.Errorf("policy: panic in %s script: %v", cp, r)
			}
			metrics.PolicyVerdicts.WithLabelValues(string(cp), "panic").Inc()
			v, err = deny(554), fmt.Errorf("policy: panic in %s script: %v", cp, r)
		}
	}()

	lfunc := L.NewFunctionFromProto(proto)
	L.Push(lfunc)
	if callErr := L.PCall(0, lua.MultRet, nil); callErr != nil {
		metrics.PolicyVerdicts.WithLabelValues(string(cp), "error").Inc()
		return deny(554), fmt.Errorf("policy: %s script failed: %w", cp, callErr)
	}

	result := state.verdict
	if result.Kind == VDelegated && !cp.suspendable() {
		return deny(554), fmt.Errorf("policy: %s checkpoint cannot tolerate Delegated", cp)
	}

	metrics.PolicyVerdicts.WithLabelValues(string(cp), string(result.Kind)).Inc()
	return result, nil
}

// Logs returns the log lines the script emitted via mail.log(), most
// recent last; callers may forward them to the connection trace or
// maillog.
func (s *State) Logs() []string { return s.logs }

func (s *State) appendLog(line string) {
	s.logs = append(s.logs, line)
}
