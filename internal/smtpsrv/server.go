// Package smtpsrv implements the SMTP receiver: the listening sockets, the
// per-connection protocol engine, and the hand-off of accepted mail into
// the queue pipeline.
package smtpsrv

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"hermannmta.dev/mtad/internal/aliases"
	"hermannmta.dev/mtad/internal/auth"
	"hermannmta.dev/mtad/internal/domaininfo"
	"hermannmta.dev/mtad/internal/ioframer"
	"hermannmta.dev/mtad/internal/localrpc"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/maillog"
	"hermannmta.dev/mtad/internal/policy"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/set"
	"hermannmta.dev/mtad/internal/trace"
	"hermannmta.dev/mtad/internal/userdb"
	"blitiri.com.ar/go/log"
)

var (
	// Reload frequency.
	// We should consider making this a proper option if there's interest in
	// changing it, but until then, it's a test-only flag for simplicity.
	reloadEvery = flag.Duration("testing__reload_every", 30*time.Second,
		"how often to reload, ONLY FOR TESTING")
)

// Server represents an SMTP server instance.
type Server struct {
	// Main hostname, used for display and reply expansion.
	Hostname string

	// Maximum data size, and maximum recipients per transaction.
	MaxDataSize int64
	MaxRcpt     int

	// Per-phase receiver timeouts.
	Timeouts Timeouts

	// Error budget applied to every connection.
	Budget ErrorBudget

	// Use HAProxy on incoming connections.
	HAProxyEnabled bool

	// Unix socket path for the admin RPC server; empty disables it.
	LocalRPCPath string

	// Allow AUTH over plaintext connections.
	AllowPlaintextAuth bool

	// Transfer method for local recipients: mbox or maildir.
	LocalTransfer mailctx.TransferKind

	// Smarthost to forward remote mail through; empty means direct MX.
	SmartHost []string

	// Reply-text overrides from the configuration.
	ReplyOverrides map[int]string

	// Addresses to bind.
	addrs map[SocketMode][]string

	// Listeners (that came via systemd).
	listeners map[SocketMode][]net.Listener

	// TLS config (including loaded certificates).
	tlsConfig *tls.Config

	// Local domains.
	localDomains *set.String

	// Authenticator, backed by per-domain user databases.
	authr *auth.Authenticator

	// Aliases resolver.
	aliasesR *aliases.Resolver

	// Domain info database.
	dinfo *domaininfo.DB

	// Policy engine shared by every connection; nil means accept-all.
	engine *policy.Engine

	// Queue tree, and the channels signalling the working and delivery
	// processors.
	queues     *queue.Manager
	workingCh  chan<- string
	deliveryCh chan<- string

	// Time before we give up on a connection, even if it's sending data.
	connTimeout time.Duration
}

// NewServer returns a new empty Server.
func NewServer() *Server {
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},

		// Disable session tickets, to work around clients that mishandle
		// session resumption on SMTP.
		tlsConfig: &tls.Config{
			SessionTicketsDisabled: true,
		},

		MaxRcpt:       100,
		Timeouts:      DefaultTimeouts,
		LocalTransfer: mailctx.TransferMaildir,

		connTimeout:  20 * time.Minute,
		localDomains: &set.String{},
		authr:        auth.NewAuthenticator(),
		aliasesR:     aliases.NewResolver(),
	}
}

// AddCerts (TLS) to the server. Certificate selection at handshake time is
// SNI-based: crypto/tls picks the certificate matching the client's server
// name from this list, falling back to the first one.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.addrs[m] = append(s.addrs[m], a)
}

// AddListeners adds listeners for the server to listen on.
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.listeners[m] = append(s.listeners[m], ls...)
}

// AddDomain adds a local domain to the server.
func (s *Server) AddDomain(d string) {
	s.localDomains.Add(d)
	s.aliasesR.AddDomain(d)
}

// AddUserDB adds a userdb file as auth backend for the domain.
func (s *Server) AddUserDB(domain, f string) (int, error) {
	// Load the userdb, and register it unconditionally (so reload works
	// even if there are errors right now).
	udb, err := userdb.Load(f)
	s.authr.Register(domain, auth.WrapNoErrorBackend(udb))
	return udb.Len(), err
}

// AddAliasesFile adds an aliases file for the given domain.
func (s *Server) AddAliasesFile(domain, f string) error {
	return s.aliasesR.AddAliasesFile(domain, f)
}

// SetAuthFallback sets the authentication backend to use as fallback.
func (s *Server) SetAuthFallback(be auth.Backend) {
	s.authr.Fallback = be
}

// SetAliasesConfig sets the aliases configuration options.
func (s *Server) SetAliasesConfig(suffixSep, dropChars, resolveHook string) {
	s.aliasesR.SuffixSep = suffixSep
	s.aliasesR.DropChars = dropChars
	s.aliasesR.ResolveHook = resolveHook
}

// LocalDomains returns the set of domains this server considers local.
func (s *Server) LocalDomains() *set.String {
	return s.localDomains
}

// SetDomainInfo sets the domain info database to use.
func (s *Server) SetDomainInfo(dinfo *domaininfo.DB) {
	s.dinfo = dinfo
}

// SetPolicyEngine sets the policy engine invoked at each checkpoint.
func (s *Server) SetPolicyEngine(e *policy.Engine) {
	s.engine = e
}

// debugQueueOnce keeps the /debug/queue handler from being registered
// twice when tests build more than one Server.
var debugQueueOnce sync.Once

// SetPipeline wires the queue tree and the processor wake-up channels the
// receiver writes into after enqueueing. It also exposes a queue summary
// on the monitoring server.
func (s *Server) SetPipeline(q *queue.Manager, workingCh, deliveryCh chan<- string) {
	s.queues = q
	s.workingCh = workingCh
	s.deliveryCh = deliveryCh

	debugQueueOnce.Do(func() { s.registerDebugQueue(q) })
}

func (s *Server) registerDebugQueue(q *queue.Manager) {
	http.HandleFunc("/debug/queue",
		func(w http.ResponseWriter, r *http.Request) {
			for _, name := range []queue.Name{
				queue.Working, queue.Deliver, queue.Deferred, queue.Dead} {
				ids, err := q.List(name)
				if err != nil {
					fmt.Fprintf(w, "%s: error: %v\n", name, err)
					continue
				}
				fmt.Fprintf(w, "%s: %d\n", name, len(ids))
				for _, id := range ids {
					fmt.Fprintf(w, "  %s\n", id)
				}
			}
		})
}

func (s *Server) aliasResolveRPC(tr *trace.Trace, req url.Values) (url.Values, error) {
	rcpts, err := s.aliasesR.Resolve(req.Get("Address"))
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	for _, rcpt := range rcpts {
		v.Add(string(rcpt.Type), rcpt.Addr)
	}

	return v, nil
}

func (s *Server) dinfoClearRPC(tr *trace.Trace, req url.Values) (url.Values, error) {
	domain := req.Get("Domain")
	if s.dinfo == nil || !s.dinfo.Clear(domain) {
		return nil, fmt.Errorf("does not exist")
	}
	return nil, nil
}

// periodicallyReload some of the server's information that can be changed
// without the server knowing, such as aliases and the user databases.
func (s *Server) periodicallyReload() {
	if reloadEvery == nil {
		return
	}

	//lint:ignore SA1015 This lasts the program's lifetime.
	for range time.Tick(*reloadEvery) {
		s.Reload()
	}
}

// Reload the aliases and user databases.
func (s *Server) Reload() {
	// Note that any error while reloading is fatal: this way, if there is
	// an unexpected error it can be detected (and corrected) quickly,
	// instead of much later (e.g. upon restart) when it might be harder to
	// debug.
	if err := s.aliasesR.Reload(); err != nil {
		log.Fatalf("Error reloading aliases: %v", err)
	}

	if err := s.authr.Reload(); err != nil {
		log.Fatalf("Error reloading authenticators: %v", err)
	}
}

// ListenAndServe on the addresses and listeners that were previously
// added. This function will not return.
func (s *Server) ListenAndServe() {
	if len(s.tlsConfig.Certificates) == 0 {
		// At least one valid certificate is needed, for STARTTLS and user
		// authentication.
		log.Errorf("No SSL/TLS certificates found")
		log.Errorf("Ideally there should be a certificate for each MX you act as")
		log.Fatalf("At least one valid certificate is needed")
	}

	localrpc.DefaultServer.Register("AliasResolve", s.aliasResolveRPC)
	localrpc.DefaultServer.Register("DomaininfoClear", s.dinfoClearRPC)
	if s.LocalRPCPath != "" {
		go func() {
			err := localrpc.DefaultServer.ListenAndServe(s.LocalRPCPath)
			log.Errorf("Local RPC server exited: %v", err)
		}()
	}

	go s.periodicallyReload()

	for m, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening: %v", err)
			}

			log.Infof("Server listening on %s (%v)", addr, m)
			maillog.Listening(addr)
			go s.serve(l, m)
		}
	}

	for m, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (%v, via systemd)", l.Addr(), m)
			maillog.Listening(l.Addr().String())
			go s.serve(l, m)
		}
	}

	// Never return. If the serve goroutines have problems, they will abort
	// execution.
	for {
		time.Sleep(24 * time.Hour)
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	// If this mode is expected to be TLS-wrapped, make it so.
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting: %v", err)
		}

		go s.newConn(conn, mode).Handle()
	}
}

func (s *Server) newConn(conn net.Conn, mode SocketMode) *Conn {
	return &Conn{
		hostname:    s.Hostname,
		maxDataSize: s.MaxDataSize,
		maxRcpt:     s.MaxRcpt,

		framer:     ioframer.New(conn),
		mode:       mode,
		tlsConfig:  s.tlsConfig,
		onTLS:      false,
		remoteAddr: conn.RemoteAddr(),

		authr:        s.authr,
		localDomains: s.localDomains,
		aliasesR:     s.aliasesR,
		dinfo:        s.dinfo,
		engine:       s.engine,

		queues:     s.queues,
		workingCh:  s.workingCh,
		deliveryCh: s.deliveryCh,

		localKind: s.LocalTransfer,
		smartHost: s.SmartHost,

		allowPlaintextAuth: s.AllowPlaintextAuth,

		budget:   s.Budget,
		replies:  NewReplyTable(s.ReplyOverrides),
		timeouts: s.Timeouts,
		deadline: time.Now().Add(s.connTimeout),

		haproxyEnabled: s.HAProxyEnabled,
	}
}

// ParseLocalTransfer maps a config string to a local transfer kind.
func ParseLocalTransfer(v string) (mailctx.TransferKind, error) {
	switch strings.ToLower(v) {
	case "", "maildir":
		return mailctx.TransferMaildir, nil
	case "mbox":
		return mailctx.TransferMbox, nil
	case "pipe":
		return mailctx.TransferPipe, nil
	case "none":
		return mailctx.TransferNone, nil
	}
	return "", fmt.Errorf("unknown local transfer method %q", v)
}
