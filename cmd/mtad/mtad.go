// mtad is an SMTP (email) server: it accepts mail over SMTP, applies a
// programmable Lua policy at the protocol checkpoints, and hands accepted
// messages to a durable, filesystem-backed delivery pipeline.
package main

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hermannmta.dev/mtad/internal/config"
	"hermannmta.dev/mtad/internal/dedup"
	"hermannmta.dev/mtad/internal/delivery"
	"hermannmta.dev/mtad/internal/dkim"
	"hermannmta.dev/mtad/internal/domaininfo"
	"hermannmta.dev/mtad/internal/dovecot"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/maillog"
	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/policy"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/smtpsrv"
	"hermannmta.dev/mtad/internal/sts"
	"hermannmta.dev/mtad/internal/transport"
	"hermannmta.dev/mtad/internal/working"
	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/mtad",
		"configuration directory")
	configOverrides = flag.String("config_overrides", "",
		"override configuration values (TOML fragment)")
	showVer = flag.Bool("version", false, "show version and exit")
)

func main() {
	flag.Parse()
	log.Init()

	parseVersionInfo()
	if *showVer {
		fmt.Printf("mtad %s (source date: %s)\n", version, sourceDate)
		return
	}

	log.Infof("mtad starting (version %s)", version)

	conf, err := config.Load(*configDir+"/mtad.conf", *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	// Change to the config dir.
	// This allows us to use relative paths for configuration directories.
	// It also can be useful in unusual environments and for testing
	// purposes, where paths inside the configuration itself could be
	// relative, and this fixes the point of reference.
	err = os.Chdir(*configDir)
	if err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	initMailLog(conf.MailLogPath)

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf)
	}

	s := smtpsrv.NewServer()
	s.Hostname = conf.Hostname
	s.MaxDataSize = conf.MaxDataSizeMB * 1024 * 1024
	s.MaxRcpt = conf.MaxRecipients
	s.HAProxyEnabled = conf.HaproxyIncoming
	s.AllowPlaintextAuth = conf.AllowPlaintextAuth
	s.SmartHost = conf.SmartHost
	s.ReplyOverrides = conf.ReplyOverrides()
	s.LocalRPCPath = conf.DataDir + "/localrpc-v1"

	cmdTimeout := config.Duration(conf.CommandTimeout)
	s.Timeouts = smtpsrv.Timeouts{
		Connect:  cmdTimeout,
		Helo:     cmdTimeout,
		MailFrom: cmdTimeout,
		RcptTo:   cmdTimeout,
		Data:     config.Duration(conf.DataTimeout),
	}
	s.Budget = smtpsrv.ErrorBudget{
		SoftLimit: conf.SoftErrorLimit,
		HardLimit: conf.HardErrorLimit,
		SoftDelay: config.Duration(conf.SoftErrorDelay),
	}

	s.LocalTransfer, err = smtpsrv.ParseLocalTransfer(conf.LocalTransfer)
	if err != nil {
		log.Fatalf("Error in local_transfer: %v", err)
	}

	var suffixSep, dropChars string
	if conf.SuffixSeparators != nil {
		suffixSep = *conf.SuffixSeparators
	}
	if conf.DropCharacters != nil {
		dropChars = *conf.DropCharacters
	}
	s.SetAliasesConfig(suffixSep, dropChars, "hooks/alias-resolve")

	if conf.DovecotAuth {
		loadDovecot(s, conf.DovecotUserdbPath, conf.DovecotClientPath)
	}

	// Load certificates from "certs/<directory>/{fullchain,privkey}.pem".
	// The structure matches letsencrypt's, to make it easier for that case.
	log.Infof("Loading certificates")
	for _, name := range mustReadDir("certs/") {
		dir := filepath.Join("certs/", name)
		if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
			// Skip non-directories.
			continue
		}

		log.Infof("  %s", name)

		certPath := filepath.Join(dir, "fullchain.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		keyPath := filepath.Join(dir, "privkey.pem")
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		if err := s.AddCerts(certPath, keyPath); err != nil {
			log.Fatalf("    %v", err)
		}
	}

	// Load domains from "domains/". DKIM signers found there feed the
	// working processor, not the receiver, so collect them here.
	dkimSigners := map[string][]*dkim.Signer{}
	log.Infof("Domain config paths:")
	for _, name := range mustReadDir("domains/") {
		domain, err := normalize.Domain(name)
		if err != nil {
			log.Fatalf("Invalid name %+q: %v", name, err)
		}
		dir := filepath.Join("domains", name)
		loadDomain(domain, dir, s, dkimSigners)
	}

	// Always include localhost as local domain.
	// This can prevent potential trouble if we were to accidentally treat
	// it as a remote domain (for loops, alias resolutions, etc.).
	s.AddDomain("localhost")

	dinfo, err := domaininfo.New(conf.DataDir + "/domaininfo")
	if err != nil {
		log.Fatalf("Error opening domain info database: %v", err)
	}
	s.SetDomainInfo(dinfo)

	stsCache, err := sts.NewCache(conf.DataDir + "/sts-cache")
	if err != nil {
		log.Fatalf("Failed to initialize STS cache: %v", err)
	}
	go stsCache.PeriodicallyRefresh(context.Background())

	// The queue tree, and the channels connecting the receiver to the
	// working processor and both to delivery. Bounded: when the pipeline
	// is saturated, receivers block on the send, which caps the number of
	// in-flight messages.
	queues, err := queue.Open(conf.DataDir + "/spool")
	if err != nil {
		log.Fatalf("Error opening spool: %v", err)
	}
	workingCh := make(chan string, conf.MaxQueueItems)
	deliveryCh := make(chan string, conf.MaxQueueItems)
	s.SetPipeline(queues, workingCh, deliveryCh)

	var engine *policy.Engine
	if conf.PolicyDir != "" {
		engine = policy.New(conf.PolicyDir, net.DefaultResolver,
			policy.DirServices(conf.PolicyDir))
		s.SetPolicyEngine(engine)
	}

	var dedupCache *dedup.Cache
	if conf.RedisAddr != "" {
		dedupCache = dedup.New(conf.RedisAddr)
	}

	relay := &transport.Relay{
		HelloDomain: conf.Hostname,
		Dinfo:       dinfo,
		STSCache:    stsCache,
	}
	transports := transport.Registry{
		mailctx.TransferRelay:   relay,
		mailctx.TransferForward: relay,
		mailctx.TransferMbox:    &transport.Mbox{Dir: conf.MboxDir},
		mailctx.TransferMaildir: &transport.Maildir{
			Root: maildirRoot(conf.MaildirRoot),
		},
		mailctx.TransferPipe: &transport.Pipe{
			Binary:  conf.MailDeliveryAgentBin,
			Args:    conf.MailDeliveryAgentArgs,
			Timeout: 30 * time.Second,
		},
		mailctx.TransferNone: transport.None{},
	}

	wp := &working.Processor{
		Queues:       queues,
		Engine:       engine,
		Dedup:        dedupCache,
		Signers:      dkimSigners,
		LocalDomains: s.LocalDomains(),
		In:           workingCh,
		DeliveryCh:   deliveryCh,
	}
	go wp.Run(context.Background())

	dp := &delivery.Deliverer{
		Queues:       queues,
		Transports:   transports,
		In:           deliveryCh,
		RetryMax:     conf.DeferredRetryMax,
		RetryPeriod:  config.Duration(conf.DeferredRetryPeriod),
		Hostname:     conf.Hostname,
		LocalDomains: s.LocalDomains(),
		LocalKind:    s.LocalTransfer,
	}
	go dp.Run(context.Background())

	go signalHandler(s)

	// Load the addresses and listeners.
	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := loadAddresses(s, conf.SMTPAddress,
		systemdLs["smtp"], smtpsrv.ModeSMTP)
	naddr += loadAddresses(s, conf.SubmissionAddress,
		systemdLs["submission"], smtpsrv.ModeSubmission)
	naddr += loadAddresses(s, conf.SubmissionOverTLSAddress,
		systemdLs["submission_tls"], smtpsrv.ModeSubmissionTLS)

	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	s.ListenAndServe()
}

func loadAddresses(srv *smtpsrv.Server, addrs []string, ls []net.Listener, mode smtpsrv.SocketMode) int {
	naddr := 0
	for _, addr := range addrs {
		// The "systemd" address indicates we get listeners via systemd.
		if addr == "systemd" {
			srv.AddListeners(ls, mode)
			naddr += len(ls)
		} else {
			srv.AddAddr(addr, mode)
			naddr++
		}
	}

	if naddr == 0 {
		log.Errorf("Warning: No %v addresses/listeners", mode)
		log.Errorf("If using systemd, check that you named the sockets")
	}
	return naddr
}

// maildirRoot expands the configured per-user Maildir pattern.
func maildirRoot(pattern string) func(user string) string {
	return func(user string) string {
		return strings.Replace(pattern, "%user%", user, -1)
	}
}

func initMailLog(path string) {
	var err error

	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		var f *os.File
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
		if err == nil {
			maillog.Default = maillog.New(f)
		}
	}

	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}

func signalHandler(s *smtpsrv.Server) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for {
		switch sig := <-signals; sig {
		case syscall.SIGHUP:
			// SIGHUP triggers a reload of the aliases and user databases.
			log.Infof("SIGHUP: reloading")
			s.Reload()
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

// Helper to load a single domain configuration into the server.
func loadDomain(name, dir string, s *smtpsrv.Server, signers map[string][]*dkim.Signer) {
	log.Infof("  %s", name)
	s.AddDomain(name)

	if _, err := os.Stat(dir + "/users"); err == nil {
		log.Infof("    adding users")
		nusers, err := s.AddUserDB(name, dir+"/users")
		if err != nil {
			log.Errorf("      error: %v", err)
		} else {
			log.Infof("      %d users", nusers)
		}
	}

	if _, err := os.Stat(dir + "/aliases"); err == nil {
		log.Infof("    adding aliases")
		if err := s.AddAliasesFile(name, dir+"/aliases"); err != nil {
			log.Errorf("      error: %v", err)
		}
	}

	// DKIM keys are named "dkim:<selector>.pem".
	keys, _ := filepath.Glob(dir + "/dkim:*.pem")
	for _, keyPath := range keys {
		selector := strings.TrimPrefix(filepath.Base(keyPath), "dkim:")
		selector = strings.TrimSuffix(selector, ".pem")

		signer, err := loadDKIMKey(name, selector, keyPath)
		if err != nil {
			log.Errorf("    dkim key %q: %v", keyPath, err)
			continue
		}
		log.Infof("    dkim selector %q", selector)
		signers[name] = append(signers[name], signer)
	}
}

var (
	errDecodingPEMBlock     = fmt.Errorf("error decoding PEM block")
	errUnsupportedBlockType = fmt.Errorf("unsupported block type")
	errUnsupportedKeyType   = fmt.Errorf("unsupported key type")
)

func loadDKIMKey(domain, selector, keyPath string) (*dkim.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errDecodingPEMBlock
	}

	if strings.ToUpper(block.Type) != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: %s", errUnsupportedBlockType, block.Type)
	}

	signer, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	switch k := signer.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
		// These are supported, nothing to do.
	default:
		return nil, fmt.Errorf("%w: %T", errUnsupportedKeyType, k)
	}

	return &dkim.Signer{
		Domain:   domain,
		Selector: selector,
		Signer:   signer.(crypto.Signer),
	}, nil
}

func loadDovecot(s *smtpsrv.Server, userdbPath, client string) {
	a := dovecot.Autodetect(userdbPath, client)
	if a == nil {
		log.Errorf("Dovecot autodetection failed, no dovecot fallback")
		return
	}

	s.SetAuthFallback(a)
	log.Infof("Fallback authenticator: %v", a)
	if err := a.Check(); err != nil {
		log.Errorf("Failed dovecot authenticator check: %v", err)
	}
}

// Read a directory, which must have at least some entries.
func mustReadDir(path string) []string {
	entries, err := os.ReadDir(path)
	if err != nil {
		log.Fatalf("Error reading %q directory: %v", path, err)
	}
	if len(entries) == 0 {
		log.Fatalf("No entries found in %q", path)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
