package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"golang.org/x/net/idna"

	"hermannmta.dev/mtad/internal/domaininfo"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/metrics"
	"hermannmta.dev/mtad/internal/smtp"
	"hermannmta.dev/mtad/internal/sts"
	"hermannmta.dev/mtad/internal/trace"
)

// Timeouts for SMTP delivery.
var (
	dialTimeout  = 1 * time.Minute
	totalTimeout = 10 * time.Minute
)

// OutgoingPort is the port used for outgoing SMTP; tests override it.
var OutgoingPort = "25"

// netLookupMX is indirected so tests can substitute DNS resolution.
var netLookupMX = net.LookupMX

// Relay delivers mail over SMTP, either to the recipient domain's own MX
// records (when the recipient carries no explicit target) or to an
// explicit list of smarthosts (the forward transfer method). TLS is
// opportunistic, with the outcome checked against the domain's recorded
// security level and any MTA-STS policy.
type Relay struct {
	HelloDomain string
	Dinfo       *domaininfo.DB
	STSCache    *sts.PolicyCache
}

// Deliver implements Transport.
func (s *Relay) Deliver(from mailctx.Address, rcpt *mailctx.Recipient, data []byte) (error, bool) {
	to := rcpt.Address
	toDomain := to.Domain()

	a := &attempt{
		relay:    s,
		from:     from.String(),
		to:       to.String(),
		toDomain: toDomain,
		data:     data,
		tr:       trace.New("Transport.Relay", to.String()),
	}
	defer a.tr.Finish()
	a.tr.Debugf("%s  ->  %s", a.from, a.to)

	if from.IsNull() {
		a.from = ""
	}

	var mxs []string
	var err error
	var perm bool

	if len(rcpt.TransferMethod.Target) > 0 {
		mxs, perm = rcpt.TransferMethod.Target, true
	} else {
		mxs, err, perm = lookupMXs(a.tr, toDomain)
		if err != nil || len(mxs) == 0 {
			return a.tr.Errorf("could not find mail server: %v", err), perm
		}
	}

	a.stsPolicy = s.fetchSTSPolicy(a.tr, toDomain)

	for _, mx := range mxs {
		if a.stsPolicy != nil && !a.stsPolicy.MXIsAllowed(mx) {
			a.tr.Printf("%q skipped as per MTA-STS policy", mx)
			continue
		}

		var permanent bool
		err, permanent = a.deliver(mx)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues("relay", "sent").Inc()
			return nil, false
		}
		if permanent {
			metrics.DeliveryAttempts.WithLabelValues("relay", "failed").Inc()
			return err, true
		}
		a.tr.Errorf("%q returned transient error: %v", mx, err)
	}

	metrics.DeliveryAttempts.WithLabelValues("relay", "deferred").Inc()
	return a.tr.Errorf("all MXs returned transient failures (last: %v)", err), false
}

type attempt struct {
	relay *Relay

	from string
	to   string
	data []byte

	toDomain string

	stsPolicy *sts.Policy

	tr *trace.Trace
}

func (a *attempt) deliver(mx string) (error, bool) {
	skipTLS := false
retry:
	conn, err := net.DialTimeout("tcp", mx+":"+OutgoingPort, dialTimeout)
	if err != nil {
		return a.tr.Errorf("could not dial: %v", err), false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(totalTimeout))

	c, err := smtp.NewClient(conn, mx)
	if err != nil {
		return a.tr.Errorf("error creating client: %v", err), false
	}

	if err = c.Hello(a.relay.HelloDomain); err != nil {
		return a.tr.Errorf("error saying hello: %v", err), false
	}

	secLevel := domaininfo.SecLevelPlain
	if ok, _ := c.Extension("STARTTLS"); ok && !skipTLS {
		config := &tls.Config{
			ServerName:         mx,
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				secLevel = a.verifyConnection(cs)
				return nil
			},
		}

		err = c.StartTLS(config)
		if err != nil {
			a.tr.Errorf("TLS error, retrying without TLS: %v", err)
			skipTLS = true
			conn.Close()
			goto retry
		}
	} else {
		a.tr.Debugf("insecure - NOT using TLS")
	}

	if a.relay.Dinfo != nil && !a.relay.Dinfo.OutgoingSecLevel(a.toDomain, secLevel) {
		return a.tr.Errorf("security level check failed (level:%s)", secLevel), false
	}

	if a.stsPolicy != nil && a.stsPolicy.Mode == sts.Enforce {
		if secLevel != domaininfo.SecLevelTLSSecure {
			return a.tr.Errorf("invalid security level (%v) for STS policy", secLevel), false
		}
		a.tr.Debugf("STS policy: connection is using valid TLS")
	}

	if err = c.MailAndRcpt(a.from, a.to); err != nil {
		return a.tr.Errorf("MAIL+RCPT %v", err), smtp.IsPermanent(err)
	}

	w, err := c.Data()
	if err != nil {
		return a.tr.Errorf("DATA %v", err), smtp.IsPermanent(err)
	}
	_, err = w.Write(a.data)
	if err != nil {
		return a.tr.Errorf("DATA writing: %v", err), smtp.IsPermanent(err)
	}

	if err = w.Close(); err != nil {
		return a.tr.Errorf("DATA closing %v", err), smtp.IsPermanent(err)
	}

	_ = c.Quit()
	a.tr.Debugf("done")
	return nil, false
}

// certRoots lets tests override the CA roots used for verification.
var certRoots *x509.CertPool = nil

func (a *attempt) verifyConnection(cs tls.ConnectionState) domaininfo.SecLevel {
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         certRoots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)

	if err != nil {
		a.tr.Debugf("insecure - using TLS, but with an invalid cert")
		return domaininfo.SecLevelTLSInsecure
	}
	a.tr.Debugf("secure - using TLS")
	return domaininfo.SecLevelTLSSecure
}

func (s *Relay) fetchSTSPolicy(tr *trace.Trace, domain string) *sts.Policy {
	if s.STSCache == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	policy, err := s.STSCache.Fetch(ctx, domain)
	if err != nil {
		return nil
	}

	tr.Debugf("got STS policy")
	return policy
}

func lookupMXs(tr *trace.Trace, domain string) ([]string, error, bool) {
	domain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err, true
	}

	mxs := []string{}

	mxRecords, err := netLookupMX(domain)
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if !ok {
			tr.Debugf("error resolving MX on %q: %v", domain, err)
			return nil, err, false
		} else if dnsErr.IsNotFound {
			tr.Debugf("MX for %s not found, falling back to A", domain)
			mxs = []string{domain}
		} else {
			tr.Debugf("MX lookup error on %q: %v", domain, dnsErr)
			return nil, err, !dnsErr.Temporary()
		}
	} else {
		for _, r := range mxRecords {
			mxs = append(mxs, r.Host)
		}
	}

	// mxs could legitimately be empty here; RFC 5321 §5.1 says not to fall
	// back to A in that case.
	if len(mxs) > 5 {
		mxs = mxs[:5]
	}

	tr.Debugf("MXs: %v", mxs)
	return mxs, nil, true
}
