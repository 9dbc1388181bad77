package transport

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/trace"
)

var errPipeTimeout = fmt.Errorf("operation timed out")

// Pipe delivers local mail by executing an external binary (procmail,
// maildrop, or any compatible LDA) and feeding it the message over stdin.
// It follows the sysexits.h convention: exit code 75 (EX_TEMPFAIL) is
// transient, anything else is permanent.
type Pipe struct {
	Binary  string        // Path to the binary.
	Args    []string      // Arguments to pass, with %from%/%to%/etc placeholders.
	Timeout time.Duration // Timeout for each invocation.
}

// Deliver implements Transport.
func (p *Pipe) Deliver(from mailctx.Address, rcpt *mailctx.Recipient, data []byte) (error, bool) {
	to := rcpt.Address
	tr := trace.New("Transport.Pipe", to.String())
	defer tr.Finish()

	fromStr := sanitizeForPipe(from.String())
	toStr := sanitizeForPipe(to.String())
	tr.Debugf("%s -> %s", fromStr, toStr)

	replacer := strings.NewReplacer(
		"%from%", fromStr,
		"%from_user%", sanitizeForPipe(from.Local()),
		"%from_domain%", sanitizeForPipe(from.Domain()),

		"%to%", toStr,
		"%to_user%", sanitizeForPipe(to.Local()),
		"%to_domain%", sanitizeForPipe(to.Domain()),
	)

	// An aliases-file pipe target carries its own command line; otherwise
	// run the configured delivery agent.
	binary := p.Binary
	var args []string
	if t := rcpt.TransferMethod.Target; len(t) > 0 {
		binary = "/bin/sh"
		args = []string{"-c", replacer.Replace(t[0])}
	} else {
		for _, a := range p.Args {
			args = append(args, replacer.Replace(a))
		}
	}
	tr.Debugf("%s %q", binary, args)

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(normalize.ToCRLF(data))

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return tr.Error(errPipeTimeout), false
	}

	if err != nil {
		permanent := true
		if exiterr, ok := err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				permanent = status.ExitStatus() != 75
			}
		}
		err = tr.Errorf("pipe delivery failed: %v - %q", err, string(output))
		return err, permanent
	}

	tr.Debugf("delivered")
	return nil, false
}

// sanitizeForPipe strips characters that would be meaningful to a shell or
// argument parser, as defense in depth: the policy engine and envelope
// parsing are what actually constrain these values.
func sanitizeForPipe(s string) string {
	valid := func(r rune) rune {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r),
			strings.ContainsRune("/;\"'\\|*&$%()[]{}`!", r):
			return rune(-1)
		default:
			return r
		}
	}
	return strings.Map(valid, s)
}
