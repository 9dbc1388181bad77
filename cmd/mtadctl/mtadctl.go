// mtadctl is a command-line utility for mtad operations: user database
// management, on-disk queue inspection, and talking to the running daemon
// for alias resolution and domain info maintenance.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/term"

	"hermannmta.dev/mtad/internal/config"
	"hermannmta.dev/mtad/internal/envelope"
	"hermannmta.dev/mtad/internal/localrpc"
	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/queue"
	"hermannmta.dev/mtad/internal/userdb"
)

const usage = `mtad command-line utility.

Usage:
  mtadctl [options] user-add <user@domain> [--password=<password>] [--receive_only]
  mtadctl [options] user-remove <user@domain>
  mtadctl [options] authenticate <user@domain> [--password=<password>]
  mtadctl [options] check-userdb <domain>
  mtadctl [options] queue-list [<queue>]
  mtadctl [options] queue-show <message-id>
  mtadctl [options] queue-retry <message-id>
  mtadctl [options] aliases-resolve <address>
  mtadctl [options] domaininfo-remove <domain>
  mtadctl [options] print-config
  mtadctl --help

Options:
  -C=<path>, --config_dir=<path>  Configuration directory [default: /etc/mtad]
  --password=<password>           Password (prompted for if not given)
  --receive_only                  Add the user as receive-only (denied auth)
`

func main() {
	opts, err := docopt.ParseDoc(usage)
	if err != nil {
		fatalf("error parsing arguments: %v", err)
	}

	configDir, _ := opts.String("--config_dir")
	conf, err := config.Load(configDir+"/mtad.conf", "")
	if err != nil {
		fatalf("error loading config: %v", err)
	}
	_ = os.Chdir(configDir)

	c := &ctl{opts: opts, conf: conf}

	switch {
	case cmdBool(opts, "user-add"):
		c.userAdd()
	case cmdBool(opts, "user-remove"):
		c.userRemove()
	case cmdBool(opts, "authenticate"):
		c.authenticate()
	case cmdBool(opts, "check-userdb"):
		c.checkUserDB()
	case cmdBool(opts, "queue-list"):
		c.queueList()
	case cmdBool(opts, "queue-show"):
		c.queueShow()
	case cmdBool(opts, "queue-retry"):
		c.queueRetry()
	case cmdBool(opts, "aliases-resolve"):
		c.aliasesResolve()
	case cmdBool(opts, "domaininfo-remove"):
		c.domaininfoRemove()
	case cmdBool(opts, "print-config"):
		c.printConfig()
	}
}

func cmdBool(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type ctl struct {
	opts docopt.Opts
	conf *config.Config
}

func (c *ctl) arg(name string) string {
	v, _ := c.opts.String(name)
	return v
}

// userDBForDomain returns the userdb path for the domain.
func (c *ctl) userDBForDomain(domain string) string {
	return filepath.Join("domains", domain, "users")
}

func (c *ctl) splitUser() (string, string) {
	addr := c.arg("<user@domain>")
	user, domain := envelope.Split(addr)
	if domain == "" {
		fatalf("invalid user@domain: %q", addr)
	}

	user, err := normalize.User(user)
	if err != nil {
		fatalf("invalid user: %v", err)
	}
	domain, err = normalize.Domain(domain)
	if err != nil {
		fatalf("invalid domain: %v", err)
	}
	return user, domain
}

func (c *ctl) password() string {
	if p := c.arg("--password"); p != "" {
		return p
	}

	fmt.Printf("Password: ")
	p1, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Printf("\n")
	if err != nil {
		fatalf("error reading password: %v", err)
	}

	fmt.Printf("Confirm password: ")
	p2, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Printf("\n")
	if err != nil {
		fatalf("error reading password: %v", err)
	}

	if string(p1) != string(p2) {
		fatalf("passwords don't match")
	}
	return string(p1)
}

func (c *ctl) userAdd() {
	user, domain := c.splitUser()

	path := c.userDBForDomain(domain)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fatalf("error creating domain directory: %v", err)
	}

	db, err := userdb.Load(path)
	if err != nil {
		fatalf("error loading %q: %v", path, err)
	}

	if cmdBool(c.opts, "--receive_only") {
		err = db.AddDeniedUser(user)
	} else {
		err = db.AddUser(user, c.password())
	}
	if err != nil {
		fatalf("error adding user: %v", err)
	}

	if err := db.Write(); err != nil {
		fatalf("error writing database: %v", err)
	}
	fmt.Printf("Added user %s@%s\n", user, domain)
}

func (c *ctl) userRemove() {
	user, domain := c.splitUser()

	db, err := userdb.Load(c.userDBForDomain(domain))
	if err != nil {
		fatalf("error loading database: %v", err)
	}
	if !db.RemoveUser(user) {
		fatalf("unknown user %s@%s", user, domain)
	}
	if err := db.Write(); err != nil {
		fatalf("error writing database: %v", err)
	}
	fmt.Printf("Removed user %s@%s\n", user, domain)
}

func (c *ctl) authenticate() {
	user, domain := c.splitUser()

	db, err := userdb.Load(c.userDBForDomain(domain))
	if err != nil {
		fatalf("error loading database: %v", err)
	}
	if !db.Authenticate(user, c.password()) {
		fatalf("authentication failed")
	}
	fmt.Printf("Authentication succeeded\n")
}

func (c *ctl) checkUserDB() {
	domain, err := normalize.Domain(c.arg("<domain>"))
	if err != nil {
		fatalf("invalid domain: %v", err)
	}

	db, err := userdb.Load(c.userDBForDomain(domain))
	if err != nil {
		fatalf("error loading database: %v", err)
	}
	fmt.Printf("Database loaded (%d users)\n", db.Len())
}

func (c *ctl) spool() *queue.Manager {
	m, err := queue.Open(c.conf.DataDir + "/spool")
	if err != nil {
		fatalf("error opening spool: %v", err)
	}
	return m
}

var allQueues = []queue.Name{
	queue.Working, queue.Deliver, queue.Deferred, queue.Dead,
}

func (c *ctl) queueList() {
	m := c.spool()

	names := allQueues
	if qn := c.arg("<queue>"); qn != "" {
		names = []queue.Name{queue.Name(qn)}
	}

	for _, name := range names {
		ids, err := m.List(name)
		if err != nil {
			fatalf("error listing %s: %v", name, err)
		}
		sort.Strings(ids)

		fmt.Printf("%s (%d):\n", name, len(ids))
		for _, id := range ids {
			line := "  " + id
			if mctx, err := m.Load(name, id); err == nil {
				rcpts := []string{}
				for _, r := range mctx.Envelope.Rcpt {
					rcpts = append(rcpts, fmt.Sprintf("%s (%s)",
						r.Address, r.Status.Kind))
				}
				line += fmt.Sprintf("  from=%s  to=%s",
					mctx.Envelope.MailFrom, strings.Join(rcpts, ", "))
			}
			fmt.Println(line)
		}
	}
}

// findInQueues locates a message id across the queues.
func (c *ctl) findInQueues(m *queue.Manager, id string) (queue.Name, *mailctx.MailContext) {
	for _, name := range allQueues {
		if mctx, err := m.Load(name, id); err == nil {
			return name, mctx
		}
	}
	fatalf("message %s not found in any queue", id)
	return "", nil
}

func (c *ctl) queueShow() {
	m := c.spool()
	id := c.arg("<message-id>")

	name, mctx := c.findInQueues(m, id)
	fmt.Printf("queue: %s\n", name)

	buf, err := json.MarshalIndent(mctx, "", "  ")
	if err != nil {
		fatalf("error formatting context: %v", err)
	}
	fmt.Printf("%s\n", buf)

	if body, err := m.LoadBody(id); err == nil {
		fmt.Printf("--- body (%s) ---\n%s\n", body.Kind, body.Bytes())
	}
}

// queueRetry moves a deferred or dead message back into the deliver
// queue, resetting failed recipients so they get another attempt.
func (c *ctl) queueRetry() {
	m := c.spool()
	id := c.arg("<message-id>")

	name, mctx := c.findInQueues(m, id)
	if name != queue.Deferred && name != queue.Dead {
		fatalf("message %s is in %s; only deferred and dead entries can be retried",
			id, name)
	}

	for _, r := range mctx.Envelope.Rcpt {
		if r.Status.Kind == mailctx.StatusFailed ||
			r.Status.Kind == mailctx.StatusHeldBack {
			r.Status = mailctx.Waiting()
			r.RetryCount = 0
		}
	}
	if err := m.Save(name, mctx); err != nil {
		fatalf("error saving context: %v", err)
	}
	if err := m.Move(name, queue.Deliver, id); err != nil {
		fatalf("error moving to deliver: %v", err)
	}
	fmt.Printf("Message %s requeued for delivery\n", id)
}

func (c *ctl) aliasesResolve() {
	client := localrpc.NewClient(c.conf.DataDir + "/localrpc-v1")
	vs, err := client.Call("AliasResolve", "Address", c.arg("<address>"))
	if err != nil {
		fatalf("error resolving: %v", err)
	}

	for rType, addrs := range vs {
		for _, addr := range addrs {
			fmt.Printf("%v  %s\n", rType, addr)
		}
	}
}

func (c *ctl) domaininfoRemove() {
	client := localrpc.NewClient(c.conf.DataDir + "/localrpc-v1")
	_, err := client.Call("DomaininfoClear", "Domain", c.arg("<domain>"))
	if err != nil {
		fatalf("error removing: %v", err)
	}
	fmt.Printf("Done\n")
}

func (c *ctl) printConfig() {
	buf, err := toml.Marshal(c.conf)
	if err != nil {
		fatalf("error formatting config: %v", err)
	}
	fmt.Printf("%s", buf)
}
