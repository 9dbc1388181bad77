// Package queue implements the on-disk, at-least-once hand-off between
// the SMTP receiver and the rest of the delivery pipeline: named
// directories under the spool root (working, deliver, deferred, dead,
// quarantine, plus the mails body store), with JSON-serialized contexts
// moved between them by atomic renames.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hermannmta.dev/mtad/internal/mailctx"
	"hermannmta.dev/mtad/internal/metrics"
	"hermannmta.dev/mtad/internal/safeio"
)

// Name identifies one of the spool queues.
type Name string

// The queues in the pipeline. A message id is present in at most one of
// working/deliver/deferred at any instant; dead and quarantine are
// terminal.
const (
	Working    Name = "working"
	Deliver    Name = "deliver"
	Deferred   Name = "deferred"
	Dead       Name = "dead"
	Quarantine Name = "quarantine"

	mailsDir = "mails"
)

var allQueues = []Name{Working, Deliver, Deferred, Dead}

// Manager owns the on-disk queue tree rooted at a spool directory.
type Manager struct {
	root string
}

// Open creates (if needed) the queue directory tree under root and returns
// a Manager for it.
func Open(root string) (*Manager, error) {
	m := &Manager{root: root}
	for _, q := range allQueues {
		if err := os.MkdirAll(m.dir(q), 0700); err != nil {
			return nil, fmt.Errorf("queue: creating %s: %w", q, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, mailsDir), 0700); err != nil {
		return nil, fmt.Errorf("queue: creating mails store: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, string(Quarantine)), 0700); err != nil {
		return nil, fmt.Errorf("queue: creating quarantine: %w", err)
	}
	return m, nil
}

func (m *Manager) dir(q Name) string {
	return filepath.Join(m.root, string(q))
}

// Dir returns the directory backing queue q, for inspection tools.
func (m *Manager) Dir(q Name) string { return m.dir(q) }

// Root returns the spool root directory.
func (m *Manager) Root() string { return m.root }

func (m *Manager) path(q Name, id string) string {
	return filepath.Join(m.dir(q), id)
}

// Put writes ctx as a new file in queue q, named by ctx.Metadata.MessageID.
// It fails with safeio.ErrExists if the id is already present there:
// writers must never clobber an existing entry.
func (m *Manager) Put(q Name, ctx *mailctx.MailContext) error {
	id := ctx.Metadata.MessageID
	buf, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("queue: marshaling context for %s: %w", id, err)
	}

	if err := safeio.WriteFileExclusive(m.path(q, id), buf, 0600); err != nil {
		return fmt.Errorf("queue: writing %s/%s: %w", q, id, err)
	}
	metrics.QueueWrites.WithLabelValues(string(q)).Inc()
	return nil
}

// PutQuarantine writes ctx under quarantine/<subpath>/<id>, per the
// Quarantine checkpoint verdict's arbitrary operator-chosen sub-path.
func (m *Manager) PutQuarantine(subpath, id string, ctx *mailctx.MailContext) error {
	dir := filepath.Join(m.root, string(Quarantine), sanitizeSubpath(subpath))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("queue: creating quarantine/%s: %w", subpath, err)
	}

	buf, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("queue: marshaling context for %s: %w", id, err)
	}

	if err := safeio.WriteFileExclusive(filepath.Join(dir, id), buf, 0600); err != nil {
		return fmt.Errorf("queue: writing quarantine/%s/%s: %w", subpath, id, err)
	}
	metrics.QueueWrites.WithLabelValues(string(Quarantine)).Inc()
	return nil
}

// sanitizeSubpath keeps quarantine sub-paths from escaping the quarantine
// root via ".." components; the policy engine supplies this value, so it
// is untrusted input.
func sanitizeSubpath(subpath string) string {
	clean := filepath.Clean("/" + subpath)
	return strings.TrimPrefix(clean, "/")
}

// Load reads the MailContext for id out of queue q.
func (m *Manager) Load(q Name, id string) (*mailctx.MailContext, error) {
	buf, err := os.ReadFile(m.path(q, id))
	if err != nil {
		return nil, fmt.Errorf("queue: reading %s/%s: %w", q, id, err)
	}

	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()

	ctx := &mailctx.MailContext{}
	if err := dec.Decode(ctx); err != nil {
		return nil, fmt.Errorf("queue: decoding %s/%s: %w", q, id, err)
	}
	return ctx, nil
}

// Save rewrites ctx in place in queue q (used after a policy-mutated
// context or an updated recipient status needs to be persisted without
// moving queues).
func (m *Manager) Save(q Name, ctx *mailctx.MailContext) error {
	id := ctx.Metadata.MessageID
	buf, err := json.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("queue: marshaling context for %s: %w", id, err)
	}
	// Overwrite in place: safeio.WriteFile (not the exclusive variant) is
	// correct here because this is a rewrite of a file the caller already
	// claimed by virtue of it being the sole queue process for q.
	if err := safeio.WriteFile(m.path(q, id), buf, 0600); err != nil {
		return fmt.Errorf("queue: rewriting %s/%s: %w", q, id, err)
	}
	return nil
}

// Move atomically renames id from one queue to another. It fails with
// safeio.ErrExists if id is already present in the destination, and
// requires source and destination to be on the same filesystem (both are
// subdirectories of the same spool root, so this always holds).
func (m *Manager) Move(from, to Name, id string) error {
	if err := safeio.RenameExclusive(m.path(from, id), m.path(to, id)); err != nil {
		return fmt.Errorf("queue: moving %s %s -> %s: %w", id, from, to, err)
	}
	metrics.QueueMoves.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// Remove deletes id's file from queue q. It does not touch the mails
// store; callers must call RemoveBody separately once no queue references
// id anymore.
func (m *Manager) Remove(q Name, id string) error {
	if err := os.Remove(m.path(q, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: removing %s/%s: %w", q, id, err)
	}
	return nil
}

// List returns the message ids currently present in queue q.
func (m *Manager) List(q Name) ([]string, error) {
	entries, err := os.ReadDir(m.dir(q))
	if err != nil {
		return nil, fmt.Errorf("queue: listing %s: %w", q, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// WriteBody persists the raw or parsed mail content for id in the mails
// store. It is written once, at receiver exit.
func (m *Manager) WriteBody(id string, body *mailctx.MailBody) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: marshaling body for %s: %w", id, err)
	}
	if err := safeio.WriteFile(filepath.Join(m.root, mailsDir, id), buf, 0600); err != nil {
		return fmt.Errorf("queue: writing mails/%s: %w", id, err)
	}
	return nil
}

// LoadBody reads the mail content for id out of the mails store.
func (m *Manager) LoadBody(id string) (*mailctx.MailBody, error) {
	buf, err := os.ReadFile(filepath.Join(m.root, mailsDir, id))
	if err != nil {
		return nil, fmt.Errorf("queue: reading mails/%s: %w", id, err)
	}
	body := &mailctx.MailBody{}
	if err := json.Unmarshal(buf, body); err != nil {
		return nil, fmt.Errorf("queue: decoding mails/%s: %w", id, err)
	}
	return body, nil
}

// RemoveBody deletes id's entry from the mails store. Callers must only
// do this once the last recipient has reached a terminal state.
func (m *Manager) RemoveBody(id string) error {
	err := os.Remove(filepath.Join(m.root, mailsDir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queue: removing mails/%s: %w", id, err)
	}
	return nil
}

// AllTerminal reports whether every recipient of ctx is in a terminal
// state (Sent or Failed), meaning the mails/<id> body can be garbage
// collected.
func AllTerminal(ctx *mailctx.MailContext) bool {
	for _, r := range ctx.Envelope.Rcpt {
		if !r.Status.Terminal() {
			return false
		}
	}
	return true
}
