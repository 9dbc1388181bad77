// Package domaininfo implements a domain information database, to keep
// track of things we know about a particular domain -- specifically, the
// highest TLS security level ever seen on incoming and outgoing
// connections, used to detect and reject downgrade attacks.
package domaininfo

import (
	"fmt"
	"sync"

	"hermannmta.dev/mtad/internal/protoio"
	"hermannmta.dev/mtad/internal/trace"
)

// SecLevel is a TLS security level, ordered from least to most secure.
type SecLevel int

const (
	SecLevelPlain SecLevel = iota
	SecLevelTLSInsecure
	SecLevelTLSSecure
)

func (l SecLevel) String() string {
	switch l {
	case SecLevelPlain:
		return "plain"
	case SecLevelTLSInsecure:
		return "tls-insecure"
	case SecLevelTLSSecure:
		return "tls-secure"
	default:
		return fmt.Sprintf("SecLevel(%d)", int(l))
	}
}

// Domain is the persisted record of what we know about one domain.
type Domain struct {
	Name             string   `json:"name"`
	IncomingSecLevel SecLevel `json:"incoming_sec_level"`
	OutgoingSecLevel SecLevel `json:"outgoing_sec_level"`
}

// DB represents the persistent domain information database.
type DB struct {
	// Persistent store with the list of domains we know.
	store *protoio.Store

	info map[string]*Domain
	sync.Mutex
}

// New opens a domain information database on the given dir, creating it if
// necessary. The returned database has already been loaded from disk.
func New(dir string) (*DB, error) {
	st, err := protoio.NewStore(dir)
	if err != nil {
		return nil, err
	}

	l := &DB{
		store: st,
		info:  map[string]*Domain{},
	}

	err = l.Reload()
	if err != nil {
		return nil, err
	}

	return l, nil
}

// Reload the database from disk.
func (db *DB) Reload() error {
	tr := trace.New("DomainInfo.Reload", "reload")
	defer tr.Finish()

	db.Lock()
	defer db.Unlock()

	// Clear the map, in case it has data.
	db.info = map[string]*Domain{}

	ids, err := db.store.ListIDs()
	if err != nil {
		tr.Error(err)
		return err
	}

	for _, id := range ids {
		d := &Domain{}
		err := db.store.Get(id, d)
		if err != nil {
			tr.Errorf("id %q: %v", id, err)
			return fmt.Errorf("error loading %q: %v", id, err)
		}

		db.info[d.Name] = d
	}

	tr.Debugf("loaded %d domains", len(ids))
	return nil
}

func (db *DB) write(d *Domain) {
	tr := trace.New("DomainInfo.write", d.Name)
	defer tr.Finish()

	err := db.store.Put(d.Name, d)
	if err != nil {
		tr.Error(err)
	} else {
		tr.Debugf("saved")
	}
}

// IncomingSecLevel checks an incoming security level for the domain.
// Returns true if allowed, false otherwise.
func (db *DB) IncomingSecLevel(domain string, level SecLevel) bool {
	tr := trace.New("DomainInfo.Incoming", domain)
	defer tr.Finish()
	tr.Debugf("incoming at level %s", level)

	db.Lock()
	defer db.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &Domain{Name: domain}
		db.info[domain] = d
		defer db.write(d)
	}

	if level < d.IncomingSecLevel {
		tr.Errorf("%s incoming denied: %s < %s",
			d.Name, level, d.IncomingSecLevel)
		return false
	} else if level == d.IncomingSecLevel {
		tr.Debugf("%s incoming allowed: %s == %s",
			d.Name, level, d.IncomingSecLevel)
		return true
	} else {
		tr.Printf("%s incoming level raised: %s > %s",
			d.Name, level, d.IncomingSecLevel)
		d.IncomingSecLevel = level
		if exists {
			defer db.write(d)
		}
		return true
	}
}

// OutgoingSecLevel checks an outgoing security level for the domain.
// Returns true if allowed, false otherwise.
func (db *DB) OutgoingSecLevel(domain string, level SecLevel) bool {
	tr := trace.New("DomainInfo.Outgoing", domain)
	defer tr.Finish()
	tr.Debugf("outgoing at level %s", level)

	db.Lock()
	defer db.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &Domain{Name: domain}
		db.info[domain] = d
		defer db.write(d)
	}

	if level < d.OutgoingSecLevel {
		tr.Errorf("%s outgoing denied: %s < %s",
			d.Name, level, d.OutgoingSecLevel)
		return false
	} else if level == d.OutgoingSecLevel {
		tr.Debugf("%s outgoing allowed: %s == %s",
			d.Name, level, d.OutgoingSecLevel)
		return true
	} else {
		tr.Printf("%s outgoing level raised: %s > %s",
			d.Name, level, d.OutgoingSecLevel)
		d.OutgoingSecLevel = level
		if exists {
			defer db.write(d)
		}
		return true
	}
}

// Clear removes a domain from the database, dropping its recorded security
// levels. Returns false if the domain was not present.
func (db *DB) Clear(domain string) bool {
	tr := trace.New("DomainInfo.Clear", domain)
	defer tr.Finish()

	db.Lock()
	defer db.Unlock()

	if _, exists := db.info[domain]; !exists {
		tr.Debugf("not present")
		return false
	}

	delete(db.info, domain)
	if err := db.store.Remove(domain); err != nil {
		tr.Error(err)
	}
	return true
}
