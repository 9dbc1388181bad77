// Package userdb implements a simple user database.
//
// # Format
//
// The user database is a JSON file mapping user names to their password
// records, each encrypted with some scheme. We write JSON instead of a
// binary encoding to make it easier for administrators to troubleshoot,
// and since performance is not an issue for our expected usage.
//
// Users must be UTF-8 and NOT contain whitespace; the library will enforce
// this.
//
// # Schemes
//
// The default scheme is bcrypt, with the library's default cost. The API
// does not allow the user to change this, at least for now. A PLAIN scheme
// is also supported for debugging purposes, and a DENIED scheme for users
// that should exist but never authenticate (e.g. receive-only addresses).
//
// # Writing
//
// Writes go through a create-temporary-then-rename, so a crashed process
// never leaves a half-written database. It is not safe for concurrent use
// from different processes.
package userdb

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"hermannmta.dev/mtad/internal/normalize"
	"hermannmta.dev/mtad/internal/safeio"
)

// Scheme of a stored password.
type Scheme string

// Supported schemes.
const (
	SchemeBcrypt Scheme = "bcrypt"
	SchemePlain  Scheme = "plain"
	SchemeDenied Scheme = "denied"
)

// Password is one stored credential.
type Password struct {
	Scheme Scheme `json:"scheme"`
	Data   string `json:"data,omitempty"`
}

// PasswordMatches checks the given plaintext against this record.
func (p *Password) PasswordMatches(plain string) bool {
	switch p.Scheme {
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword(
			[]byte(p.Data), []byte(plain)) == nil
	case SchemePlain:
		return subtle.ConstantTimeCompare(
			[]byte(p.Data), []byte(plain)) == 1
	}
	return false
}

type dbOnDisk struct {
	Users map[string]*Password `json:"users"`
}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]*Password

	// Lock protecting users.
	mu sync.RWMutex
}

// New returns a new user database, on the given file name.
func New(fname string) *DB {
	return &DB{
		fname: fname,
		users: map[string]*Password{},
	}
}

// Load the database from the given file name. A missing file is not an
// error, it's an empty database; that way callers can Load and then Write
// a new one.
func Load(fname string) (*DB, error) {
	db := New(fname)

	buf, err := os.ReadFile(fname)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return db, err
	}

	onDisk := &dbOnDisk{}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	if err := dec.Decode(onDisk); err != nil {
		return db, fmt.Errorf("error parsing %q: %v", fname, err)
	}
	if onDisk.Users != nil {
		db.users = onDisk.Users
	}

	return db, nil
}

// Reload the database from disk, replacing the in-memory contents.
func (db *DB) Reload() error {
	newDB, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newDB.users
	db.mu.Unlock()
	return nil
}

// Write the database to disk.
func (db *DB) Write() error {
	db.mu.RLock()
	buf, err := json.MarshalIndent(&dbOnDisk{Users: db.users}, "", "  ")
	db.mu.RUnlock()
	if err != nil {
		return err
	}

	return safeio.WriteFile(db.fname, append(buf, '\n'), 0660)
}

// Len returns the number of users in the database.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}

// Authenticate returns true if the password is valid for the user, false
// otherwise.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.users[name]
	if !ok {
		return false
	}
	return p.PasswordMatches(plainPassword)
}

var errInvalidUsername = errors.New("invalid username")

func validUsername(name string) (string, error) {
	name, err := normalize.User(name)
	if err != nil {
		return name, errInvalidUsername
	}
	for _, r := range name {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return name, errInvalidUsername
		}
	}
	return name, nil
}

// AddUser to the database. If the user is already present, override it.
func (db *DB) AddUser(name, plainPassword string) error {
	name, err := validUsername(name)
	if err != nil {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword(
		[]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users[name] = &Password{Scheme: SchemeBcrypt, Data: string(hashed)}
	db.mu.Unlock()
	return nil
}

// AddDeniedUser to the database: the user will exist (e.g. for recipient
// checks) but never authenticate successfully. If the user is already
// present, override it.
func (db *DB) AddDeniedUser(name string) error {
	name, err := validUsername(name)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users[name] = &Password{Scheme: SchemeDenied}
	db.mu.Unlock()
	return nil
}

// RemoveUser from the database. Returns True if the user was there, False
// otherwise.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, present := db.users[name]
	delete(db.users, name)
	return present
}

// Exists returns true if the user is on the database, false otherwise.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, present := db.users[name]
	return present
}
