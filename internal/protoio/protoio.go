// Package protoio implements a small on-disk, JSON-serialized document
// store keyed by an opaque string id, used by components (like
// internal/domaininfo and the MTA-STS cache) that need a persistent
// key/value table rather than the queue package's move-between-directories
// model.
package protoio

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"hermannmta.dev/mtad/internal/safeio"
)

// Store is a directory of JSON-serialized records, one file per id.
type Store struct {
	dir string
}

// NewStore opens (creating if necessary) a Store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, sanitize(id))
}

// sanitize keeps ids from escaping the store directory; domain names are
// the expected id shape and never contain path separators, but this is
// defense in depth since ids can originate from the network.
func sanitize(id string) string {
	return strings.NewReplacer("/", "_", "\x00", "_").Replace(id)
}

// Put marshals v as JSON and atomically writes it to id's file.
func (s *Store) Put(id string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return safeio.WriteFile(s.path(id), buf, 0600)
}

// Get reads id's file and unmarshals it into v. It returns the underlying
// os error (wrapped) if id is not present.
func (s *Store) Get(id string, v any) error {
	buf, err := os.ReadFile(s.path(id))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Remove deletes id's file, if present.
func (s *Store) Remove(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListIDs returns the ids currently present in the store.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
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
