// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures.
package safeio

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"syscall"
)

// FileOp represents an operation on a file (passed by its name).
type FileOp func(fname string) error

// WriteFile writes data to a file named by filename, atomically.
// It's a wrapper to ioutil.WriteFile, but provides atomicity (and increased
// safety) by writing to a temporary file and renaming it at the end.
//
// Before the final rename, the given ops (if any) are called in sequence on
// the temporary file. If one of them fails, the temporary file is removed
// and its error returned.
//
// Note this relies on same-directory Rename being atomic, which holds in most
// reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	// Note we create the temporary file in the same directory, otherwise we
	// would have no expectation of Rename being atomic.
	// We make the file names start with "." so there's no confusion with the
	// originals.
	tmpf, err := ioutil.TempFile(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if uid, gid := getOwner(filename); uid >= 0 {
		if err = tmpf.Chown(uid, gid); err != nil {
			tmpf.Close()
			os.Remove(tmpf.Name())
			return err
		}
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	for _, op := range ops {
		if err = op(tmpf.Name()); err != nil {
			os.Remove(tmpf.Name())
			return err
		}
	}

	return os.Rename(tmpf.Name(), filename)
}

// ErrExists is returned by WriteFileExclusive and RenameExclusive when the
// destination is already present.
var ErrExists = fmt.Errorf("safeio: destination already exists")

// WriteFileExclusive is like WriteFile, but fails with ErrExists instead of
// overwriting an existing destination. Used by the queue manager to enforce
// duplicate suppression on writes: a given message_id may be present in at
// most one of the working/deliver/deferred queues at a time, so a write
// that would clobber an existing file indicates a bug upstream rather than
// something to silently paper over.
func WriteFileExclusive(filename string, data []byte, perm os.FileMode) error {
	tmpf, err := ioutil.TempFile(path.Dir(filename), "."+path.Base(filename))
	if err != nil {
		return err
	}
	tmpName := tmpf.Name()

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	// Hard-link into place instead of renaming: Link fails with EEXIST if
	// the destination is already there, giving us atomic "create, don't
	// clobber" semantics that Rename alone can't provide.
	err = os.Link(tmpName, filename)
	os.Remove(tmpName)
	if os.IsExist(err) {
		return ErrExists
	}
	return err
}

// RenameExclusive moves oldpath to newpath, failing with ErrExists instead
// of clobbering if newpath is already present. This is the queue manager's
// move-between-queues primitive: single renames when source and
// destination share a filesystem, which is required (see package queue).
func RenameExclusive(oldpath, newpath string) error {
	if _, err := os.Stat(newpath); err == nil {
		return ErrExists
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(oldpath, newpath)
}

func getOwner(fname string) (uid, gid int) {
	uid = -1
	gid = -1
	stat, err := os.Stat(fname)
	if err == nil {
		if sysstat, ok := stat.Sys().(*syscall.Stat_t); ok {
			uid = int(sysstat.Uid)
			gid = int(sysstat.Gid)
		}
	}

	return
}
