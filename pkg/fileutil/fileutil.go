// Package fileutil provides the locked-file helpers binlog segments are
// created and reopened with. It thinly wraps coreos/etcd's own fileutil
// package (a plain filesystem-locking helper, unrelated to etcd's raft or
// membership machinery, which spec.md §1 keeps out of scope).
package fileutil

import (
	"os"

	"github.com/coreos/etcd/pkg/fileutil"
	"github.com/pingcap/errors"
)

// PrivateFileMode is the mode new segment files are created with.
const PrivateFileMode = 0600

// CreateDirAll creates dir (and parents) if it does not already exist.
func CreateDirAll(dir string) error {
	if fileutil.Exist(dir) {
		return nil
	}
	return errors.Trace(fileutil.CreateDirAll(dir))
}

// Exist reports whether path exists.
func Exist(path string) bool {
	return fileutil.Exist(path)
}

// LockFile opens path with flag/perm and takes an exclusive advisory
// lock, blocking until it is acquired.
func LockFile(path string, flag int, perm os.FileMode) (*fileutil.LockedFile, error) {
	f, err := fileutil.LockFile(path, flag, perm)
	return f, errors.Trace(err)
}

// TryLockFile is LockFile but fails immediately instead of blocking when
// the lock is already held.
func TryLockFile(path string, flag int, perm os.FileMode) (*fileutil.LockedFile, error) {
	f, err := fileutil.TryLockFile(path, flag, perm)
	return f, errors.Trace(err)
}
