package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

// targetLock keeps other processes from syncing the same root. The lock file
// lives in the OS temp dir so it never shows up inside the target.
type targetLock struct {
	flock *flock.Flock
}

func lockFilePath(root string) string {
	sum := sha256.Sum256([]byte(root))

	return filepath.Join(os.TempDir(), "manifest_syncer-"+hex.EncodeToString(sum[:8])+".lock")
}

func lockTarget(root string) (*targetLock, error) {
	fl := flock.New(lockFilePath(root))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, &transfer.IOError{Operation: "lock", Path: fl.Path(), Err: err}
	}

	if !locked {
		return nil, ErrRunInProgress
	}

	return &targetLock{flock: fl}, nil
}

func (l *targetLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}

	return l.flock.Unlock()
}
