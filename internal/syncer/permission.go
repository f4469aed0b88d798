package syncer

import (
	"os"
	"path/filepath"

	"github.com/italolelis/manifest_syncer/internal/transfer"
)

const probeFileName = ".tmp_test"

// CheckWritable proves dir accepts new files by writing and removing a probe
// file in it. Any failure, including dir not existing, is a PermissionError.
func CheckWritable(dir string) error {
	probe := filepath.Join(dir, probeFileName)

	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return &transfer.PermissionError{Path: dir, Err: err}
	}

	if err := os.Remove(probe); err != nil {
		return &transfer.PermissionError{Path: dir, Err: err}
	}

	return nil
}
