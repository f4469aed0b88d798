// Package checksum computes the content digests manifests use to describe files.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/italolelis/manifest_syncer/internal/transfer"
)

// Digest streams r through MD5 and returns the lowercase hex digest.
func Digest(r io.Reader) (string, error) {
	sum, err := digest(r)
	if err != nil {
		return "", &transfer.IOError{Operation: "digest", Err: err}
	}

	return sum, nil
}

// File returns the hex digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &transfer.IOError{Operation: "digest", Path: path, Err: err}
	}
	defer f.Close()

	sum, err := digest(f)
	if err != nil {
		return "", &transfer.IOError{Operation: "digest", Path: path, Err: err}
	}

	return sum, nil
}

func digest(r io.Reader) (string, error) {
	h := md5.New()

	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal compares two hex digests ignoring case and surrounding whitespace.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
