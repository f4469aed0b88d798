package transfer

import "fmt"

// NetworkError represents connection failures, timeouts and unexpected HTTP
// responses while talking to the manifest server or a file host.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_manifest", "download")
	URL        string // Remote location involved
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s of %s (HTTP %d)", e.Operation, e.URL, e.StatusCode)
	}

	if e.Err != nil {
		return fmt.Sprintf("network error during %s of %s: %v", e.Operation, e.URL, e.Err)
	}

	return fmt.Sprintf("network error during %s of %s", e.Operation, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FormatError means the manifest response could not be understood: a status
// marker other than success, or a payload of the wrong shape.
type FormatError struct {
	Source string // Where the payload came from
	Reason string // Human-readable explanation
	Err    error  // Underlying decode error, if any
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid manifest from %s: %s", e.Source, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// PermissionError means the sync target cannot be written to.
type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("sync target %s is not writable: %v", e.Path, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError is returned when downloaded bytes do not hash to the
// checksum advertised by the manifest.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IOError wraps local filesystem failures (disk full, path too long, locked file).
type IOError struct {
	Operation string
	Path      string
	Err       error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("i/o error during %s: %v", e.Operation, e.Err)
	}

	return fmt.Sprintf("i/o error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
