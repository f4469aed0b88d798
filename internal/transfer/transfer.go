package transfer

import (
	"context"
	"io"
	"math"
	"time"
)

// ManifestSource produces the list of files a sync target is expected to hold.
type ManifestSource interface {
	FetchManifest(ctx context.Context) ([]*Entry, error)
}

// FileClient opens a streaming read of a remote file. The returned size is the
// advertised content length, or 0 when the server does not send one.
type FileClient interface {
	GrabFile(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Entry is one file of a manifest.
type Entry struct {
	RelativePath     string
	DownloadURL      string
	ExpectedChecksum string
}

// HasChecksum reports whether the entry can be verified after download.
func (e *Entry) HasChecksum() bool {
	return e.ExpectedChecksum != ""
}

type OutcomeStatus int

const (
	OutcomeSkipped OutcomeStatus = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one manifest entry.
type Outcome struct {
	Entry    *Entry
	Status   OutcomeStatus
	Reason   string
	Err      error
	Bytes    int64
	Attempts int
}

func Skipped(entry *Entry, reason string) *Outcome {
	return &Outcome{Entry: entry, Status: OutcomeSkipped, Reason: reason}
}

func Succeeded(entry *Entry, bytes int64) *Outcome {
	return &Outcome{Entry: entry, Status: OutcomeSucceeded, Bytes: bytes}
}

func Failed(entry *Entry, err error) *Outcome {
	return &Outcome{Entry: entry, Status: OutcomeFailed, Reason: err.Error(), Err: err}
}

// Progress is emitted repeatedly while a single file is being transferred.
type Progress struct {
	RelativePath    string
	DownloadedBytes int64
	TotalBytes      int64
}

// Percent returns the rounded completion percentage. The second value is false
// when the total size is unknown.
func (p Progress) Percent() (int, bool) {
	if p.TotalBytes <= 0 {
		return 0, false
	}

	return int(math.Round(float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100)), true
}

// Report summarises one sync run.
type Report struct {
	RunID      string
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    int
	Succeeded  int
	Failed     int
	Outcomes   []*Outcome
}

// Add records an outcome and updates the counters.
func (r *Report) Add(o *Outcome) {
	r.Outcomes = append(r.Outcomes, o)

	switch o.Status {
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	}
}

// FailedOutcomes returns the failed entries with their reasons, in manifest order.
func (r *Report) FailedOutcomes() []*Outcome {
	var failed []*Outcome

	for _, o := range r.Outcomes {
		if o.Status == OutcomeFailed {
			failed = append(failed, o)
		}
	}

	return failed
}

// BytesDownloaded is the sum of bytes written by succeeded entries.
func (r *Report) BytesDownloaded() int64 {
	var total int64

	for _, o := range r.Outcomes {
		if o.Status == OutcomeSucceeded {
			total += o.Bytes
		}
	}

	return total
}

func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}

	return r.FinishedAt.Sub(r.StartedAt)
}
