package downloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/manifest_syncer/internal/checksum"
	"github.com/italolelis/manifest_syncer/internal/downloader/progress"
	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/telemetry"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

const (
	dirPerm            = 0755
	filePerm           = 0644
	copyBufferSize     = 32 * 1024
	progressBufferSize = 256

	ReasonChecksumMatched = "checksum matched"
	ReasonNoChecksum      = "present, no checksum to verify"
)

// Downloader brings one manifest entry up to date under a local root.
type Downloader struct {
	fc        transfer.FileClient
	telemetry *telemetry.Telemetry

	// OnProgress receives progress events on a best-effort basis: events are
	// dropped rather than waiting for a slow reader.
	OnProgress chan transfer.Progress
}

func NewDownloader(fc transfer.FileClient, tel *telemetry.Telemetry) *Downloader {
	return &Downloader{
		fc:         fc,
		telemetry:  tel,
		OnProgress: make(chan transfer.Progress, progressBufferSize),
	}
}

// Download skips the entry when the local copy is current, otherwise streams it
// from the remote and verifies it. Every failure is reported through the
// outcome, never as a panic or a returned error.
func (d *Downloader) Download(ctx context.Context, localRoot string, entry *transfer.Entry) *transfer.Outcome {
	logger := logctx.LoggerFromContext(ctx).With("file_path", entry.RelativePath)

	dest, err := transfer.ResolvePath(localRoot, entry.RelativePath)
	if err != nil {
		logger.ErrorContext(ctx, "refusing manifest path", "err", err)

		return transfer.Failed(entry, err)
	}

	if !needsUpdateAt(ctx, dest, entry) {
		reason := ReasonChecksumMatched
		if !entry.HasChecksum() {
			reason = ReasonNoChecksum
		}

		logger.DebugContext(ctx, "file is up to date, skipping", "reason", reason)

		return transfer.Skipped(entry, reason)
	}

	var written int64

	err = d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (int64, error) {
		var err error
		written, err = d.fetch(ctx, dest, entry, logger)

		return written, err
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to download file", "url", entry.DownloadURL, "err", err)

		return transfer.Failed(entry, err)
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", dest, "size", humanize.Bytes(uint64(written)))

	return transfer.Succeeded(entry, written)
}

// fetch streams the remote file into a uniquely named sibling of dest and only
// moves it into place once it has been verified. Concurrent downloads of the
// same destination never share a staging file.
func (d *Downloader) fetch(ctx context.Context, dest string, entry *transfer.Entry, logger *slog.Logger) (int64, error) {
	if err := ensureTargetDir(dest); err != nil {
		return 0, err
	}

	body, total, err := d.fc.GrabFile(ctx, entry.DownloadURL)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.CreateTemp(filepath.Dir(dest), transfer.PartialPattern)
	if err != nil {
		return 0, &transfer.IOError{Operation: "create", Path: dest, Err: err}
	}

	partial := out.Name()

	written, err := d.writeFile(ctx, out, body, entry, total, logger)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = &transfer.IOError{Operation: "close", Path: partial, Err: closeErr}
	}

	if err != nil {
		removePartial(ctx, partial)

		return written, err
	}

	if err := verify(ctx, partial, entry, logger); err != nil {
		removePartial(ctx, partial)

		return written, err
	}

	if err := os.Chmod(partial, filePerm); err != nil {
		removePartial(ctx, partial)

		return written, &transfer.IOError{Operation: "chmod", Path: partial, Err: err}
	}

	if err := os.Rename(partial, dest); err != nil {
		removePartial(ctx, partial)

		return written, &transfer.IOError{Operation: "rename", Path: dest, Err: err}
	}

	return written, nil
}

func (d *Downloader) writeFile(
	ctx context.Context, out io.Writer, body io.Reader, entry *transfer.Entry, total int64, logger *slog.Logger,
) (int64, error) {
	size := "unknown"
	if total > 0 {
		size = humanize.Bytes(uint64(total))
	}

	logger.InfoContext(ctx, "downloading file", "url", entry.DownloadURL, "file_size", size)

	pr := progress.NewReader(body, total, 0, func(read int64, total int64) {
		d.emit(transfer.Progress{
			RelativePath:    entry.RelativePath,
			DownloadedBytes: read,
			TotalBytes:      total,
		})
	})

	buf := make([]byte, copyBufferSize)

	for {
		n, readErr := pr.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return pr.BytesRead(), &transfer.IOError{Operation: "write", Path: entry.RelativePath, Err: err}
			}
		}

		if errors.Is(readErr, io.EOF) {
			return pr.BytesRead(), nil
		}

		if readErr != nil {
			return pr.BytesRead(), &transfer.NetworkError{Operation: "download", URL: entry.DownloadURL, Err: readErr}
		}
	}
}

func (d *Downloader) emit(p transfer.Progress) {
	if d.OnProgress == nil {
		return
	}

	select {
	case d.OnProgress <- p:
	default:
	}
}

func verify(ctx context.Context, path string, entry *transfer.Entry, logger *slog.Logger) error {
	if !entry.HasChecksum() {
		logger.WarnContext(ctx, "manifest has no checksum, accepting file unverified")

		return nil
	}

	actual, err := checksum.File(path)
	if err != nil {
		return err
	}

	if !checksum.Equal(actual, entry.ExpectedChecksum) {
		return &transfer.ChecksumMismatchError{
			Path:     entry.RelativePath,
			Expected: entry.ExpectedChecksum,
			Actual:   actual,
		}
	}

	logger.DebugContext(ctx, "checksum verified", "checksum", actual)

	return nil
}

func ensureTargetDir(targetPath string) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &transfer.IOError{Operation: "mkdir", Path: dir, Err: err}
	}

	return nil
}

func removePartial(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial download", "path", path, "err", err)
	}
}
