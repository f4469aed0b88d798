package downloader

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/italolelis/manifest_syncer/internal/checksum"
	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

// NeedsUpdate reports whether entry has to be downloaded into localRoot.
func NeedsUpdate(ctx context.Context, localRoot string, entry *transfer.Entry) bool {
	dest, err := transfer.ResolvePath(localRoot, entry.RelativePath)
	if err != nil {
		return true
	}

	return needsUpdateAt(ctx, dest, entry)
}

// needsUpdateAt decides for an already resolved destination. A file that is
// present is trusted when the manifest carries no checksum; any failure while
// hashing counts as a change.
func needsUpdateAt(ctx context.Context, dest string, entry *transfer.Entry) bool {
	logger := logctx.LoggerFromContext(ctx).With("file_path", entry.RelativePath)

	info, err := os.Stat(dest)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.WarnContext(ctx, "failed to stat local file, assuming it changed", "err", err)
		} else {
			logger.DebugContext(ctx, "file is missing locally")
		}

		return true
	}

	if info.IsDir() {
		logger.WarnContext(ctx, "a directory occupies the file's path")

		return true
	}

	if !entry.HasChecksum() {
		logger.DebugContext(ctx, "file present and manifest has no checksum, keeping it")

		return false
	}

	actual, err := checksum.File(dest)
	if err != nil {
		logger.WarnContext(ctx, "failed to hash local file, assuming it changed", "err", err)

		return true
	}

	if !checksum.Equal(actual, entry.ExpectedChecksum) {
		logger.DebugContext(ctx, "checksum differs", "expected", entry.ExpectedChecksum, "actual", actual)

		return true
	}

	return false
}
