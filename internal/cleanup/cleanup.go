package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/italolelis/manifest_syncer/internal/logctx"
	"github.com/italolelis/manifest_syncer/internal/transfer"
)

// RemoveStalePartials deletes staging files that interrupted downloads left
// anywhere below dir. Only names matching transfer.IsPartialName are touched.
// It returns how many files were removed.
func RemoveStalePartials(ctx context.Context, dir string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	removed := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // already deleted
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if !d.Type().IsRegular() || !transfer.IsPartialName(d.Name()) {
			return nil
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale partial file", "file", path, "err", err)

			return err
		}

		logger.Info("deleted stale partial file", "file", path)

		removed++

		return nil
	})

	return removed, err
}
