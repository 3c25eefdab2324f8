package climulti

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// CleanupStale removes PID and output files in dir that were last
// modified more than maxAge ago. It returns how many files it removed.
func CleanupStale(fsys afero.Fs, dir string, maxAge time.Duration, clock quartz.Clock) (int, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Errorf("failed to read %s: %w", dir, err)
	}
	cutoff := clock.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".pid") || strings.HasSuffix(name, outputFileSuffix)) {
			continue
		}
		if !entry.ModTime().Before(cutoff) {
			continue
		}
		if err := fsys.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
