package proctrack

import (
	"errors"
	"io/fs"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// ListIdentifiers returns the sorted identifiers of every PID file in dir.
// Files whose name is not a valid identifier are skipped. A missing
// directory holds no PID files.
func ListIdentifiers(fsys afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read %s: %w", dir, err)
	}
	identifiers := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, pidFileSuffix) {
			continue
		}
		identifier := strings.TrimSuffix(name, pidFileSuffix)
		if ValidateIdentifier(identifier) != nil {
			continue
		}
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	return identifiers, nil
}
