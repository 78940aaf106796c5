package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MrWong99/volcano/internal/track"
)

// localResolve builds a descriptor for an absolute filesystem path. Length
// is unknown until the file is demuxed, so it stays zero.
func localResolve(path string, enabled bool) ([]track.Info, error) {
	if !enabled {
		return nil, &DisabledError{Code: "LOCAL_NOT_ENABLED"}
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoMatches
		}
		return nil, fmt.Errorf("source: stat %q: %w", path, err)
	}
	return []track.Info{{
		Identifier: path,
		IsSeekable: true,
		Author:     "unknown",
		Title:      filepath.Base(path),
		URI:        path,
		SourceName: track.SourceLocal,
	}}, nil
}

// localOpen opens the file behind a local descriptor.
func localOpen(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %q: %w", path, err)
	}
	return f, nil
}
