package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go2tv.app/screenrec/encoder"
)

const (
	outputPrefix    = "REC-"
	outputExt       = ".mp4"
	outputTimestamp = "20060102150405"
	maxNameSuffix   = 999
)

// OutputName returns the file name of a recording started at t.
func OutputName(t time.Time) string {
	return outputPrefix + t.Format(outputTimestamp) + outputExt
}

// NextOutputPath returns a path in dir for a recording started at t that
// collides with nothing on disk: no file, no work directory and no sidecar.
// Collisions get -1, -2, ... suffixes.
func NextOutputPath(dir string, t time.Time) (string, error) {
	base := outputPrefix + t.Format(outputTimestamp)
	for i := 0; i <= maxNameSuffix; i++ {
		name := base + outputExt
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, outputExt)
		}
		p := filepath.Join(dir, name)
		free, err := pathFree(p, encoder.WorkDir(p), encoder.SidecarPath(p))
		if err != nil {
			return "", err
		}
		if free {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no free output name for %s in %s", encoder.ErrFileSystem, base, dir)
}

func pathFree(paths ...string) (bool, error) {
	for _, p := range paths {
		_, err := os.Lstat(p)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("%w: %s: %w", encoder.ErrFileSystem, p, err)
		}
	}
	return true, nil
}
