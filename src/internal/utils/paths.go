package utils

import "path/filepath"

// ResolvePath anchors a relative path at baseDir. Absolute paths are returned
// cleaned and unchanged otherwise.
func ResolvePath(path, baseDir string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(baseDir, path))
}
