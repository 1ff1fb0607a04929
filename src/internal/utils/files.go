package utils

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/maksimkurb/fwsync/src/internal/log"
)

const (
	replaceAttempts = 5
	replaceBackoff  = 50 * time.Millisecond
)

func CloseOrWarn(file io.Closer) {
	if err := file.Close(); err != nil {
		log.Warnf("Failed to close file: %v", err)
	}
}

// ReplaceFile moves src over dst. dst is removed first, and the removal is
// retried briefly since a concurrent reader may hold it open on some platforms.
func ReplaceFile(src, dst string) error {
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		err = os.Remove(dst)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			err = nil
			break
		}
		time.Sleep(replaceBackoff)
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", dst, err)
	}

	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", src, dst, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
