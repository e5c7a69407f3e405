package transfer

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppendChunk appends data to the staging file at path, creating it if
// necessary. Writes are always append-only: the caller (the upload state
// machine, under the session's WriteLock) is responsible for having
// already verified that the chunk's declared offset matches the file's
// current length.
func AppendChunk(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write staging file: %w", err)
	}
	return nil
}

// StagingSize returns the on-disk length of the staging file, or 0 if it
// does not exist.
func StagingSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// DeleteStaging removes the staging file. A missing file is not an error.
func DeleteStaging(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// PromotePath computes a de-duplicated destination path under destDir for
// filename, appending "_1", "_2", ... before the extension until a free
// name is found, mirroring the download engine's completion rule.
func PromotePath(destDir, filename string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}

	candidate := filepath.Join(destDir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(filename)
	base := filename[:len(filename)-len(ext)]
	for i := 1; ; i++ {
		candidate = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}
