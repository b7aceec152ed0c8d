package osutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes to a temp file in the same directory and renames it over
// path, readers see either the old or the new content and never a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	_, err = tmp.Write(data)
	if err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	err = tmp.Sync()
	if err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	err = tmp.Close()
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	err = os.Chmod(tmpName, perm)
	if err != nil {
		os.Remove(tmpName)
		return err
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
