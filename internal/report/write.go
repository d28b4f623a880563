package report

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Write stores a under its Path, replacing any previous file. The content
// goes to a temp file first so a concurrent reader never sees a partial
// report; concurrent writers simply race and the last rename wins.
func Write(fs afero.Fs, a Artifact) error {
	dir := filepath.Dir(a.Path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := afero.TempFile(fs, dir, ".mediadigest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer fs.Remove(tmpName)

	if _, err := tmp.Write(a.Content); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", a.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := fs.Rename(tmpName, a.Path); err != nil {
		return fmt.Errorf("rename into %s: %w", a.Path, err)
	}
	return nil
}
