package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

// CheckExisting returns an error if dir already holds an arbre.yml.
func CheckExisting(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		return fmt.Errorf("already initialized\n\nFound existing: %s\n\nUse 'arbre init --force' to overwrite it", ConfigFile)
	}
	return nil
}
