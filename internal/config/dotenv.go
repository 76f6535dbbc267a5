package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first .env file found in each directory. Variables
// already present in the process environment are never overridden.
func LoadDotEnv(dirs ...string) error {
	seen := make(map[string]bool)
	for _, dir := range dirs {
		abs, err := filepath.Abs(filepath.Join(dir, ".env"))
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if _, err := os.Stat(abs); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}
