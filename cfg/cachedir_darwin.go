//go:build darwin

package cfg

import (
	"os"
	"path/filepath"
)

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "reel", "media")
	}
	return filepath.Join(home, "Library", "Caches", "Reel", "media")
}
