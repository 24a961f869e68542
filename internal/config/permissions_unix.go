//go:build unix

package config

import (
	"fmt"
	"os"
)

// exposedTo describes who besides the owner can read path, or returns "" when
// nobody can. Files that cannot be inspected are not reported.
func exposedTo(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return ""
	}
	return fmt.Sprintf("mode %04o; run: chmod 600 %s", mode, path)
}
