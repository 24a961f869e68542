//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var broadPrincipals = []string{"everyone", "authenticated users", "builtin\\users", "users"}

// exposedTo describes who besides the owner can read path, or returns "" when
// nobody can. Files that cannot be inspected are not reported.
func exposedTo(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))
	for _, principal := range broadPrincipals {
		if strings.Contains(acl, principal) {
			return fmt.Sprintf("granted to %q; run: icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"", principal, path)
		}
	}
	return ""
}
