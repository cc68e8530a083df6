package broker

import (
	"fmt"
	"os/user"
)

// osUserLookup resolves a uid to its passwd entry user name via the standard
// library's cgo-or-pure-Go user lookup (falls back to parsing /etc/passwd
// when cgo is unavailable, which is exactly the behavior the original's
// getpwuid_r call needs on a typical Linux host).
func osUserLookup(uid uint32) (string, error) {
	u, err := user.LookupId(fmt.Sprintf("%d", uid))
	if err != nil {
		return "", fmt.Errorf("lookup uid %d: %w", uid, err)
	}

	return u.Username, nil
}
