package canon

import (
	goversion "github.com/hashicorp/go-version"
)

// Stale reports whether a stored canon version is older than the current
// one, which marks its templates as re-embedding candidates during a
// version migration. Unparseable stored versions count as stale so they
// are never silently skipped.
func Stale(stored string) bool {
	if stored == Version {
		return false
	}
	current, err := goversion.NewVersion(Version)
	if err != nil {
		return false
	}
	old, err := goversion.NewVersion(stored)
	if err != nil {
		return true
	}
	return old.LessThan(current)
}
