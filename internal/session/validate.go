package session

import (
	"fmt"
	"regexp"
)

// User ids double as state directory names, so they are restricted to a
// filesystem-safe charset.
var userIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateUserID checks that id is safe to use as a state dir name.
func ValidateUserID(id string) error {
	if !userIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match ^[a-zA-Z0-9_-]{1,64}$", id)
	}
	return nil
}
