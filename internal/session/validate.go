package session

import "fmt"

const maxNameLen = 64

// ValidateName checks that a session name is safe to use as a directory
// component: lowercase letters, digits, hyphen and underscore, at most 64
// characters.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("invalid session name %q: must be 1-64 characters", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("invalid session name %q: only lowercase letters, digits, '-' and '_' are allowed", name)
		}
	}
	return nil
}
