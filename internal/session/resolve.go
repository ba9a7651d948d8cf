package session

import "os"

// DefaultSessionName is used when no session is selected explicitly.
const DefaultSessionName = "default"

// Resolve picks the session name: flag override first, then the
// CHATSYNC_SESSION environment variable, then the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv("CHATSYNC_SESSION"); env != "" {
		return env
	}
	return DefaultSessionName
}
