package session

import (
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/bazaar/internal/config"
)

const (
	DefaultSessionName = "main"

	// EnvSession selects the session when no --session flag is given.
	EnvSession = "BAZAAR_SESSION"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Resolve picks the active session: the flag, then $BAZAAR_SESSION, then
// default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ValidateName rejects names that are unsafe as a directory under sessions/.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 of [a-z0-9_-], starting with a letter or digit", name)
	}
	return nil
}
