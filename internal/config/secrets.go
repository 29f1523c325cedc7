package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveSecret reads envName, or the file named by envName+"_FILE" when
// that is set. The file wins. An unset secret is the empty string.
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	if path := os.Getenv(fileEnv); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from %s=%s: %w", fileEnv, path, err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	return os.Getenv(envName), nil
}

// Credential is a basic auth user/password pair.
type Credential struct {
	User string
	Pass string
}

// Set reports whether both parts are present.
func (c Credential) Set() bool {
	return c.User != "" && c.Pass != ""
}

// ResolveCredential reads prefix_USER and prefix_PASS, both of which accept
// the _FILE variant.
func ResolveCredential(prefix string) (Credential, error) {
	user, err := ResolveSecret(prefix + "_USER")
	if err != nil {
		return Credential{}, err
	}
	pass, err := ResolveSecret(prefix + "_PASS")
	if err != nil {
		return Credential{}, err
	}
	return Credential{User: user, Pass: pass}, nil
}
