package fetch

import (
	"os"
	"strings"

	"github.com/JonMunkholm/geosync/internal/catalog"
)

// SecretResolver looks up source tokens by name.
type SecretResolver interface {
	Lookup(name string) (string, bool)
}

// EnvSecrets resolves tokens from the process environment.
type EnvSecrets struct{}

func (EnvSecrets) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// StaticSecrets resolves tokens from a fixed map.
type StaticSecrets map[string]string

func (s StaticSecrets) Lookup(name string) (string, bool) {
	v, ok := s[name]
	return v, ok && v != ""
}

// MissingToken reports the variable name when src needs a token that
// secrets cannot supply.
func MissingToken(src catalog.Source, secrets SecretResolver) (string, bool) {
	if !src.RequiresToken {
		return "", false
	}
	if _, ok := secrets.Lookup(src.TokenEnvVar); ok {
		return "", false
	}
	return src.TokenEnvVar, true
}
