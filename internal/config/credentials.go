package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrMissingCredential means the named key is unset or empty.
	ErrMissingCredential = errors.New("credential not set")
	// ErrPlaceholderCredential means the key still holds a template value.
	ErrPlaceholderCredential = errors.New("credential is a placeholder")
)

// Credentials are secrets from a dotenv file overlaid by the process
// environment. Variables already set in the environment win over the file.
type Credentials struct {
	file map[string]string
}

// LoadCredentials reads a dotenv file. A missing file yields an
// environment-only set.
func LoadCredentials(path string) (*Credentials, error) {
	c := &Credentials{file: make(map[string]string)}
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("stat env file: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse env file %s: %w", path, err)
	}
	// viper lowercases keys; env names are conventionally upper case
	for _, key := range v.AllKeys() {
		c.file[strings.ToUpper(key)] = v.GetString(key)
	}
	return c, nil
}

// Get returns the value for name, preferring the process environment.
func (c *Credentials) Get(name string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return c.file[name]
}

// RequireKey returns the value for name or an error if it is unset or
// still a template placeholder such as "your_openai_api_key_here".
func (c *Credentials) RequireKey(name string) (string, error) {
	v := strings.TrimSpace(c.Get(name))
	if v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrMissingCredential)
	}
	if IsPlaceholder(v) {
		return "", fmt.Errorf("%s: %w", name, ErrPlaceholderCredential)
	}
	return v, nil
}

// IsPlaceholder reports whether v looks like an unedited template value.
func IsPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(v, "your_") && strings.HasSuffix(v, "_here")
}
