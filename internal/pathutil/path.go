// Package pathutil expands the paths commitd accepts from flags, environment
// variables and config files.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR and ${VAR} tokens and a leading "~/" (or "~\") in p.
// The result is not made absolute.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// ExpandAbs expands p and makes it absolute. An empty p stays empty.
func ExpandAbs(p string) (string, error) {
	p, err := Expand(p)
	if err != nil || p == "" {
		return p, err
	}
	return filepath.Abs(p)
}
