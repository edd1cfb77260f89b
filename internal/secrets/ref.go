// Package secrets resolves secret reference strings so credentials never
// have to sit verbatim in configuration.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// Resolve loads a secret from a reference string.
//
// Supported forms:
//   - env:NAME           read from the environment
//   - file:/path/secret  read from a file, surrounding whitespace trimmed
//   - raw:literal-value  inline literal (tests/dev only)
//
// A string without a scheme prefix is returned as-is, so plain values keep
// working where a ref is accepted.
func Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrSecretRef)
	}

	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}

	switch scheme {
	case "env":
		name := strings.TrimSpace(rest)
		if name == "" {
			return "", fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		val := os.Getenv(name)
		if val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return val, nil
	case "file":
		path := strings.TrimSpace(rest)
		if path == "" {
			return "", fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
		}
		return val, nil
	case "raw":
		if rest == "" {
			return "", fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return rest, nil
	default:
		// Not a known scheme; treat the whole string as a literal. DSNs and
		// URLs contain colons and must pass through untouched.
		return ref, nil
	}
}
