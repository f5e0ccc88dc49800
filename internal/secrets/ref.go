// Package secrets resolves secret reference strings so token values never
// have to appear verbatim in flags or config.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// ValidateRef validates a secret reference format without loading its value.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value
func ValidateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrSecretRef)
	}

	switch {
	case strings.HasPrefix(ref, "env:"):
		if strings.TrimSpace(strings.TrimPrefix(ref, "env:")) == "" {
			return fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		return nil
	case strings.HasPrefix(ref, "file:"):
		if strings.TrimSpace(strings.TrimPrefix(ref, "file:")) == "" {
			return fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		return nil
	case strings.HasPrefix(ref, "raw:"):
		if strings.TrimPrefix(ref, "raw:") == "" {
			return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme (use env:, file:, or raw:)", ErrSecretRef)
	}
}

// LoadRef loads a secret value from a reference string. raw: is intended for
// tests and dev only.
func LoadRef(ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)

	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimSpace(strings.TrimPrefix(ref, "env:"))
		val := os.Getenv(name)
		if val == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return []byte(val), nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimSpace(strings.TrimPrefix(ref, "file:"))
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
		}
		return []byte(val), nil
	default: // raw:
		return []byte(strings.TrimPrefix(ref, "raw:")), nil
	}
}

// FilePath returns the path of a file: reference, or "" when the reference
// is not file-backed. Used to decide whether rotation watching applies.
func FilePath(ref string) string {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "file:") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(ref, "file:"))
}
