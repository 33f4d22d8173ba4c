// Package vault resolves provider credential references. Secrets live in
// the OS keychain, the environment or a file; configuration only ever
// holds the reference.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "switchyard"

// ErrNotFound is returned when a reference points at nothing.
var ErrNotFound = errors.New("vault: credential not found")

// Vault stores keys in the OS keychain, falling back to environment
// variables named SWITCHYARD_KEY_<NAME>.
type Vault struct{}

// New creates a Vault.
func New() *Vault {
	return &Vault{}
}

// EnvName is the fallback environment variable for name.
func EnvName(name string) string {
	var b strings.Builder
	b.WriteString("SWITCHYARD_KEY_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Ref returns the keyring reference for name.
func Ref(name string) string {
	return "keyring://" + serviceName + "/" + name
}

// Set stores key for name in the OS keychain.
func (v *Vault) Set(name, key string) error {
	if name == "" {
		return fmt.Errorf("vault: name must not be empty")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("vault: key for %q must not be empty", name)
	}
	if err := keyring.Set(serviceName, name, key); err != nil {
		return fmt.Errorf("vault: storing %q: %w", name, err)
	}
	return nil
}

// Get returns the key for name from the keychain or its environment fallback.
func (v *Vault) Get(name string) (string, error) {
	secret, err := keyring.Get(serviceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}
	if val := os.Getenv(EnvName(name)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: %q is not in the keychain and %s is not set", ErrNotFound, name, EnvName(name))
}

// Delete removes name from the keychain.
func (v *Vault) Delete(name string) error {
	if err := keyring.Delete(serviceName, name); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		return fmt.Errorf("vault: deleting %q: %w", name, err)
	}
	return nil
}

// Has reports whether a key for name is available.
func (v *Vault) Has(name string) bool {
	_, err := v.Get(name)
	return err == nil
}

// Resolve returns the secret a reference points at. Supported forms:
//   - "" (no credential)
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/key"
//   - "keyring://switchyard/<name>"
//   - anything else is taken literally
func (v *Vault) Resolve(ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil

	case strings.HasPrefix(ref, "env:"):
		envVar := strings.TrimPrefix(ref, "env:")
		if envVar == "" {
			return "", fmt.Errorf("vault: empty environment variable name in %q", ref)
		}
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrNotFound, envVar)

	case strings.HasPrefix(ref, "file://"):
		path := strings.TrimPrefix(ref, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: key file %s does not exist", ErrNotFound, path)
			}
			return "", fmt.Errorf("vault: reading key file %s: %w", path, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: key file %s is empty", ErrNotFound, path)
		}
		return key, nil

	case strings.HasPrefix(ref, "keyring://"):
		service, name, ok := strings.Cut(strings.TrimPrefix(ref, "keyring://"), "/")
		if !ok || service != serviceName || name == "" {
			return "", fmt.Errorf("vault: invalid keyring reference %q (expected %q)", ref, Ref("<name>"))
		}
		return v.Get(name)

	default:
		return ref, nil
	}
}

// Describe renders ref for display without revealing a literal secret.
func Describe(ref string) string {
	switch {
	case ref == "":
		return "(none)"
	case strings.HasPrefix(ref, "env:"), strings.HasPrefix(ref, "file://"), strings.HasPrefix(ref, "keyring://"):
		return ref
	default:
		return "(literal)"
	}
}
