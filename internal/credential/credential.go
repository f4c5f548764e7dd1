// Package credential resolves auth_ref values to secrets at runtime.
//
// A reference is one of:
//
//	env:NAME      environment variable NAME
//	file:/path    contents of a file, trimmed
//	keyring:key   entry in the system keyring
//	key           shorthand for keyring:key
package credential

import (
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "coupler"

// Func resolves a reference to a secret.
type Func func(ref string) (string, error)

// openKeyring returns a configured keyring instance. Tests replace it.
var openKeyring = func() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/coupler/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("coupler-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("credential: open keyring: %w", err)
	}
	return ring, nil
}

// Resolve returns the secret named by ref.
func Resolve(ref string) (string, error) {
	kind, name, ok := strings.Cut(ref, ":")
	if !ok {
		kind, name = "keyring", ref
	}
	if name == "" {
		return "", fmt.Errorf("credential: empty reference %q", ref)
	}
	switch kind {
	case "env":
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("credential: environment variable %s is not set", name)
		}
		return v, nil
	case "file":
		data, err := os.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("credential: read %s: %w", name, err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", fmt.Errorf("credential: %s is empty", name)
		}
		return v, nil
	case "keyring":
		return Get(name)
	default:
		return "", fmt.Errorf("credential: unknown reference kind %q", kind)
	}
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("credential: get %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: "coupler " + key}); err != nil {
		return fmt.Errorf("credential: set %q: %w", key, err)
	}
	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("credential: delete %q: %w", key, err)
	}
	return nil
}
