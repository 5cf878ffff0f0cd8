package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "gateman"

// ClientKeyRef is the sentinel credential source meaning the caller's own
// auth header is forwarded upstream instead of a gateway-held key.
const ClientKeyRef = "client"

// knownProviders is the list of providers checked by List().
var knownProviders = []string{"anthropic", "openai", "google", "mistral"}

// Vault provides secure API key storage using the OS keychain,
// with fallback to environment variables.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key for the given provider in the OS keychain.
func (v *Vault) Set(provider, key string) error {
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the API key for the given provider. It first checks the
// OS keychain, then falls back to the environment variable
// GATEMAN_KEY_{UPPER(provider)}.
func (v *Vault) Get(provider string) (string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, nil
	}

	// Fallback to environment variable.
	envKey := "GATEMAN_KEY_" + strings.ToUpper(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for provider %q: not in keychain and %s not set", provider, envKey)
}

// Delete removes the API key for the given provider from the OS keychain.
func (v *Vault) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the names of known providers that currently have keys stored.
// It checks both the keychain and environment variables for each provider.
func (v *Vault) List() ([]string, error) {
	var providers []string

	for _, provider := range knownProviders {
		// Check keychain.
		secret, err := keyring.Get(serviceName, provider)
		if err == nil && secret != "" {
			providers = append(providers, provider)
			continue
		}

		// Check environment variable.
		envKey := "GATEMAN_KEY_" + strings.ToUpper(provider)
		if val := os.Getenv(envKey); val != "" {
			providers = append(providers, provider)
		}
	}

	return providers, nil
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://gateman/<provider>" (preferred)
//   - "keychain:gateman/<provider>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
//   - "static:<key>" or a bare key value (discouraged outside tests)
//
// The "client" sentinel is not resolved here; callers that support
// forwarding the caller's own credentials must check ClientKeyRef first.
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	// Format 1: keyring://gateman/<provider>
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://gateman/<provider>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	// Format 2: keychain:gateman/<provider> (legacy)
	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"gateman/<provider>\")", path)
		}
		return v.Get(parts[1])
	}

	// Format 3: env:VARIABLE_NAME
	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	// Format 4: file:///path/to/key
	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	// Format 5: static:<key>
	if strings.HasPrefix(keyRef, "static:") {
		key := strings.TrimPrefix(keyRef, "static:")
		if key == "" {
			return "", fmt.Errorf("static key reference is empty")
		}
		return key, nil
	}

	// A bare value with no scheme separator is treated as the key itself.
	// Anything that looks like a scheme we do not know is rejected so typos
	// fail loudly instead of being sent upstream as a credential.
	if strings.Contains(keyRef, ":") {
		return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://gateman/<provider>\", \"env:VARIABLE_NAME\", \"file:///path/to/key\", or \"static:<key>\")", keyRef)
	}
	if keyRef == "" {
		return "", fmt.Errorf("empty key reference")
	}
	return keyRef, nil
}
