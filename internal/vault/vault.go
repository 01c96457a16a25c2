// Package vault resolves model-provider API keys through the OS keychain,
// with an environment-variable fallback so headless deployments (CI, k8s)
// work without a keyring daemon.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "c3voit"

// knownProviders are the providers c3voit's tier ladder and embedding
// layer can be configured against; List() probes exactly these.
var knownProviders = []string{"google", "anthropic", "openai", "ollama"}

// Vault provides keychain-backed API key storage.
type Vault struct{}

// New creates a Vault.
func New() *Vault {
	return &Vault{}
}

func envVarFor(provider string) string {
	return "C3VOIT_KEY_" + strings.ToUpper(provider)
}

// Set stores an API key for the given provider in the OS keychain.
func (v *Vault) Set(provider, key string) error {
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the key for a provider: keychain first, then the
// C3VOIT_KEY_{PROVIDER} environment variable.
func (v *Vault) Get(provider string) (string, error) {
	if secret, err := keyring.Get(serviceName, provider); err == nil && secret != "" {
		return secret, nil
	}
	if val := os.Getenv(envVarFor(provider)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("no key found for provider %q: not in keychain and %s not set", provider, envVarFor(provider))
}

// Delete removes the provider's key from the OS keychain.
func (v *Vault) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the known providers that currently have a key available,
// from either the keychain or the environment.
func (v *Vault) List() ([]string, error) {
	var out []string
	for _, provider := range knownProviders {
		if secret, err := keyring.Get(serviceName, provider); err == nil && secret != "" {
			out = append(out, provider)
			continue
		}
		if os.Getenv(envVarFor(provider)) != "" {
			out = append(out, provider)
		}
	}
	return out, nil
}

// providerFromPath validates a "<service>/<provider>" path from a key
// reference and returns the provider part.
func providerFromPath(path, ref string) (string, error) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
		return "", fmt.Errorf("invalid key reference %q (expected %q)", ref, "…"+serviceName+"/<provider>")
	}
	return parts[1], nil
}

// ResolveKeyRef resolves a config key reference to the key material.
// Supported schemes:
//
//	keyring://c3voit/<provider>   OS keychain (preferred)
//	keychain:c3voit/<provider>    legacy alias for the above
//	env:VARIABLE_NAME             environment variable
//	file:///path/to/key           plain-text file, trailing whitespace trimmed
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	switch {
	case strings.HasPrefix(keyRef, "keyring://"):
		provider, err := providerFromPath(strings.TrimPrefix(keyRef, "keyring://"), keyRef)
		if err != nil {
			return "", err
		}
		return v.Get(provider)

	case strings.HasPrefix(keyRef, "keychain:"):
		provider, err := providerFromPath(strings.TrimPrefix(keyRef, "keychain:"), keyRef)
		if err != nil {
			return "", err
		}
		return v.Get(provider)

	case strings.HasPrefix(keyRef, "env:"):
		name := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(name); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", name)

	case strings.HasPrefix(keyRef, "file://"):
		path := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", path, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", path)
		}
		return key, nil
	}

	return "", fmt.Errorf("unrecognized key reference %q (expected keyring://, keychain:, env:, or file://)", keyRef)
}
