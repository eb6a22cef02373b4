package config

import (
	"fmt"
	"os"
	"strings"
)

// ReadSecretFile reads a secret from a file path, trimming surrounding
// whitespace. Works with Docker secrets (/run/secrets/) and mounted
// Kubernetes secrets. A configured but unreadable or empty file is an
// error: starting without the secret would fail every request later.
func ReadSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}
