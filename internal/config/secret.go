package config

import (
	"os"
	"strings"
)

// GetSecretFile reads a secret from a file path, trimming surrounding
// whitespace. Works with Docker secrets (/run/secrets/) and K8s secrets
// (mounted volumes). A missing or unreadable file yields "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
