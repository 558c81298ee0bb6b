package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretProvider resolves secret references to plaintext values. Keys are
// provider-specific identifiers: file paths for FileSecretProvider, parameter
// names for SSMProvider.
type SecretProvider interface {
	// GetParametersBatch returns key -> value for every key it could
	// resolve. Unresolvable keys are omitted.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// FileSecretProvider reads secrets mounted as files (Docker or Kubernetes
// secrets in local and container runs). Trailing newlines are trimmed.
type FileSecretProvider struct {
	readFile func(name string) ([]byte, error)
}

// NewFileSecretProvider creates a FileSecretProvider backed by the OS
// filesystem.
func NewFileSecretProvider() *FileSecretProvider {
	return &FileSecretProvider{readFile: os.ReadFile}
}

func (p *FileSecretProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.readFile(key)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading secret file %s: %w", key, err)
		}
		result[key] = strings.TrimRight(string(data), "\r\n")
	}
	return result, nil
}
