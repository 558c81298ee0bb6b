// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Resolve _FILE pointer variables from mounted secret files.
//  4. If APP_ENV != "local", resolve _SSM_PARAM pointer variables through the
//     SecretProvider (AWS SSM Parameter Store).
//  5. Use envconfig to process struct tags and populate the target struct.
//  6. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

const (
	// secretFileSuffix marks file pointers. STRIPE_SECRET_KEY_FILE=/run/secrets/stripe
	// resolves STRIPE_SECRET_KEY from that file.
	secretFileSuffix = "_FILE"

	// ssmParamSuffix marks Parameter Store pointers.
	// DATABASE_URL_SSM_PARAM=/prod/reviewdesk/database/url resolves DATABASE_URL.
	ssmParamSuffix = "_SSM_PARAM"

	// localEnv is the APP_ENV value that bypasses SSM resolution.
	localEnv = "local"
)

type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	files     SecretProvider
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		files:     NewFileSecretProvider(),
	}
}

// LoadConfig loads and validates the API configuration. provider resolves
// _SSM_PARAM pointers and is required outside the local environment whenever
// such pointers are present.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

// LoadWorkerConfig loads and validates the dead-letter worker configuration.
func LoadWorkerConfig(provider SecretProvider) (*WorkerConfig, error) {
	return loadWorkerConfigWithDeps(provider, defaultDeps())
}

func loadWorkerConfigWithDeps(provider SecretProvider, deps loaderDeps) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := load(&cfg, provider, deps); err != nil {
		return nil, err
	}
	cfg.Build = NewBuildInfo()
	return &cfg, nil
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	var cfg Config
	if err := load(&cfg, provider, deps); err != nil {
		return nil, err
	}
	cfg.Build = NewBuildInfo()
	return &cfg, nil
}

func load(target any, provider SecretProvider, deps loaderDeps) error {
	time.Local = time.UTC

	// godotenv does not override variables that are already set.
	_ = godotenv.Load()

	files := deps.files
	if files == nil {
		files = NewFileSecretProvider()
	}
	if err := resolvePointers(files, secretFileSuffix, "secret files", deps); err != nil {
		return err
	}

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolvePointers(provider, ssmParamSuffix, "SSM parameters", deps); err != nil {
			return err
		}
	}

	if err := envconfig.Process("", target); err != nil {
		return &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	validate := validator.New()
	if err := validate.Struct(target); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return nil
}

// resolvePointers scans the environment for variables ending in suffix,
// fetches the referenced secrets through provider and sets the target
// variables. A target that is already set wins over its pointer.
func resolvePointers(provider SecretProvider, suffix, source string, deps loaderDeps) error {
	keyToTarget := make(map[string]string)

	for _, entry := range deps.environ() {
		name, key, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(name, suffix) || key == "" {
			continue
		}
		target := strings.TrimSuffix(name, suffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		keyToTarget[key] = target
	}

	if len(keyToTarget) == 0 {
		return nil
	}

	keys := make([]string, 0, len(keyToTarget))
	targets := make([]string, 0, len(keyToTarget))
	for k, target := range keyToTarget {
		keys = append(keys, k)
		targets = append(targets, target)
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("a SecretProvider is required to resolve %s for: %s", source, strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, keys)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d %s", len(keys), source),
			Err:     err,
		}
	}

	var missing []string
	for key, target := range keyToTarget {
		value, ok := resolved[key]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := deps.setEnv(target, value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("%s not found for: %s", source, strings.Join(missing, ", ")),
		}
	}

	return nil
}
