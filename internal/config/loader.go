package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader reads configuration files relative to a base directory.
type Loader struct {
	basePath string
}

// NewLoader creates a loader resolving relative paths against basePath.
func NewLoader(basePath string) *Loader {
	if basePath == "" {
		basePath = "."
	}
	return &Loader{basePath: basePath}
}

// Load reads, expands, defaults and validates the configuration at path.
func (l *Loader) Load(path string) (*Config, error) {
	fullPath := l.resolvePath(path)

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, LoaderError{Path: fullPath, Message: "cannot read file", Cause: err}
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, LoaderError{Path: fullPath, Message: "cannot parse YAML", Cause: err}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, LoaderError{Path: fullPath, Message: "validation failed", Cause: err}
	}
	return &cfg, nil
}

func (l *Loader) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.basePath, path)
}

// LoaderError represents a configuration loading error
type LoaderError struct {
	Path    string
	Message string
	Cause   error
}

func (e LoaderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Message)
}

func (e LoaderError) Unwrap() error {
	return e.Cause
}
