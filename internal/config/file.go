package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Write saves cfg as TOML at path, creating parent directories. The file
// is written atomically and readable only by the owner, since it may
// hold a backend token.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# contree-broker configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(sections(cfg)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install config: %w", err)
	}
	return nil
}

// sections groups the flattened settings into TOML tables. Durations are
// written as strings ("24h0m0s") so the file stays readable.
func sections(cfg Config) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, value := range flatten(cfg) {
		section, name, _ := strings.Cut(key, ".")
		if out[section] == nil {
			out[section] = make(map[string]any)
		}
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		out[section][name] = value
	}
	return out
}

// YAML renders cfg for display. The backend token is never included.
func YAML(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
