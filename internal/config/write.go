package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// sectionComments annotate the top-level keys of a written config file.
var sectionComments = map[string]string{
	"data_dir":  "Directory for the database, legacy store and inbox.",
	"db_path":   "SQLite database file. Defaults to <data_dir>/storyforge.db.",
	"legacy":    "Pre-offline project list, migrated once on first start.",
	"remote":    "Generation services. decomposer is http or anthropic.",
	"anthropic": "Claude scene decomposer, used when remote.decomposer is anthropic.",
	"sync":      "Sync engine retry, backoff and housekeeping.",
	"network":   "Reachability probe. Leave probe_url empty to assume always online.",
	"dashboard": "Live WebSocket dashboard.",
	"assets":    "Optional MinIO bucket that generated media is copied into.",
	"inbox":     "Directory watched for legacy exports to import. Empty disables it.",
	"log":       "Log file with rotation. Empty file logs to stderr only.",
}

// Marshal renders cfg as commented YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var doc yaml.Node
	if err := doc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	doc.HeadComment = "storyforge configuration\nEvery key can be overridden with STORYFORGE_<KEY>, dots replaced by underscores."

	// Mapping content alternates key and value nodes.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if c, ok := sectionComments[key.Value]; ok {
			key.HeadComment = c
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}
	return buf.Bytes(), nil
}

// ErrExists is returned by WriteFile when the target exists and force is
// false.
var ErrExists = errors.New("config file already exists")

// WriteFile writes cfg to path, creating parent directories.
func WriteFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrExists)
		}
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
