/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Loader fills Config objects from a DataProvider. Defaults of all configs are registered
// before any of them is read, so sections may refer to each other's keys.
type Loader struct {
	DataProvider DataProvider
}

// NewDefaultLoader creates a viper-backed Loader where every key may be overridden
// by an environment variable with the given prefix.
func NewDefaultLoader(envVarsPrefix string) *Loader {
	va := NewViperAdapter()
	va.UseEnvVars(envVarsPrefix)
	return NewLoader(va)
}

// NewLoader creates a Loader on top of the given DataProvider.
func NewLoader(dp DataProvider) *Loader {
	return &Loader{DataProvider: dp}
}

// DataTypeFromPath maps a config file extension (.yaml, .yml, .json) to its DataType.
func DataTypeFromPath(path string) (DataType, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return DataTypeYAML, nil
	case ".json":
		return DataTypeJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", ext)
	}
}

// LoadFromPath reads the file at path, choosing the format by its extension, and fills the configs.
func (l *Loader) LoadFromPath(path string, cfg Config, cfgs ...Config) error {
	dataType, err := DataTypeFromPath(path)
	if err != nil {
		return err
	}
	return l.LoadFromFile(path, dataType, cfg, cfgs...)
}

// LoadFromFile reads the file at path in the given format and fills the configs.
func (l *Loader) LoadFromFile(path string, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromFile(path, dataType); err != nil {
		return err
	}
	return l.load(cfg, cfgs)
}

// LoadFromReader reads configuration data from reader in the given format and fills the configs.
func (l *Loader) LoadFromReader(reader io.Reader, dataType DataType, cfg Config, cfgs ...Config) error {
	if err := l.DataProvider.SetFromReader(reader, dataType); err != nil {
		return err
	}
	return l.load(cfg, cfgs)
}

// LoadFromEnv fills the configs from defaults and environment variables only.
func (l *Loader) LoadFromEnv(cfg Config, cfgs ...Config) error {
	return l.load(cfg, cfgs)
}

func (l *Loader) load(first Config, rest []Config) error {
	all := append([]Config{first}, rest...)
	for _, c := range all {
		c.SetProviderDefaults(providerFor(c, l.DataProvider))
	}
	for _, c := range all {
		if err := c.Set(providerFor(c, l.DataProvider)); err != nil {
			return err
		}
	}
	return nil
}
