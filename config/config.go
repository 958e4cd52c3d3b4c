// Package config loads the cardreader YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/oo-developer/cardreader/classic"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Reader ReaderConfig `yaml:"reader"`
	Keys   KeysConfig   `yaml:"keys"`
	Store  StoreConfig  `yaml:"store"`
	Read   ReadConfig   `yaml:"read"`
	Log    LogConfig    `yaml:"log"`
	Output OutputConfig `yaml:"output"`
}

type ReaderConfig struct {
	Index         *int   `yaml:"index"`
	Name          string `yaml:"name"`
	SmartcardList string `yaml:"smartcard_list"`
}

type KeysConfig struct {
	Dirs      []string `yaml:"dirs"`
	Files     []string `yaml:"files"`
	WellKnown *bool    `yaml:"well_known"`
}

type StoreConfig struct {
	Path  string `yaml:"path"`
	Learn bool   `yaml:"learn"`
}

type ReadConfig struct {
	AuthAttemptsPerSector int `yaml:"auth_attempts_per_sector"`
	AuthAttemptSlack      int `yaml:"auth_attempt_slack"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json or auto
}

type OutputConfig struct {
	HideUID bool `yaml:"hide_uid"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Reader.Index == nil {
		idx := 0
		c.Reader.Index = &idx
	}
	if c.Keys.WellKnown == nil {
		on := true
		c.Keys.WellKnown = &on
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

func (c *Config) Validate() error {
	if c.Reader.Index != nil && *c.Reader.Index < 0 {
		return fmt.Errorf("config.reader.index must be >= 0")
	}
	if c.Read.AuthAttemptsPerSector < 0 {
		return fmt.Errorf("config.read.auth_attempts_per_sector must be >= 0")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config.log.level: %w", err)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be auto, text or json")
	}
	for i, dir := range c.Keys.Dirs {
		if err := validateDir(dir, fmt.Sprintf("config.keys.dirs[%d]", i)); err != nil {
			return err
		}
	}
	for i, file := range c.Keys.Files {
		if err := validateReadableFile(file, fmt.Sprintf("config.keys.files[%d]", i)); err != nil {
			return err
		}
	}
	if c.Store.Learn && strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("config.store.learn requires config.store.path")
	}
	return nil
}

// LogLevel returns the parsed log level. Validate has checked it.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ReaderConfig returns the read loop settings. Keys and logging are wired
// by the caller.
func (c *Config) ReaderConfig() classic.ReaderConfig {
	return classic.ReaderConfig{
		AuthAttemptsPerSector: c.Read.AuthAttemptsPerSector,
		AuthAttemptSlack:      c.Read.AuthAttemptSlack,
	}
}

func (c *Config) ExportOptions() classic.ExportOptions {
	return classic.ExportOptions{HideUID: c.Output.HideUID}
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	for i := range c.Keys.Dirs {
		c.Keys.Dirs[i] = resolvePath(configDir, c.Keys.Dirs[i])
	}
	for i := range c.Keys.Files {
		c.Keys.Files[i] = resolvePath(configDir, c.Keys.Files[i])
	}
	c.Store.Path = resolvePath(configDir, c.Store.Path)
	c.Reader.SmartcardList = resolvePath(configDir, c.Reader.SmartcardList)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

func validateDir(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s must point to a directory", field)
	}
	return nil
}
