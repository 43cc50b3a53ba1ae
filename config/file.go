package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultImplementation is the broker implementation used when a file does
// not name one.
const DefaultImplementation = "rabbitmq"

// File represents a broker configuration file.
type File struct {
	Implementation string            `yaml:"implementation"`
	Logger         LoggerConfig      `yaml:"logger"`
	Publisher      map[string]string `yaml:"publisher"`
	Subscriber     map[string]string `yaml:"subscriber"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads a YAML configuration file. ${VAR} references are expanded from
// the environment before parsing, so secrets can stay out of the file.
// Role sections are returned as flat maps and validated by ParsePublisher
// and ParseSubscriber.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f := &File{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(f)
	return f, nil
}

func applyDefaults(f *File) {
	if f.Implementation == "" {
		f.Implementation = DefaultImplementation
	}
	if f.Logger.Level == "" {
		f.Logger.Level = "info"
	}
	if f.Logger.Format == "" {
		f.Logger.Format = "text"
	}
}

// NewLogger builds a slog logger writing to w.
func (c LoggerConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: c.SlogLevel(),
	}

	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LoggerConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
