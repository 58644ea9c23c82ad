// Package config handles pereader.toml configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/chazu/pereader/peimage"
)

// FileName is the name of the configuration file.
const FileName = "pereader.toml"

// ErrInvalidConfig is returned when a configuration fails schema validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Config represents a pereader.toml configuration.
type Config struct {
	Reader  ReaderConfig  `toml:"reader" json:"reader"`
	Output  OutputConfig  `toml:"output" json:"output"`
	Catalog CatalogConfig `toml:"catalog" json:"catalog"`
	Log     LogConfig     `toml:"log" json:"log"`

	// Dir is the directory containing the pereader.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// ReaderConfig selects the image loading policy.
type ReaderConfig struct {
	LeaveOpen           bool `toml:"leave-open" json:"leave-open"`
	PrefetchMetadata    bool `toml:"prefetch-metadata" json:"prefetch-metadata"`
	PrefetchEntireImage bool `toml:"prefetch-entire-image" json:"prefetch-entire-image"`
	LoadedImage         bool `toml:"loaded-image" json:"loaded-image"`
}

// OutputConfig controls how reports are rendered.
type OutputConfig struct {
	Format  string `toml:"format" json:"format"`
	Digests bool   `toml:"digests" json:"digests"`
}

// CatalogConfig locates the report catalog database.
type CatalogConfig struct {
	Path string `toml:"path" json:"path"`
}

// LogConfig configures logging. Verbosity follows commonlog: 0 is notice,
// 1 info, 2 debug, negative values quieter.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" json:"verbosity"`
	File      string `toml:"file" json:"file"`
}

// Default returns the configuration used when no pereader.toml exists.
func Default() *Config {
	return &Config{
		Output: OutputConfig{
			Format:  FormatText,
			Digests: true,
		},
		Catalog: CatalogConfig{
			Path: filepath.Join(".pereader", "catalog.db"),
		},
	}
}

// Load parses a pereader.toml file from the given directory. Settings the
// file omits keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a pereader.toml file,
// then loads and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// ReaderOptions converts the [reader] table to image reader options.
func (c *Config) ReaderOptions() peimage.Options {
	var opts peimage.Options
	if c.Reader.LeaveOpen {
		opts |= peimage.LeaveOpen
	}
	if c.Reader.PrefetchMetadata {
		opts |= peimage.PrefetchMetadata
	}
	if c.Reader.PrefetchEntireImage {
		opts |= peimage.PrefetchEntireImage
	}
	if c.Reader.LoadedImage {
		opts |= peimage.IsLoadedImage
	}
	return opts
}

// CatalogPath returns the catalog database path, resolved against Dir
// when relative.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path == "" || filepath.IsAbs(c.Catalog.Path) || c.Dir == "" {
		return c.Catalog.Path
	}
	return filepath.Join(c.Dir, c.Catalog.Path)
}
