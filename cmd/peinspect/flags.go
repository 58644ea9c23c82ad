package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/pereader/config"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/tliron/commonlog"
)

// GlobalFlags are shared by every command. Flags the user sets override
// the matching pereader.toml setting.
type GlobalFlags struct {
	ConfigDir string
	Format    string
	Verbosity int
	LogFile   string
	Catalog   string

	NoDigests           bool
	PrefetchMetadata    bool
	PrefetchEntireImage bool
	LoadedImage         bool

	config *config.Config
}

// SetGlobalFlags applies the global flags
func SetGlobalFlags(flags *flag.FlagSet) *GlobalFlags {
	globalFlags := &GlobalFlags{}

	flags.StringVar(&globalFlags.ConfigDir, "config-dir", "", "Directory holding pereader.toml. Searched upward from the working directory if unset")
	flags.StringVarP(&globalFlags.Format, "output", "o", config.FormatText, "The output format to use. Can be text, json or cbor")
	flags.CountVarP(&globalFlags.Verbosity, "verbose", "v", "Increase log verbosity (repeatable)")
	flags.StringVar(&globalFlags.LogFile, "log-file", "", "Write logs to this file instead of stderr")
	flags.StringVar(&globalFlags.Catalog, "catalog", "", "Path of the report catalog database")
	flags.BoolVar(&globalFlags.NoDigests, "no-digests", false, "Skip SHA-256 digests of sections and method bodies")
	flags.BoolVar(&globalFlags.PrefetchMetadata, "prefetch-metadata", false, "Read headers and metadata up front, then release the file")
	flags.BoolVar(&globalFlags.PrefetchEntireImage, "prefetch-entire-image", false, "Read the whole image up front, then release the file")
	flags.BoolVar(&globalFlags.LoadedImage, "loaded-image", false, "Treat the file as a memory dump laid out by a loader")
	return globalFlags
}

// Load resolves the effective configuration: pereader.toml if one is found,
// defaults otherwise, then explicitly set flags on top. It also configures
// logging.
func (g *GlobalFlags) Load(cmd *cobra.Command) error {
	var c *config.Config
	var err error
	if g.ConfigDir != "" {
		c, err = config.Load(g.ConfigDir)
	} else {
		wd, werr := os.Getwd()
		if werr != nil {
			return fmt.Errorf("cannot determine working directory: %w", werr)
		}
		c, err = config.FindAndLoad(wd)
	}
	if err != nil {
		return err
	}
	if c == nil {
		c = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("output") {
		c.Output.Format = g.Format
	}
	if flags.Changed("verbose") {
		c.Log.Verbosity = min(g.Verbosity, 2)
	}
	if flags.Changed("log-file") {
		c.Log.File = g.LogFile
	}
	if flags.Changed("catalog") {
		if c.Catalog.Path, err = filepath.Abs(g.Catalog); err != nil {
			return fmt.Errorf("cannot resolve path %s: %w", g.Catalog, err)
		}
	}
	if flags.Changed("no-digests") {
		c.Output.Digests = !g.NoDigests
	}
	if flags.Changed("prefetch-metadata") {
		c.Reader.PrefetchMetadata = g.PrefetchMetadata
	}
	if flags.Changed("prefetch-entire-image") {
		c.Reader.PrefetchEntireImage = g.PrefetchEntireImage
	}
	if flags.Changed("loaded-image") {
		c.Reader.LoadedImage = g.LoadedImage
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Log.File != "" {
		commonlog.Configure(c.Log.Verbosity, &c.Log.File)
	} else {
		commonlog.Configure(c.Log.Verbosity, nil)
	}
	g.config = c
	return nil
}

// Config returns the configuration resolved by Load.
func (g *GlobalFlags) Config() *config.Config {
	if g.config == nil {
		return config.Default()
	}
	return g.config
}
