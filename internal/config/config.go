// Package config loads optional invocation defaults from an HCL file.
// Flags always win; the file only fills in what the user did not say.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// DefaultFileName is looked up in the working directory when no
// explicit --config path is given.
const DefaultFileName = "harvault.hcl"

// Config is the root of the HCL file.
type Config struct {
	// Database is the default database path for commands that accept one.
	Database string          `hcl:"database,optional"`
	Import   *ImportDefaults `hcl:"import,block"`
	FTS      *FTSDefaults    `hcl:"fts,block"`
}

// ImportDefaults mirrors the import command's flags.
type ImportDefaults struct {
	Bodies           bool   `hcl:"bodies,optional"`
	MaxBodySize      string `hcl:"max_body_size,optional"`
	TextOnly         bool   `hcl:"text_only,optional"`
	DecompressBodies bool   `hcl:"decompress_bodies,optional"`
	KeepCompressed   bool   `hcl:"keep_compressed,optional"`
	Jobs             int    `hcl:"jobs,optional"`
	AsyncRead        bool   `hcl:"async_read,optional"`
}

// FTSDefaults mirrors the fts-rebuild flags.
type FTSDefaults struct {
	Tokenizer   string `hcl:"tokenizer,optional"`
	MaxBodySize string `hcl:"max_body_size,optional"`
}

// Load reads the config at path. An empty path tries DefaultFileName
// and treats its absence as an empty config; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	if _, err := os.Stat(path); err != nil {
		if explicit {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		return &Config{}, nil
	}

	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}
