// Package config resolves the file system locations manyjulias works with.
// Inspect them using `manyjulias env`.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Config is built once at process start and threaded explicitly into every
// component.
type Config struct {
	// DownloadDir caches downloads: the bare source mirror, the source
	// dependency cache and the sandbox base image.
	DownloadDir string `env:"MANYJULIAS_DOWNLOAD_DIR"`

	// DataDir holds one subdirectory per pack database.
	DataDir string `env:"MANYJULIAS_DATA_DIR"`

	// SandboxStateDir is handed to the OCI runtime via --root.
	SandboxStateDir string `env:"MANYJULIAS_SANDBOX_DIR"`
}

// preference is the persisted part of the configuration. Only the data root
// can be overridden persistently; everything else is per-invocation.
type preference struct {
	DataDir string `toml:"data_dir"`
}

func preferencePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "manyjulias", "config.toml"), nil
}

// Load builds the configuration: built-in defaults, then the persisted
// preference file, then environment overrides. All three directories are
// created if missing.
func Load() (*Config, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return nil, xerrors.Errorf("locating cache dir: %w", err)
	}
	cfg := &Config{
		DownloadDir:     filepath.Join(cache, "manyjulias", "downloads"),
		DataDir:         filepath.Join(cache, "manyjulias", "data"),
		SandboxStateDir: filepath.Join(cache, "manyjulias", "sandbox"),
	}

	if fn, err := preferencePath(); err == nil {
		var pref preference
		if _, err := toml.DecodeFile(fn, &pref); err == nil && pref.DataDir != "" {
			cfg.DataDir = pref.DataDir
		} else if err != nil && !os.IsNotExist(err) {
			return nil, xerrors.Errorf("reading %s: %w", fn, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, xerrors.Errorf("environment overrides: %w", err)
	}

	for _, dir := range []string{cfg.DownloadDir, cfg.DataDir, cfg.SandboxStateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// DatabaseDir returns the directory of the named pack database, e.g.
// <data>/julia-1.10.
func (c *Config) DatabaseDir(db string) string {
	return filepath.Join(c.DataDir, db)
}

// LogDir returns the directory holding persisted build logs.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// SaveDataDir persists dir as the preferred data root for future runs.
func SaveDataDir(dir string) error {
	fn, err := preferencePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := renameio.TempFile("", fn)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if err := toml.NewEncoder(f).Encode(preference{DataDir: dir}); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}
