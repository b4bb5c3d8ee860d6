package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvOverride(t *testing.T) {
	data := t.TempDir()
	t.Setenv("MANYJULIAS_DATA_DIR", data)
	t.Setenv("MANYJULIAS_DOWNLOAD_DIR", filepath.Join(data, "dl"))
	t.Setenv("MANYJULIAS_SANDBOX_DIR", filepath.Join(data, "sb"))
	// Keep the test from touching the real preference file:
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != data {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, data)
	}
	if got, want := cfg.DatabaseDir("julia-1.10"), filepath.Join(data, "julia-1.10"); got != want {
		t.Errorf("DatabaseDir = %q, want %q", got, want)
	}
}

func TestPersistedDataDir(t *testing.T) {
	confighome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", confighome)
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	// t.Setenv to register restoration, then unset for real:
	t.Setenv("MANYJULIAS_DATA_DIR", "")
	os.Unsetenv("MANYJULIAS_DATA_DIR")

	preferred := t.TempDir()
	if err := SaveDataDir(preferred); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != preferred {
		t.Errorf("DataDir = %q, want persisted %q", cfg.DataDir, preferred)
	}
}
