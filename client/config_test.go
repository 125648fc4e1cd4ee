package client

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pip.conf")
	content := `[global]
index-url = https://mirror.example.com/pypi/
proxy = http://proxy.example.com:3128
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.IndexURL != "https://mirror.example.com/pypi" {
		t.Errorf("IndexURL = %q (trailing slash should be stripped)", cfg.IndexURL)
	}
	if cfg.Proxy != "http://proxy.example.com:3128" {
		t.Errorf("Proxy = %q", cfg.Proxy)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "pip.conf"))
	if err != nil {
		t.Fatalf("missing config should not error: %v", err)
	}
	if cfg != (Config{}) {
		t.Errorf("cfg = %+v, want zero value", cfg)
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil || cfg != (Config{}) {
		t.Errorf("LoadConfig(\"\") = %+v, %v", cfg, err)
	}
}
