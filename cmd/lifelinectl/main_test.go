package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/lifeline/internal/config"
	"github.com/danmuck/lifeline/internal/testutil/testlog"
)

func TestParseFlagsCredential(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envToken, "")

	opts, err := parseFlags([]string{"--token", " abc "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok, ok := opts.initialCredential().Bearer(); !ok || tok != "abc" {
		t.Fatalf("expected token credential, got %s", opts.initialCredential())
	}

	opts, err = parseFlags([]string{"--anonymous"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !opts.initialCredential().IsAbsent() {
		t.Fatalf("expected absent credential")
	}

	opts, err = parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.initialCredential().Known() {
		t.Fatalf("expected unset credential without flags")
	}

	if _, err := parseFlags([]string{"--anonymous", "--token", "abc"}); err == nil {
		t.Fatalf("expected conflict error")
	}
}

func TestParseFlagsTokenFromEnv(t *testing.T) {
	testlog.Start(t)
	t.Setenv(envToken, "from-env")
	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok, _ := opts.initialCredential().Bearer(); tok != "from-env" {
		t.Fatalf("expected env token, got %q", tok)
	}
}

func TestLoadConfigOverlays(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.WriteTemplate(path, "lifeline", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	t.Setenv("LIFELINE_INSTALLED_VERSION", "9.9.9")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}

	cfg, err := loadConfig(options{configPath: path, statusAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InstalledVersion != "9.9.9" {
		t.Fatalf("env overlay not applied: %q", cfg.InstalledVersion)
	}
	if cfg.Status.Addr != "127.0.0.1:0" {
		t.Fatalf("flag overlay not applied: %q", cfg.Status.Addr)
	}
}
