package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("llm:\n  provider: mock\nrealtime:\n  block_interval: 10s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("llm:\n  provider: carrier-pigeon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "validate", "--config", good})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate good config: %v", err)
	}
	if !strings.Contains(out.String(), "block=10s") {
		t.Fatalf("unexpected output %q", out.String())
	}

	root = newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "validate", "--config", bad})
	if err := root.Execute(); err == nil {
		t.Fatal("expected unknown provider to fail validation")
	}
}
