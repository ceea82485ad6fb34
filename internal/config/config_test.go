package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"udpxfer/internal/digest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "udpxfer.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Addr != ":4445" || cfg.Provider.Workers != 25 {
		t.Fatalf("unexpected provider defaults %+v", cfg.Provider)
	}
	opts, err := cfg.Transfer.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.MaxPayload != 548 || opts.Hasher.Name() != digest.SHA256.Name() || opts.RecvTimeout != 5*time.Second || opts.MaxAttempts != 5 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	p := writeConfig(t, `
provider:
  addr: ":5000"
  workers: 4
transfer:
  digest: md5
  recv_timeout: 250ms
  max_attempts: 0
log:
  format: json
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Addr != ":5000" || cfg.Provider.Workers != 4 {
		t.Fatalf("provider %+v", cfg.Provider)
	}
	// untouched keys keep their defaults
	if cfg.Provider.Dir != "./data" || cfg.Transfer.MaxPayload != 548 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	opts, err := cfg.Transfer.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Hasher.Name() != digest.MD5.Name() || opts.RecvTimeout != 250*time.Millisecond || opts.MaxAttempts != 0 {
		t.Fatalf("options %+v", opts)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Workers != 25 {
		t.Fatalf("workers = %d", cfg.Provider.Workers)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "provider:\n  port: 1\n", "port"},
		{"workers", "provider:\n  workers: 0\n", "provider.workers"},
		{"payload", "transfer:\n  max_payload: 70000\n", "transfer.max_payload"},
		{"digest", "transfer:\n  digest: crc32\n", "transfer.digest"},
		{"format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}
