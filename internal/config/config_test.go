package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	var cfg Config
	cfg.LoadDefaults()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxFileUploadAllowed != 10 {
		t.Fatalf("MaxFileUploadAllowed = %d", cfg.MaxFileUploadAllowed)
	}
	if cfg.APIKeyCacheTTL != 5*time.Minute {
		t.Fatalf("APIKeyCacheTTL = %v", cfg.APIKeyCacheTTL)
	}
	if cfg.EnableAuditSend || cfg.EnableAuditClear {
		t.Fatal("audit maintenance must be disabled by default")
	}
}

func TestJSONOverlayPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"listen_addr": ":9090", "api_key_cache_ttl": "90s", "trust_forwarded_for": false}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	cfg.LoadDefaults()
	if err := parseJSON(&cfg, path); err != nil {
		t.Fatalf("parseJSON: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.APIKeyCacheTTL != 90*time.Second {
		t.Fatalf("APIKeyCacheTTL = %v", cfg.APIKeyCacheTTL)
	}
	if cfg.TrustForwardedFor {
		t.Fatal("TrustForwardedFor should be overridden to false")
	}
	// untouched keys keep defaults
	if cfg.MaxFileUploadAllowed != 10 {
		t.Fatalf("MaxFileUploadAllowed = %d", cfg.MaxFileUploadAllowed)
	}
}

func TestJSONOverlayBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"audit_retention": "soon"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	var cfg Config
	cfg.LoadDefaults()
	if err := parseJSON(&cfg, path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	var cfg Config
	cfg.LoadDefaults()
	if err := parseFlags(&cfg, []string{"-listen", ":7070", "-enable-audit-send"}); err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if !cfg.EnableAuditSend {
		t.Fatal("EnableAuditSend should be set")
	}
}

func TestEnvDSN(t *testing.T) {
	t.Setenv("ATV_PG_DSN", "postgres://u:p@db:5432/atv")
	var cfg Config
	cfg.LoadDefaults()
	parseEnv(&cfg)
	if cfg.DatabaseDSN != "postgres://u:p@db:5432/atv" {
		t.Fatalf("DatabaseDSN = %q", cfg.DatabaseDSN)
	}
}
