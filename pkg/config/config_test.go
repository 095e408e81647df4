package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8010" {
		t.Errorf("HTTP.Addr = %q, want :8010", cfg.HTTP.Addr)
	}
	if cfg.Audit.Backend != "file" {
		t.Errorf("Audit.Backend = %q, want file", cfg.Audit.Backend)
	}
	if cfg.Audit.Dir != filepath.Join(".data", "audit") {
		t.Errorf("Audit.Dir = %q, want derived from data_dir", cfg.Audit.Dir)
	}
	if cfg.MinRetrievalScoreDefault != 0.15 {
		t.Errorf("MinRetrievalScoreDefault = %v, want 0.15", cfg.MinRetrievalScoreDefault)
	}
	if cfg.ExecutorTimeout != 10*time.Second {
		t.Errorf("ExecutorTimeout = %v, want 10s", cfg.ExecutorTimeout)
	}
	if cfg.AllowFaultInjection {
		t.Error("AllowFaultInjection should default to false")
	}
	if cfg.ApproverAuthEnabled() {
		t.Error("approver auth should be disabled without a secret")
	}
}

func TestLoad_EnvOverridesNestedKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SLRPD_AUDIT_BACKEND", "sqlite")
	t.Setenv("SLRPD_HTTP_ADDR", ":9999")
	t.Setenv("SLRPD_EXECUTOR_TIMEOUT", "250ms")
	t.Setenv("SLRPD_ALLOW_FAULT_INJECTION", "true")
	t.Setenv("SLRPD_DATA_DIR", "/var/lib/slrpd")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audit.Backend != "sqlite" || cfg.Audit.DSN != "/var/lib/slrpd/audit.db" {
		t.Errorf("Audit = %+v, want sqlite at /var/lib/slrpd/audit.db", cfg.Audit)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.ExecutorTimeout != 250*time.Millisecond {
		t.Errorf("ExecutorTimeout = %v", cfg.ExecutorTimeout)
	}
	if !cfg.AllowFaultInjection {
		t.Error("AllowFaultInjection should be true")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	body := "contracts_dir: /etc/slrpd/contracts\nstore:\n  backend: redis\n  redis_addr: redis:6379\narchive:\n  backend: s3\n  bucket: audit\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ContractsDir != "/etc/slrpd/contracts" {
		t.Errorf("ContractsDir = %q", cfg.ContractsDir)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "redis:6379" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Archive.Bucket != "audit" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown audit backend", map[string]string{"SLRPD_AUDIT_BACKEND": "mongo"}, "audit.backend"},
		{"postgres without dsn", map[string]string{"SLRPD_AUDIT_BACKEND": "postgres"}, "audit.dsn"},
		{"bad store backend", map[string]string{"SLRPD_STORE_BACKEND": "etcd"}, "store.backend"},
		{"score out of range", map[string]string{"SLRPD_MIN_RETRIEVAL_SCORE_DEFAULT": "1.5"}, "min_retrieval_score_default"},
		{"archive without bucket", map[string]string{"SLRPD_ARCHIVE_BACKEND": "gcs"}, "archive.bucket"},
		{"lease shorter than executor timeout", map[string]string{
			"SLRPD_STORE_BACKEND":    "redis",
			"SLRPD_STORE_LOCK_LEASE": "5s",
			"SLRPD_EXECUTOR_TIMEOUT": "10s",
		}, "store.lock_lease"},
		{"bad log level", map[string]string{"SLRPD_LOG_LEVEL": "loud"}, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
