package app

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestParseRunConfig_Defaults(t *testing.T) {
	cfg, err := parseRunConfig([]string{"--secret", "env:UPDATEGATE_SECRET"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("listen=%q", cfg.Listen)
	}
	if cfg.StoreKind != "sqlite" {
		t.Fatalf("store=%q, want sqlite", cfg.StoreKind)
	}
	if cfg.SecretHeader != "X-Webhook-Secret" {
		t.Fatalf("secret header=%q", cfg.SecretHeader)
	}
	if cfg.IDField != "update_id" {
		t.Fatalf("id field=%q", cfg.IDField)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("max body bytes=%d", cfg.MaxBodyBytes)
	}
	if cfg.DedupWindow != 10*time.Minute || cfg.DedupThreshold != 3 {
		t.Fatalf("dedup window=%v threshold=%d", cfg.DedupWindow, cfg.DedupThreshold)
	}
	if cfg.BatchSize != 16 || cfg.IdleDelay != time.Second {
		t.Fatalf("batch=%d idle=%v", cfg.BatchSize, cfg.IdleDelay)
	}
	if cfg.MaxAttempts != 0 {
		t.Fatalf("max attempts=%d, want 0 (retry forever)", cfg.MaxAttempts)
	}
}

func TestParseRunConfig_PostgresDSNImpliesStore(t *testing.T) {
	cfg, err := parseRunConfig([]string{
		"--secret", "raw:s3cret",
		"--postgres-dsn", "postgres://localhost/updategate",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.StoreKind != "postgres" {
		t.Fatalf("store=%q, want postgres", cfg.StoreKind)
	}
}

func TestParseRunConfig_Rejections(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"missing secret", nil, "--secret is required"},
		{"bad store", []string{"--secret", "raw:x", "--store", "redis"}, "invalid --store"},
		{"postgres without dsn", []string{"--secret", "raw:x", "--store", "postgres"}, "--postgres-dsn is required"},
		{"zero body limit", []string{"--secret", "raw:x", "--max-body-bytes", "0"}, "--max-body-bytes"},
		{"zero threshold", []string{"--secret", "raw:x", "--dedup-threshold", "0"}, "--dedup-threshold"},
		{"negative attempts", []string{"--secret", "raw:x", "--max-attempts", "-1"}, "--max-attempts"},
		{"positional args", []string{"--secret", "raw:x", "extra"}, "unexpected positional"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseRunConfig(tc.args, io.Discard)
			if err == nil {
				t.Fatal("parse succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "", "INFO"} {
		if _, err := parseLogLevel(level); err != nil {
			t.Fatalf("level %q: %v", level, err)
		}
	}
	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatal("level verbose accepted, want error")
	}
}
