package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("Expected HTTP addr ':8080', got '%s'", cfg.HTTP.Addr)
	}
	if cfg.Memory.Max != 20*1024*1024 {
		t.Errorf("Expected memory max 20MiB, got %s", cfg.Memory.Max)
	}
	if cfg.Details.Backend != "memory" {
		t.Errorf("Expected details backend 'memory', got '%s'", cfg.Details.Backend)
	}
	if cfg.Network.Timeout != 30*time.Second {
		t.Errorf("Expected network timeout 30s, got %v", cfg.Network.Timeout)
	}
	if cfg.Network.MaxRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", cfg.Network.MaxRetries)
	}
	if cfg.Env != "production" {
		t.Errorf("Expected env 'production' by default, got '%s'", cfg.Env)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PIXELGATE_ENV":                  "dev",
		"PIXELGATE_HTTP_ADDR":            ":9090",
		"PIXELGATE_MEMORY_MAX":           "64 MiB",
		"PIXELGATE_DISK_DIR":             "/var/cache/pixelgate",
		"PIXELGATE_DETAILS_BACKEND":      "badger",
		"PIXELGATE_DETAILS_TTL":          "1h",
		"PIXELGATE_REDIS_DB":             "3",
		"PIXELGATE_NETWORK_MAX_BODY":     "5MB",
		"PIXELGATE_NETWORK_BASE_BACKOFF": "250ms",
	})
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("Expected ':9090', got '%s'", cfg.HTTP.Addr)
	}
	if cfg.Memory.Max != 64*1024*1024 {
		t.Errorf("Expected 64MiB, got %d", cfg.Memory.Max)
	}
	if cfg.Disk.Dir != "/var/cache/pixelgate" {
		t.Errorf("Unexpected disk dir '%s'", cfg.Disk.Dir)
	}
	if cfg.Details.Backend != "badger" || cfg.Details.TTL != time.Hour {
		t.Errorf("Unexpected details config %+v", cfg.Details)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Expected redis db 3, got %d", cfg.Redis.DB)
	}
	if cfg.Network.MaxBody != 5_000_000 {
		t.Errorf("Expected 5MB, got %d", cfg.Network.MaxBody)
	}
	if cfg.Network.BaseBackoff != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.Network.BaseBackoff)
	}
	if cfg.Env != "dev" {
		t.Errorf("Expected env 'dev', got '%s'", cfg.Env)
	}
}

func TestLoadZeroRetries(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"PIXELGATE_NETWORK_MAX_RETRIES": "0"})
	if err != nil {
		t.Fatalf("LoadFrom() failed: %v", err)
	}
	if cfg.Network.MaxRetries != 0 {
		t.Errorf("Expected retries disabled, got %d", cfg.Network.MaxRetries)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string]struct {
		environ map[string]string
		want    string
	}{
		"bad byte size": {
			environ: map[string]string{"PIXELGATE_MEMORY_MAX": "lots"},
			want:    "parse config",
		},
		"unknown backend": {
			environ: map[string]string{"PIXELGATE_DETAILS_BACKEND": "s3"},
			want:    "DETAILS_BACKEND",
		},
		"no workers": {
			environ: map[string]string{"PIXELGATE_DISK_WORKERS": "0"},
			want:    "DISK_WORKERS",
		},
		"negative retries": {
			environ: map[string]string{"PIXELGATE_NETWORK_MAX_RETRIES": "-1"},
			want:    "NETWORK_MAX_RETRIES",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(tt.environ)
			if err == nil {
				t.Fatalf("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestByteSizeString(t *testing.T) {
	if got := ByteSize(20 * 1024 * 1024).String(); got != "20 MiB" {
		t.Errorf("Expected '20 MiB', got '%s'", got)
	}
}
