package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"go.uber.org/zap"
)

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s        string
		substr   string
		expected bool
	}{
		{"Hello World", "hello", true},
		{"Hello World", "WORLD", true},
		{"Hello World", "xyz", false},
		{"", "", true},
		{"abc", "", true},
		{"", "abc", false},
		{"connection refused", "Connection Refused", true},
	}

	for _, tt := range tests {
		t.Run(tt.s+"_"+tt.substr, func(t *testing.T) {
			result := containsIgnoreCase(tt.s, tt.substr)
			if result != tt.expected {
				t.Errorf("containsIgnoreCase(%q, %q) = %v, want %v", tt.s, tt.substr, result, tt.expected)
			}
		})
	}
}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"refused", syscall.ECONNREFUSED, "Connection refused by NATS"},
		{"refused text", errors.New("dial tcp: connect: connection refused"), "not running"},
		{"dns", errors.New("dial tcp: lookup nats.invalid: no such host"), "Cannot resolve hostname"},
		{"auth", errors.New("nats: authorization violation"), "Authentication failed"},
		{"other", errors.New("boom"), "Failed to connect to NATS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifyConnectionError("NATS", tt.err, "127.0.0.1:4222")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifyConnectionError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifyConnectionError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil error returns empty string", nil, ""},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "locked by another process"},
		{"permission", errors.New("unable to open database file: permission denied"), "Permission denied"},
		{"full", errors.New("database or disk is full (13) (SQLITE_FULL)"), "Disk full"},
		{"corrupt", errors.New("database disk image is malformed"), "corrupted"},
		{"read only", errors.New("attempt to write a read-only database"), "read-only"},
		{"other", errors.New("boom"), "Failed to initialize SQLite"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ClassifySQLiteError(tt.err, "/data/threatwatch.db")
			if tt.contains == "" && result != "" {
				t.Errorf("ClassifySQLiteError() = %q, want empty string", result)
			}
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("ClassifySQLiteError() = %q, want to contain %q", result, tt.contains)
			}
		})
	}
}

func TestEnsureDataDirectory(t *testing.T) {
	sugar := zap.NewNop().Sugar()

	t.Run("creates nested directory", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "data", "threatwatch.db")
		if err := EnsureDataDirectory(dbPath, sugar); err != nil {
			t.Fatalf("EnsureDataDirectory() error = %v", err)
		}
		info, err := os.Stat(filepath.Dir(dbPath))
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", filepath.Dir(dbPath))
		}
		if _, err := os.Stat(filepath.Join(filepath.Dir(dbPath), ".write_test")); !os.IsNotExist(err) {
			t.Error("write probe was not removed")
		}
	})

	t.Run("in-memory needs no directory", func(t *testing.T) {
		if err := EnsureDataDirectory(":memory:", sugar); err != nil {
			t.Fatalf("EnsureDataDirectory() error = %v", err)
		}
	})
}
