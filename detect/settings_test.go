package detect

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"threatwatch/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewSettings_Defaults(t *testing.T) {
	s := testSettings(t, nil)

	assert.Equal(t, 5, s.BruteForce.Threshold)
	assert.Equal(t, 5*time.Minute, s.BruteForce.Window)
	assert.Equal(t, int64(10*1024*1024), s.ExfiltrationBytes)
	assert.True(t, s.AdminUsers.Contains("ROOT"))
	assert.False(t, s.AdminUsers.Contains("guest"))
	assert.Equal(t, 3, s.Denylist.Len())
	assert.Positive(t, s.SQLSignatures.Len())
}

func TestNewSettings_MergesListFiles(t *testing.T) {
	deny := writeFile(t, "denylist.yaml", "denylist:\n  - 192.0.2.0/24\n  - 198.51.100.9\n")
	sigs := writeFile(t, "signatures.yaml", "signatures:\n  - \"benchmark(\"\n  - 're:waitfor\\s+delay'\n")

	s := testSettings(t, func(d *config.Detection) {
		d.SuspiciousIP.File = deny
		d.SQLInjection.File = sigs
	})

	_, ok := s.Denylist.Match("192.0.2.77")
	assert.True(t, ok)
	_, ok = s.Denylist.Match("185.220.1.1")
	assert.True(t, ok, "configured entries are kept")

	pattern, ok, err := s.SQLSignatures.Match("id=1; WAITFOR   DELAY '0:0:5'")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `re:waitfor\s+delay`, pattern)
}

func TestNewSettings_Errors(t *testing.T) {
	cfg := config.Defaults()

	bad := cfg.Detection
	bad.SuspiciousIP.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewSettings(bad, time.Second)
	assert.Error(t, err)

	bad = cfg.Detection
	bad.SuspiciousIP.Denylist = []string{"10.0.0.0/99"}
	_, err = NewSettings(bad, time.Second)
	assert.Error(t, err)

	bad = cfg.Detection
	bad.SQLInjection.Signatures = []string{"re:(a+)+$"}
	_, err = NewSettings(bad, time.Second)
	assert.Error(t, err, "nested quantifiers are rejected")

	bad = cfg.Detection
	bad.GeoAnomaly.Locations = []config.GeoLocation{{CIDR: "not-a-cidr"}}
	_, err = NewSettings(bad, time.Second)
	assert.Error(t, err)
}

func TestSettingsHolder_BindSwapsOnReload(t *testing.T) {
	path := writeFile(t, "config.yaml", "detection:\n  brute_force:\n    threshold: 5\n")
	m, err := config.NewManager(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	h, err := NewSettingsHolder(m.Current())
	require.NoError(t, err)
	h.Bind(m, zap.NewNop().Sugar())
	before := h.Current()

	require.NoError(t, os.WriteFile(path, []byte("detection:\n  brute_force:\n    threshold: 9\n"), 0o600))
	require.NoError(t, m.Reload())
	assert.Equal(t, 9, h.Current().BruteForce.Threshold)
	assert.Equal(t, 5, before.BruteForce.Threshold, "snapshots are immutable")

	require.NoError(t, os.WriteFile(path, []byte("detection:\n  suspicious_ip:\n    denylist: [\"10.0.0.0/99\"]\n"), 0o600))
	assert.Error(t, m.Reload())
	assert.Equal(t, 9, h.Current().BruteForce.Threshold, "rejected reload keeps the live snapshot")
}
