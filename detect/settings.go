package detect

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"threatwatch/config"

	"go.uber.org/zap"
)

// WindowThreshold is a count threshold over a trailing window
type WindowThreshold struct {
	Threshold int
	Window    time.Duration
}

// Settings is an immutable, precompiled snapshot of the detection
// configuration. Evaluators only ever read it.
type Settings struct {
	BruteForce WindowThreshold

	Denylist *IPMatcher

	AdminUsers accountSet

	ExfiltrationBytes int64

	ProbePaths []string
	NotFound   WindowThreshold

	AnomalousStartHour int
	AnomalousEndHour   int
	SensitiveResources []string

	PrivilegedAccounts accountSet

	SQLSignatures *SignatureSet

	RateLimit WindowThreshold

	CredentialStuffing WindowThreshold

	GeoMaxSpeedKmh float64
	GeoWindow      time.Duration
	Geo            *GeoTable
}

// accountSet is a case-insensitive set of user names
type accountSet map[string]struct{}

func newAccountSet(names []string) accountSet {
	set := make(accountSet, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[strings.ToLower(n)] = struct{}{}
		}
	}
	return set
}

// Contains reports whether name is in the set
func (s accountSet) Contains(name string) bool {
	_, ok := s[strings.ToLower(name)]
	return ok
}

// NewSettings compiles a detection configuration. Denylist and signature
// files named in the configuration are read here, so a reload picks up
// their current contents.
func NewSettings(cfg config.Detection, regexTimeout time.Duration) (*Settings, error) {
	denyEntries, err := loadListFile(cfg.SuspiciousIP.File, "denylist")
	if err != nil {
		return nil, err
	}
	denylist, err := NewIPMatcher(append(append([]string{}, cfg.SuspiciousIP.Denylist...), denyEntries...))
	if err != nil {
		return nil, err
	}

	sigEntries, err := loadListFile(cfg.SQLInjection.File, "signatures")
	if err != nil {
		return nil, err
	}
	signatures, err := NewSignatureSet(append(append([]string{}, cfg.SQLInjection.Signatures...), sigEntries...), regexTimeout)
	if err != nil {
		return nil, err
	}

	geo, err := NewGeoTable(cfg.GeoAnomaly.Locations)
	if err != nil {
		return nil, err
	}

	if cfg.AnomalousTime.StartHour < 0 || cfg.AnomalousTime.EndHour > 24 || cfg.AnomalousTime.StartHour >= cfg.AnomalousTime.EndHour {
		return nil, fmt.Errorf("invalid anomalous time range [%d, %d)", cfg.AnomalousTime.StartHour, cfg.AnomalousTime.EndHour)
	}

	return &Settings{
		BruteForce:         WindowThreshold{Threshold: cfg.BruteForce.Threshold, Window: cfg.BruteForce.Window},
		Denylist:           denylist,
		AdminUsers:         newAccountSet(cfg.PrivilegeEscalation.AdminUsers),
		ExfiltrationBytes:  cfg.DataExfiltration.ByteThreshold,
		ProbePaths:         lowerAll(cfg.NetworkScanning.ProbePaths),
		NotFound:           WindowThreshold{Threshold: cfg.NetworkScanning.NotFoundThreshold, Window: cfg.NetworkScanning.Window},
		AnomalousStartHour: cfg.AnomalousTime.StartHour,
		AnomalousEndHour:   cfg.AnomalousTime.EndHour,
		SensitiveResources: lowerAll(cfg.AnomalousTime.SensitiveResources),
		PrivilegedAccounts: newAccountSet(cfg.PrivilegedAuth.Accounts),
		SQLSignatures:      signatures,
		RateLimit:          WindowThreshold{Threshold: cfg.APIRateLimit.Threshold, Window: cfg.APIRateLimit.Window},
		CredentialStuffing: WindowThreshold{Threshold: cfg.CredentialStuffing.UniqueUsers, Window: cfg.CredentialStuffing.Window},
		GeoMaxSpeedKmh:     cfg.GeoAnomaly.MaxSpeedKmh,
		GeoWindow:          cfg.GeoAnomaly.Window,
		Geo:                geo,
	}, nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, strings.ToLower(v))
		}
	}
	return out
}

// SettingsProvider hands out the current snapshot
type SettingsProvider interface {
	Current() *Settings
}

// SettingsHolder keeps the live snapshot and swaps it atomically on reload
type SettingsHolder struct {
	current atomic.Pointer[Settings]
}

// NewSettingsHolder compiles cfg into the initial snapshot
func NewSettingsHolder(cfg *config.Config) (*SettingsHolder, error) {
	s, err := NewSettings(cfg.Detection, cfg.Engine.RegexTimeout)
	if err != nil {
		return nil, err
	}
	h := &SettingsHolder{}
	h.current.Store(s)
	return h, nil
}

// StaticSettings wraps a fixed snapshot
func StaticSettings(s *Settings) *SettingsHolder {
	h := &SettingsHolder{}
	h.current.Store(s)
	return h
}

// Current returns the live snapshot
func (h *SettingsHolder) Current() *Settings {
	return h.current.Load()
}

// Bind recompiles settings whenever the manager reloads. A configuration
// that fails to compile rejects the whole reload.
func (h *SettingsHolder) Bind(m *config.Manager, logger *zap.SugaredLogger) {
	m.OnChange(func(cfg *config.Config) (func(), error) {
		next, err := NewSettings(cfg.Detection, cfg.Engine.RegexTimeout)
		if err != nil {
			return nil, fmt.Errorf("detection settings: %w", err)
		}
		return func() {
			h.current.Store(next)
			logger.Infow("Detection settings reloaded",
				"denylist_entries", next.Denylist.Len(),
				"sql_signatures", next.SQLSignatures.Len())
		}, nil
	})
}
