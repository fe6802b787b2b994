package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a per-deployment YAML overlay applied on top of the
// environment configuration. Profiles capture what differs between
// sites: retention, verification limits, and ingest throttling.
type Profile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Retention RetentionConfig `yaml:"retention" json:"retention"`
	Limits    LimitsConfig    `yaml:"limits" json:"limits"`
	Dedup     DedupConfig     `yaml:"dedup" json:"dedup"`
}

// RetentionConfig defines data retention policies.
type RetentionConfig struct {
	ArchiveDays  int `yaml:"archive_days" json:"archive_days"`
	EvidenceDays int `yaml:"evidence_days" json:"evidence_days"`
}

// LimitsConfig bounds bundle verification and ingest throughput.
type LimitsConfig struct {
	MaxArchiveBytes int64   `yaml:"max_archive_bytes" json:"max_archive_bytes"`
	MaxVerifyFiles  int     `yaml:"max_verify_files" json:"max_verify_files"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// DedupConfig tunes the suppression window.
type DedupConfig struct {
	Window              string `yaml:"window" json:"window"`
	SimilarityThreshold *int   `yaml:"similarity_threshold" json:"similarity_threshold"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			// Extract code from filename: profile_eu.yaml -> eu
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile onto cfg. Zero values in the profile leave
// the corresponding setting untouched.
func (p *Profile) Apply(cfg *Config) error {
	if p.Limits.MaxArchiveBytes > 0 {
		cfg.MaxArchiveBytes = p.Limits.MaxArchiveBytes
	}
	if p.Limits.MaxVerifyFiles > 0 {
		cfg.MaxVerifyFiles = p.Limits.MaxVerifyFiles
	}
	if p.Limits.RateLimitRPS > 0 {
		cfg.RateLimitRPS = p.Limits.RateLimitRPS
	}
	if p.Limits.RateLimitBurst > 0 {
		cfg.RateLimitBurst = p.Limits.RateLimitBurst
	}
	if p.Retention.ArchiveDays > 0 {
		cfg.ArchiveRetention = time.Duration(p.Retention.ArchiveDays) * 24 * time.Hour
	}
	if p.Dedup.Window != "" {
		d, err := time.ParseDuration(p.Dedup.Window)
		if err != nil {
			return fmt.Errorf("profile %s: dedup window: %w", p.Code, err)
		}
		cfg.DedupWindow = d
	}
	if p.Dedup.SimilarityThreshold != nil {
		cfg.SimilarityThreshold = *p.Dedup.SimilarityThreshold
	}
	return nil
}
