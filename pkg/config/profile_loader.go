package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant tuning profile for authority evaluation
// and execution. Anything left zero falls back to the process-wide
// defaults.
type TenantProfile struct {
	Name               string           `yaml:"name" json:"name"`
	TenantID           string           `yaml:"tenant_id" json:"tenant_id"`
	MaxDelegationDepth int              `yaml:"max_delegation_depth,omitempty" json:"max_delegation_depth,omitempty"`
	Evaluation         EvaluationConfig `yaml:"evaluation" json:"evaluation"`
	Execution          ExecutionConfig  `yaml:"execution" json:"execution"`
	Regions            RegionConfig     `yaml:"regions" json:"regions"`
}

// EvaluationConfig tunes authority-graph evaluation per tenant.
type EvaluationConfig struct {
	ExpiryWarningHours int  `yaml:"expiry_warning_hours,omitempty" json:"expiry_warning_hours,omitempty"`
	RequireScopedEdges bool `yaml:"require_scoped_edges,omitempty" json:"require_scoped_edges,omitempty"`
}

// ExecutionConfig tunes the execution engine per tenant.
type ExecutionConfig struct {
	EmergencyGrantTTLMinutes int  `yaml:"emergency_grant_ttl_minutes,omitempty" json:"emergency_grant_ttl_minutes,omitempty"`
	LockTTLSeconds           int  `yaml:"lock_ttl_seconds,omitempty" json:"lock_ttl_seconds,omitempty"`
	RequireDryRun            bool `yaml:"require_dry_run" json:"require_dry_run"`
}

// RegionConfig restricts which regions a tenant's intents may name.
type RegionConfig struct {
	Mode      string   `yaml:"mode,omitempty" json:"mode,omitempty"` // "allowlist" | "denylist"
	Allowlist []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist  []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// LoadProfile loads a tenant profile YAML by tenant id. It searches the
// profiles directory for profile_<tenant>.yaml.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	tenantID = strings.ToLower(tenantID)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", tenantID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}

	return &profile, nil
}

// Profiles indexes tenant profiles by tenant id. A nil Profiles is valid
// and resolves everything to the process-wide defaults, so callers can
// wire the resolver methods unconditionally.
type Profiles map[string]*TenantProfile

// MaxDepthFor returns the tenant's delegation depth override, or zero
// when the tenant has no profile or no override.
func (p Profiles) MaxDepthFor(tenantID string) int {
	if prof := p[tenantID]; prof != nil {
		return prof.MaxDelegationDepth
	}
	return 0
}

// EmergencyTTLFor returns the tenant's emergency-grant lifetime override,
// or zero for the default.
func (p Profiles) EmergencyTTLFor(tenantID string) time.Duration {
	if prof := p[tenantID]; prof != nil {
		return prof.EmergencyGrantTTL()
	}
	return 0
}

// LockTTLFor returns the tenant's execution-lock lifetime override, or
// zero for the locker's default.
func (p Profiles) LockTTLFor(tenantID string) time.Duration {
	if prof := p[tenantID]; prof != nil {
		return time.Duration(prof.Execution.LockTTLSeconds) * time.Second
	}
	return 0
}

// RegionAllowedFor checks a region against the tenant's region policy.
// Tenants without a profile are unrestricted.
func (p Profiles) RegionAllowedFor(tenantID, region string) bool {
	if prof := p[tenantID]; prof != nil {
		return prof.RegionAllowed(region)
	}
	return true
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (Profiles, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(Profiles, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			// Extract tenant from filename: profile_acme.yaml -> acme
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}

// EmergencyGrantTTL returns the profile's emergency-grant lifetime, or
// zero when the profile does not override the default.
func (p *TenantProfile) EmergencyGrantTTL() time.Duration {
	return time.Duration(p.Execution.EmergencyGrantTTLMinutes) * time.Minute
}

// RegionAllowed checks a region name against the profile's region policy.
func (p *TenantProfile) RegionAllowed(region string) bool {
	switch p.Regions.Mode {
	case "allowlist":
		for _, r := range p.Regions.Allowlist {
			if r == region {
				return true
			}
		}
		return false
	case "denylist":
		for _, r := range p.Regions.Denylist {
			if r == region {
				return false
			}
		}
		return true
	default:
		return true
	}
}
