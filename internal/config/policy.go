package config

import (
	"os"
	"slices"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Policy is the submission allow-list. Only values listed here ever reach the IaC tool.
type Policy struct {
	AllowedRegions       []string `yaml:"allowed_regions"`
	AllowedInstanceTypes []string `yaml:"allowed_instance_types"`
	MinVolumeGB          int      `yaml:"min_volume_gb"`
	MaxVolumeGB          int      `yaml:"max_volume_gb"`
	DefaultVolumeGB      int      `yaml:"default_volume_gb"`
	AllowAccessKeyAuth   bool     `yaml:"allow_access_key_auth"`
}

// RegionAllowed reports whether region is on the allow-list.
func (p Policy) RegionAllowed(region string) bool {
	return slices.Contains(p.AllowedRegions, region)
}

// InstanceTypeAllowed reports whether instanceType is on the allow-list.
func (p Policy) InstanceTypeAllowed(instanceType string) bool {
	return slices.Contains(p.AllowedInstanceTypes, instanceType)
}

// LoadPolicyFile overlays a YAML policy file on top of base. Keys absent from the
// file keep their base value. An empty path returns base unchanged.
func LoadPolicyFile(path string, base Policy) (Policy, error) {
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "read policy file %s", path)
	}
	out := base
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return base, errors.Wrapf(err, "parse policy file %s", path)
	}
	if out.MinVolumeGB <= 0 || out.MaxVolumeGB < out.MinVolumeGB {
		return base, errors.Newf("policy file %s: invalid volume bounds %d..%d", path, out.MinVolumeGB, out.MaxVolumeGB)
	}
	if len(out.AllowedRegions) == 0 || len(out.AllowedInstanceTypes) == 0 {
		return base, errors.Newf("policy file %s: allow-lists must not be empty", path)
	}
	return out, nil
}
