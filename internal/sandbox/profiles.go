package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes the container shape used for one repository's
// sandboxes. Zero-valued fields inherit from the catalog default.
type Profile struct {
	Image    string   `yaml:"image"`
	MemoryMB int      `yaml:"memory_mb"`
	CPUQuota int64    `yaml:"cpu_quota"`
	Network  string   `yaml:"network"`
	Env      []string `yaml:"env"`
	// TTL is the wall-clock budget for one sandbox, in seconds.
	TTL int `yaml:"ttl"`
}

// Catalog maps repositories ("owner/name") to sandbox profiles, with a
// default applied to everything not listed.
type Catalog struct {
	Default Profile            `yaml:"default"`
	Repos   map[string]Profile `yaml:"repos"`
}

// LoadCatalog reads a profile catalog from a YAML file. An empty path
// yields a catalog holding only the supplied fallback; a catalog whose
// default omits fields inherits them from the fallback.
func LoadCatalog(path string, fallback Profile) (*Catalog, error) {
	if path == "" {
		return &Catalog{Default: fallback}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox profiles %s: %w", path, err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse sandbox profiles %s: %w", path, err)
	}
	catalog.Default = merged(catalog.Default, fallback)
	return &catalog, nil
}

// For returns the effective profile for a repository.
func (c *Catalog) For(repo string) Profile {
	if p, ok := c.Repos[repo]; ok {
		return merged(p, c.Default)
	}
	return c.Default
}

// merged overlays p on base: unset fields of p take base's value.
func merged(p, base Profile) Profile {
	if p.Image == "" {
		p.Image = base.Image
	}
	if p.MemoryMB == 0 {
		p.MemoryMB = base.MemoryMB
	}
	if p.CPUQuota == 0 {
		p.CPUQuota = base.CPUQuota
	}
	if p.Network == "" {
		p.Network = base.Network
	}
	if len(p.Env) == 0 {
		p.Env = base.Env
	}
	if p.TTL == 0 {
		p.TTL = base.TTL
	}
	return p
}
