package remediation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoleDefinition is one narrower custom permission set that can replace a
// broad grant.
type RoleDefinition struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Replaces    []string `yaml:"replaces"`
	Permissions []string `yaml:"permissions"`
}

// RoleCatalog maps broad grants to the narrower custom roles that can
// replace them. It is read-only after load.
type RoleCatalog struct {
	byGrant map[string]string
	defs    map[string]RoleDefinition
}

// NewRoleCatalog builds a catalog from an explicit grant -> custom role
// mapping.
func NewRoleCatalog(mapping map[string]string) *RoleCatalog {
	byGrant := make(map[string]string, len(mapping))
	for grant, role := range mapping {
		byGrant[grant] = role
	}
	return &RoleCatalog{byGrant: byGrant, defs: map[string]RoleDefinition{}}
}

// LoadRoleCatalog reads custom role definitions from a directory of YAML
// files, one role per file, keyed by file name.
func LoadRoleCatalog(dir string) (*RoleCatalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading custom role directory: %w", err)
	}

	catalog := &RoleCatalog{
		byGrant: map[string]string{},
		defs:    map[string]RoleDefinition{},
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading custom role %s: %w", name, err)
		}
		var def RoleDefinition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("parsing custom role %s: %w", name, err)
		}
		roleID := strings.TrimSuffix(name, ".yaml")
		catalog.defs[roleID] = def
		for _, grant := range def.Replaces {
			catalog.byGrant[grant] = roleID
		}
	}
	return catalog, nil
}

// NarrowerGrant returns the custom role replacing grant, if one is defined.
func (c *RoleCatalog) NarrowerGrant(grant string) (string, bool) {
	if c == nil {
		return "", false
	}
	role, ok := c.byGrant[grant]
	return role, ok
}

// Definition returns the permission set of a custom role.
func (c *RoleCatalog) Definition(roleID string) (RoleDefinition, bool) {
	if c == nil {
		return RoleDefinition{}, false
	}
	def, ok := c.defs[roleID]
	return def, ok
}
