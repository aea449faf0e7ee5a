package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cgrhq/cgr/pkg/hitl"
)

// approvalChainFile is the on-disk shape of an approval chain config file:
// a named set of chains, keyed by chain name, so a deployment can define
// "default", "high-impact", "emergency", etc. in one document.
type approvalChainFile struct {
	Chains map[string]hitl.ApprovalChainDefinition `yaml:"chains"`
}

// LoadApprovalChains reads a YAML document of named approval chains from
// path. Each entry's Name field is set to its map key if left blank.
func LoadApprovalChains(path string) (map[string]hitl.ApprovalChainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read approval chain file %s: %w", path, err)
	}

	var doc approvalChainFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse approval chain file %s: %w", path, err)
	}

	for name, chain := range doc.Chains {
		if chain.Name == "" {
			chain.Name = name
			doc.Chains[name] = chain
		}
		if len(chain.Steps) == 0 {
			return nil, fmt.Errorf("config: approval chain %q has no steps", name)
		}
	}

	return doc.Chains, nil
}
