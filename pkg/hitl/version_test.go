package hitl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckCompatibilityDefaultsVersionAndPassesWithNoConstraint(t *testing.T) {
	def := ApprovalChainDefinition{Name: "default", Steps: []ChainStep{{Role: "reviewer", Quorum: 1}}}
	require.NoError(t, def.CheckCompatibility(ManagerVersion))
}

func TestCheckCompatibilityRejectsInvalidVersion(t *testing.T) {
	def := ApprovalChainDefinition{Name: "broken", Version: "not-a-version", Steps: []ChainStep{{Role: "reviewer", Quorum: 1}}}
	require.Error(t, def.CheckCompatibility(ManagerVersion))
}

func TestCheckCompatibilityEnforcesRequiresManagerConstraint(t *testing.T) {
	def := ApprovalChainDefinition{
		Name:            "future",
		Version:         "1.0.0",
		RequiresManager: ">= 2.0.0",
		Steps:           []ChainStep{{Role: "reviewer", Quorum: 1}},
	}
	err := def.CheckCompatibility(ManagerVersion)
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires manager version")
}

func TestCreateRejectsChainRequiringNewerManager(t *testing.T) {
	mgr, _ := newTestManager(t)
	def := ApprovalChainDefinition{
		Name:            "future",
		RequiresManager: ">= 2.0.0",
		Steps:           []ChainStep{{Role: "reviewer", Quorum: 1}},
	}
	_, err := mgr.Create(context.Background(), "tenant-a", "target-a", PriorityMedium, def, nil)
	require.Error(t, err)
}
