// Package permission evaluates agent tool calls against a declarative
// allow/deny profile.
//
// The decision order is fixed: disabled tools deny, pre-approved tools
// allow, then deny patterns in declared order, then allow patterns in
// declared order, then default deny. Deny-before-allow is a hard
// invariant: an explicit prohibition always beats a broad allow such as
// Bash(*). Any evaluation failure also denies.
package permission

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentum-dev/agentum/internal/model"
)

// ToolSets partitions tool names into behavioural categories.
type ToolSets struct {
	// Enabled tools are announced to the agent.
	Enabled []string `yaml:"enabled"`
	// Disabled tools are always denied, even when allow-matched.
	Disabled []string `yaml:"disabled"`
	// PermissionChecked tools route through the decision function and
	// additionally require host confirmation.
	PermissionChecked []string `yaml:"permission_checked"`
	// PreApproved tools bypass the rule scan entirely.
	PreApproved []string `yaml:"pre_approved"`
}

// Profile is the parsed permissions.yaml document. The allow and deny
// pattern lists are ordered slices — first match wins within each list, so
// the container must preserve declaration order.
type Profile struct {
	Tools ToolSets `yaml:"tools"`
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// LoadProfile reads and parses a permissions.yaml file.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("permission: read profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a permissions.yaml document.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("permission: parse profile: %w (%w)", err, model.ErrValidation)
	}
	return p, nil
}

// DefaultProfile is used when no permissions.yaml is configured: read-only
// inspection plus writes confined to the session workspace.
func DefaultProfile() Profile {
	return Profile{
		Tools: ToolSets{
			Enabled: []string{
				"Bash", "Read", "Write", "Edit", "Grep", "Glob", "LS",
				"TodoRead", "TodoWrite",
			},
			Disabled:          []string{"WebFetch", "WebSearch"},
			PermissionChecked: []string{"Bash"},
			PreApproved:       []string{"TodoRead", "TodoWrite"},
		},
		Allow: []string{
			"Read(*)",
			"Grep",
			"Glob",
			"LS",
			"Write({workspace}/**)",
			"Edit({workspace}/**)",
			"Bash(git *)",
			"Bash(ls *)",
			"Bash(cat *)",
			"Bash(grep *)",
			"Bash(find *)",
			"Bash(python *)",
			"Bash(echo *)",
		},
		Deny: []string{
			"Bash(rm -rf *)",
			"Bash(sudo *)",
			"Read(**/.env*)",
			"Read(**/secrets/**)",
			"Write(**/.env*)",
			"Edit(**/.env*)",
		},
	}
}
