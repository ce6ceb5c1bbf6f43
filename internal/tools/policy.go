package tools

// Policy is the permission envelope: `{ allowTools, allowCommands,
// requireApproval, maxFileBytes }`. It generalizes a hard-coded gating
// rule into data the VM can save, overlay, and restore via `with policy`
// blocks.
type Policy struct {
	AllowTools      []string
	AllowCommands   []string
	RequireApproval bool
	MaxFileBytes    int64
}

// DefaultPolicy is the baseline a top-level run starts from; cmd/ps passes
// it as vm.Config.Policy.
func DefaultPolicy() Policy {
	return Policy{
		AllowTools:      []string{"READ_FILE", "WRITE_FILE", "PATCH_FILE", "SEARCH", "RUN_CMD", "ASK_USER", "REPORT", "RECALL"},
		AllowCommands:   nil,
		RequireApproval: false,
		MaxFileBytes:    500000,
	}
}

// RestrictivePolicy is the baseline a sub-workflow starts from when it
// does not inherit the parent policy: allowTools = {READ_FILE, SEARCH},
// no commands, no approval, 100 kB files.
func RestrictivePolicy() Policy {
	return Policy{
		AllowTools:      []string{"READ_FILE", "SEARCH"},
		AllowCommands:   nil,
		RequireApproval: false,
		MaxFileBytes:    100000,
	}
}

// Clone returns a deep-enough copy safe to push onto the `with policy` LIFO
// stack: mutating the clone's slices never affects the original.
func (p Policy) Clone() Policy {
	out := p
	out.AllowTools = append([]string(nil), p.AllowTools...)
	out.AllowCommands = append([]string(nil), p.AllowCommands...)
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// AllowsTool reports whether name is in AllowTools.
func (p Policy) AllowsTool(name string) bool { return contains(p.AllowTools, name) }

// AllowsCommand reports whether cmd is in AllowCommands.
func (p Policy) AllowsCommand(cmd string) bool { return contains(p.AllowCommands, cmd) }

// Overlay applies the subset of fields present in patch — as `with policy
// {...}:` overlays allowActions→allowTools, allowCommands,
// requireApproval, maxFileBytes — returning a new Policy; fields absent
// from patch keep the base's value.
type PolicyPatch struct {
	AllowTools      []string
	HasAllowTools   bool
	AllowCommands   []string
	HasAllowCommands bool
	RequireApproval bool
	HasRequireApproval bool
	MaxFileBytes    int64
	HasMaxFileBytes bool
}

func (p Policy) Overlay(patch PolicyPatch) Policy {
	out := p.Clone()
	if patch.HasAllowTools {
		out.AllowTools = patch.AllowTools
	}
	if patch.HasAllowCommands {
		out.AllowCommands = patch.AllowCommands
	}
	if patch.HasRequireApproval {
		out.RequireApproval = patch.RequireApproval
	}
	if patch.HasMaxFileBytes {
		out.MaxFileBytes = patch.MaxFileBytes
	}
	return out
}
